// Package eventstore persists the alarm event list as a single JSON document.
//
// Every mutation is read-entire-file, modify, write-entire-file. A Store
// serialises its mutations with one mutex so two writers in the same process
// cannot interleave whole-file overwrites. Load is unlocked and always sees a
// complete document because Save replaces the file by rename.
package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"cctv-monitor/pkg/models"
)

// ErrNotFound is returned when an event id is not in the store.
var ErrNotFound = errors.New("event not found")

// Store is the authoritative event list.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// New returns a store backed by the document at path.
func New(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger, now: time.Now}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the whole event list. A missing document is an empty list.
func (s *Store) Load() ([]models.Event, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.Event{}, nil
		}
		return nil, fmt.Errorf("failed to read event store %s: %w", s.path, err)
	}
	if len(b) == 0 {
		return []models.Event{}, nil
	}
	var events []models.Event
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("failed to decode event store %s: %w", s.path, err)
	}
	return events, nil
}

// Save replaces the whole document with events.
func (s *Store) Save(events []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(events)
}

func (s *Store) save(events []models.Event) error {
	if events == nil {
		events = []models.Event{}
	}
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create event store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp event store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write event store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close event store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace event store %s: %w", s.path, err)
	}
	return nil
}

// Create appends ev unless an event with the same MessageID exists.
// A duplicate is logged and reported as created == false with a nil error.
// A zero ID is replaced by a creation-time derived one.
func (s *Store) Create(ev models.Event) (models.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.Load()
	if err != nil {
		return models.Event{}, false, err
	}
	if existing, ok := FindByMessageID(events, ev.MessageID); ok {
		s.logger.Info("Skipping duplicate event",
			zap.String("message_id", ev.MessageID),
			zap.Int64("existing_id", existing.ID))
		return existing, false, nil
	}

	var maxID int64
	for _, e := range events {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	if _, taken := FindByID(events, ev.ID); ev.ID == 0 || taken {
		ev.ID = s.now().UnixMilli()
		if ev.ID <= maxID {
			ev.ID = maxID + 1
		}
	}
	if ev.Tags == nil {
		ev.Tags = []string{}
	}

	events = append(events, ev)
	if err := s.save(events); err != nil {
		return models.Event{}, false, err
	}
	return ev, true, nil
}

// Update applies mutate to the event with id and persists the list.
// If mutate returns an error nothing is written.
func (s *Store) Update(id int64, mutate func(*models.Event) error) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.Load()
	if err != nil {
		return models.Event{}, err
	}
	idx := indexOf(events, id)
	if idx < 0 {
		return models.Event{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err := mutate(&events[idx]); err != nil {
		return models.Event{}, err
	}
	if err := s.save(events); err != nil {
		return models.Event{}, err
	}
	return events[idx], nil
}

// Get loads the list and returns the event with id.
func (s *Store) Get(id int64) (models.Event, error) {
	events, err := s.Load()
	if err != nil {
		return models.Event{}, err
	}
	ev, ok := FindByID(events, id)
	if !ok {
		return models.Event{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return ev, nil
}

// Delete removes the given ids from a fresh read of the document, so events
// created since the caller's own read are kept. Rows that are locked in that
// fresh read are kept too. It returns the ids actually removed.
func (s *Store) Delete(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.Load()
	if err != nil {
		return nil, err
	}
	kept := make([]models.Event, 0, len(events))
	var removed []int64
	for _, e := range events {
		if _, gone := drop[e.ID]; gone {
			if !e.Locked {
				removed = append(removed, e.ID)
				continue
			}
			s.logger.Info("Keeping event locked during sweep", zap.Int64("event_id", e.ID))
		}
		kept = append(kept, e)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if err := s.save(kept); err != nil {
		return nil, err
	}
	return removed, nil
}

// FindByID is a pure lookup over a loaded list.
func FindByID(events []models.Event, id int64) (models.Event, bool) {
	if i := indexOf(events, id); i >= 0 {
		return events[i], true
	}
	return models.Event{}, false
}

// FindByMessageID is a pure lookup over a loaded list. An empty id never matches.
func FindByMessageID(events []models.Event, messageID string) (models.Event, bool) {
	if messageID == "" {
		return models.Event{}, false
	}
	for _, e := range events {
		if e.MessageID == messageID {
			return e, true
		}
	}
	return models.Event{}, false
}

func indexOf(events []models.Event, id int64) int {
	for i := range events {
		if events[i].ID == id {
			return i
		}
	}
	return -1
}
