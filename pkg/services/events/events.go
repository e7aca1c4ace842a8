// Package events implements the operator-facing operations on alarm events.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cctv-monitor/pkg/eventstore"
	"cctv-monitor/pkg/jobs"
	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/notify"
	"cctv-monitor/pkg/timestamp"
)

var (
	// ErrTimeout is returned when a match or sweep exceeds its safety timeout.
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidInput is returned for requests that cannot be applied.
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the event persistence the service works against.
type Store interface {
	Load() ([]models.Event, error)
	Create(ev models.Event) (models.Event, bool, error)
	Update(id int64, mutate func(*models.Event) error) (models.Event, error)
	Get(id int64) (models.Event, error)
}

// Matcher attaches videos to stored events.
type Matcher interface {
	AttachVideoIfMissing(ctx context.Context, id int64) (models.MatchOutcome, error)
}

// Sweeper runs one retention pass.
type Sweeper interface {
	Sweep(ctx context.Context, retentionDays int) (models.SweepStats, error)
}

// Publisher receives change notifications.
type Publisher interface {
	Publish(n models.Notification)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(jobType string, payload interface{}) (int64, error)
}

// Options are the tunables of a Service.
type Options struct {
	LateResponse  time.Duration
	RetentionDays int
	MatchTimeout  time.Duration
	SweepTimeout  time.Duration
}

// Service wires the store, matcher and retention engine together.
type Service struct {
	store     Store
	matcher   Matcher
	sweeper   Sweeper
	publisher Publisher
	queue     Enqueuer
	opts      Options
	logger    *zap.Logger

	sweepMu sync.Mutex

	// Now is the clock used for acknowledgement bookkeeping.
	Now func() time.Time
}

// New returns a service. publisher and queue may be nil.
func New(store Store, matcher Matcher, sweeper Sweeper, publisher Publisher, queue Enqueuer, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		matcher:   matcher,
		sweeper:   sweeper,
		publisher: publisher,
		queue:     queue,
		opts:      opts,
		logger:    logger,
		Now:       time.Now,
	}
}

func (s *Service) publish(typ string, ev models.Event) {
	if s.publisher != nil {
		s.publisher.Publish(notify.EventNotification(typ, ev))
	}
}

// Ingest stores a candidate event from the intake. A missing messageId gets a
// generated one; a missing date is taken from the image name. Duplicates are
// returned with created == false.
func (s *Service) Ingest(ctx context.Context, ev models.Event) (models.Event, bool, error) {
	ev.Camera = strings.TrimSpace(ev.Camera)
	if ev.Date.IsZero() {
		t, ok := timestamp.Extract(ev.ImagePath, timestamp.Image)
		if !ok {
			return models.Event{}, false, fmt.Errorf("%w: event date is required when the image name has no timestamp", ErrInvalidInput)
		}
		ev.Date = t
	}
	if ev.MessageID == "" {
		ev.MessageID = "generated-" + uuid.NewString()
	}

	// Operator fields are never taken from the intake.
	ev.ID = 0
	ev.VideoPath = ""
	ev.Acknowledged = false
	ev.AcknowledgedAt = nil
	ev.AcknowledgedBy = ""
	ev.ResponseTimeMinutes = nil
	ev.IsLateResponse = false
	ev.Locked = false
	ev.Tags = normalizeTags(ev.Tags)

	created, ok, err := s.store.Create(ev)
	if err != nil {
		return models.Event{}, false, err
	}
	if !ok {
		return created, false, nil
	}

	s.logger.Info("Event created",
		zap.Int64("event_id", created.ID),
		zap.String("message_id", created.MessageID),
		zap.String("camera", created.Camera))
	s.publish(models.NotifyEventCreated, created)

	if s.queue != nil {
		if _, err := s.queue.Enqueue(jobs.TypeAttachVideo, jobs.AttachVideoPayload{EventID: created.ID}); err != nil {
			s.logger.Warn("Failed to enqueue video attach", zap.Int64("event_id", created.ID), zap.Error(err))
		}
	}
	return created, true, nil
}

// AckRequest carries the optional fields of an acknowledgement. Nil fields
// leave the stored value unchanged.
type AckRequest struct {
	Note   *string  `json:"note"`
	Tags   []string `json:"tags"`
	Locked *bool    `json:"locked"`
}

// Acknowledge records an operator response. The first acknowledgement sets
// the response bookkeeping; later ones only change note, tags and lock.
func (s *Service) Acknowledge(ctx context.Context, id int64, req AckRequest, by string) (models.Event, error) {
	now := s.Now()
	ev, err := s.store.Update(id, func(e *models.Event) error {
		if !e.Acknowledged {
			e.Acknowledged = true
			at := now
			e.AcknowledgedAt = &at
			e.AcknowledgedBy = by
			if !e.Date.IsZero() {
				minutes := ResponseMinutes(e.Date, now)
				e.ResponseTimeMinutes = &minutes
				e.IsLateResponse = time.Duration(minutes)*time.Minute > s.opts.LateResponse
			}
		}
		if req.Note != nil {
			e.Note = *req.Note
		}
		if req.Tags != nil {
			e.Tags = normalizeTags(req.Tags)
		}
		if req.Locked != nil {
			e.Locked = *req.Locked
		}
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}

	s.logger.Info("Event acknowledged",
		zap.Int64("event_id", id),
		zap.String("by", ev.AcknowledgedBy),
		zap.Bool("late", ev.IsLateResponse))
	s.publish(models.NotifyEventUpdated, ev)
	return ev, nil
}

// ResponseMinutes is the whole number of minutes from date to now, never negative.
func ResponseMinutes(date, now time.Time) int {
	d := now.Sub(date)
	if d < 0 {
		return 0
	}
	return int(d / time.Minute)
}

// ToggleLock sets the lock flag of an event.
func (s *Service) ToggleLock(ctx context.Context, id int64, locked bool) (models.Event, error) {
	ev, err := s.store.Update(id, func(e *models.Event) error {
		e.Locked = locked
		return nil
	})
	if err != nil {
		return models.Event{}, err
	}
	s.logger.Info("Event lock changed", zap.Int64("event_id", id), zap.Bool("locked", locked))
	s.publish(models.NotifyEventUpdated, ev)
	return ev, nil
}

// AttachVideoIfMissing runs the matcher for one event under the match timeout.
func (s *Service) AttachVideoIfMissing(ctx context.Context, id int64) (models.MatchOutcome, error) {
	if s.opts.MatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.MatchTimeout)
		defer cancel()
	}
	out, err := s.matcher.AttachVideoIfMissing(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.MatchOutcome{}, fmt.Errorf("%w: matching event %d", ErrTimeout, id)
		}
		return models.MatchOutcome{}, err
	}
	return out, nil
}

// RunRetentionSweep runs one sweep with the configured window, or override
// when it is set. Concurrent calls are serialised.
func (s *Service) RunRetentionSweep(ctx context.Context, override *int) (models.SweepStats, error) {
	days := s.opts.RetentionDays
	if override != nil {
		days = *override
	}
	if days < 0 {
		return models.SweepStats{}, fmt.Errorf("%w: retention days must not be negative", ErrInvalidInput)
	}

	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	if s.opts.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.SweepTimeout)
		defer cancel()
	}
	stats, err := s.sweeper.Sweep(ctx, days)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return stats, fmt.Errorf("%w: retention sweep", ErrTimeout)
		}
		return stats, err
	}
	return stats, nil
}

// Get returns an event, attaching its video first when it has none.
// Matching problems are logged and do not fail the read.
func (s *Service) Get(ctx context.Context, id int64) (models.Event, error) {
	ev, err := s.store.Get(id)
	if err != nil {
		return models.Event{}, err
	}
	if ev.VideoPath != "" {
		return ev, nil
	}
	out, err := s.AttachVideoIfMissing(ctx, id)
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			return models.Event{}, err
		}
		s.logger.Warn("Video attach on read failed", zap.Int64("event_id", id), zap.Error(err))
		return ev, nil
	}
	if out.Found() {
		ev.VideoPath = out.Path
	}
	return ev, nil
}

// ListFilter narrows List. Nil pointers match everything.
type ListFilter struct {
	Camera       string
	Locked       *bool
	Acknowledged *bool
	Limit        int
}

// List returns matching events, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Event, error) {
	all, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, 0, len(all))
	for _, ev := range all {
		if f.Camera != "" && ev.Camera != f.Camera {
			continue
		}
		if f.Locked != nil && ev.Locked != *f.Locked {
			continue
		}
		if f.Acknowledged != nil && ev.Acknowledged != *f.Acknowledged {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// normalizeTags trims tags, drops empty ones and keeps the first of duplicates.
func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
