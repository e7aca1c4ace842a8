// Package matcher correlates alarm snapshots with independently uploaded
// video clips by nearest filename timestamp.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"cctv-monitor/pkg/eventstore"
	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/timestamp"
)

// Lister is the part of the video index the matcher needs.
type Lister interface {
	ListCandidates(ctx context.Context, cameraPrefix, day string) ([]string, error)
}

// Store is the part of the event store the matcher needs.
type Store interface {
	Get(id int64) (models.Event, error)
	Update(id int64, mutate func(*models.Event) error) (models.Event, error)
}

// OnAttach is called after a video path has been persisted on an event.
type OnAttach func(ev models.Event)

// Matcher finds the closest clip for an event and attaches it once.
type Matcher struct {
	index             Lister
	store             Store
	logger            *zap.Logger
	tolerance         time.Duration
	fallbackTolerance time.Duration
	onAttach          OnAttach
}

// Option customises a Matcher.
type Option func(*Matcher)

// WithTolerance overrides the day-scoped and fallback tolerance windows.
func WithTolerance(scoped, fallback time.Duration) Option {
	return func(m *Matcher) {
		m.tolerance = scoped
		m.fallbackTolerance = fallback
	}
}

// WithOnAttach registers a callback fired after each successful attach.
func WithOnAttach(fn OnAttach) Option {
	return func(m *Matcher) { m.onAttach = fn }
}

var errAlreadyAttached = errors.New("video already attached")

// DefaultTolerance is the match window for both search tiers.
const DefaultTolerance = 120 * time.Second

// New returns a matcher over index that persists through store.
func New(index Lister, store Store, logger *zap.Logger, opts ...Option) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Matcher{
		index:             index,
		store:             store,
		logger:            logger,
		tolerance:         DefaultTolerance,
		fallbackTolerance: DefaultTolerance,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// best tracks the closest candidate seen so far. Strictly smaller deltas
// replace it, so equal deltas keep the first one in scan order.
type best struct {
	path  string
	delta time.Duration
	found bool
}

func (b *best) offer(p string, delta, tolerance time.Duration) {
	if delta > tolerance {
		return
	}
	if !b.found || delta < b.delta {
		b.path, b.delta, b.found = p, delta, true
	}
}

// anchors returns the times candidates are compared against: the
// image-embedded time and, when it differs, the recorded event date.
func anchors(ev models.Event, imageTime time.Time) []time.Time {
	out := []time.Time{imageTime}
	if !ev.Date.IsZero() && !ev.Date.Equal(imageTime) {
		out = append(out, ev.Date)
	}
	return out
}

// candidateDays returns the image day, the day before and the day after,
// followed by the same for the recorded date when it falls on another day.
func candidateDays(anchorTimes []time.Time) []string {
	seen := map[string]bool{}
	var days []string
	for _, a := range anchorTimes {
		local := a.In(time.Local)
		for _, offset := range []int{0, -1, 1} {
			key := timestamp.DayKey(local.AddDate(0, 0, offset))
			if !seen[key] {
				seen[key] = true
				days = append(days, key)
			}
		}
	}
	return days
}

func minDelta(candidate time.Time, anchorTimes []time.Time) time.Duration {
	smallest := time.Duration(-1)
	for _, a := range anchorTimes {
		d := candidate.Sub(a)
		if d < 0 {
			d = -d
		}
		if smallest < 0 || d < smallest {
			smallest = d
		}
	}
	return smallest
}

func (m *Matcher) scan(paths []string, anchorTimes []time.Time, tolerance time.Duration, b *best) {
	for _, p := range paths {
		ts, ok := timestamp.Extract(path.Base(p), timestamp.Video)
		if !ok {
			continue
		}
		b.offer(p, minDelta(ts, anchorTimes), tolerance)
	}
}

// Search looks for the closest clip for ev without touching the store.
// It never consults ev.VideoPath. A clip is accepted when its delta to the
// nearest anchor is at most the tolerance.
func (m *Matcher) Search(ctx context.Context, ev models.Event) (models.MatchOutcome, error) {
	if ev.ImagePath == "" || ev.Camera == "" {
		return models.MatchOutcome{Status: models.MatchInsufficientData}, nil
	}
	imageTime, ok := timestamp.Extract(ev.ImagePath, timestamp.Image)
	if !ok {
		m.logger.Debug("Image name carries no timestamp",
			zap.Int64("event_id", ev.ID), zap.String("image", ev.ImagePath))
		return models.MatchOutcome{Status: models.MatchNotFound}, nil
	}

	anchorTimes := anchors(ev, imageTime)
	days := candidateDays(anchorTimes)

	var b best
	exactDayCandidates := 0
	for i, day := range days {
		paths, err := m.index.ListCandidates(ctx, ev.Camera, day)
		if err != nil {
			return models.MatchOutcome{}, fmt.Errorf("failed to list videos for event %d on %s: %w", ev.ID, day, err)
		}
		if i == 0 {
			exactDayCandidates = len(paths)
		}
		m.scan(paths, anchorTimes, m.tolerance, &b)
	}

	if !b.found && exactDayCandidates == 0 {
		paths, err := m.index.ListCandidates(ctx, ev.Camera, "")
		if err != nil {
			return models.MatchOutcome{}, fmt.Errorf("failed to list recent videos for event %d: %w", ev.ID, err)
		}
		m.scan(paths, anchorTimes, m.fallbackTolerance, &b)
	}

	if !b.found {
		return models.MatchOutcome{Status: models.MatchNotFound}, nil
	}
	return models.MatchOutcome{
		Status:  models.MatchFound,
		Path:    b.path,
		DeltaMs: b.delta.Milliseconds(),
	}, nil
}

// Match returns the attached clip of ev or searches for one, persisting a
// hit through the store. An event that already has a video path is returned
// as-is without any filesystem or store access.
func (m *Matcher) Match(ctx context.Context, ev models.Event) (models.MatchOutcome, error) {
	if ev.VideoPath != "" {
		return models.MatchOutcome{Status: models.MatchAlreadyAttached, Path: ev.VideoPath}, nil
	}

	outcome, err := m.Search(ctx, ev)
	if err != nil || outcome.Status != models.MatchFound {
		return outcome, err
	}

	// Another writer may have attached a clip since ev was read; theirs wins.
	var existing string
	updated, err := m.store.Update(ev.ID, func(e *models.Event) error {
		if e.VideoPath != "" {
			existing = e.VideoPath
			return errAlreadyAttached
		}
		e.VideoPath = outcome.Path
		return nil
	})
	if errors.Is(err, errAlreadyAttached) {
		return models.MatchOutcome{Status: models.MatchAlreadyAttached, Path: existing}, nil
	}
	if err != nil {
		return models.MatchOutcome{}, fmt.Errorf("failed to attach video to event %d: %w", ev.ID, err)
	}

	m.logger.Info("Attached video to event",
		zap.Int64("event_id", ev.ID),
		zap.String("camera", ev.Camera),
		zap.String("video", outcome.Path),
		zap.Int64("delta_ms", outcome.DeltaMs))
	if m.onAttach != nil {
		m.onAttach(updated)
	}
	return outcome, nil
}

// AttachVideoIfMissing loads the event with id and runs Match on it.
func (m *Matcher) AttachVideoIfMissing(ctx context.Context, id int64) (models.MatchOutcome, error) {
	ev, err := m.store.Get(id)
	if err != nil {
		return models.MatchOutcome{}, err
	}
	return m.Match(ctx, ev)
}

var _ Store = (*eventstore.Store)(nil)
