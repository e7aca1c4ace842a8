// Package retention deletes expired, unlocked events together with their
// snapshot and video files.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cctv-monitor/pkg/models"
	"cctv-monitor/pkg/util"
)

// Resolver maps a stored media path to a file on disk.
type Resolver interface {
	Resolve(stored string) (string, error)
}

// Searcher locates a best-effort video for an event that has none attached.
type Searcher interface {
	Search(ctx context.Context, ev models.Event) (models.MatchOutcome, error)
}

// Store is the part of the event store a sweep needs.
type Store interface {
	Load() ([]models.Event, error)
	Delete(ids []int64) ([]int64, error)
}

// MediaError records a failed media deletion for one event.
type MediaError struct {
	EventID int64
	Path    string
	Err     error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("event %d: failed to delete %s: %v", e.EventID, e.Path, e.Err)
}

func (e *MediaError) Unwrap() error { return e.Err }

// Engine runs retention sweeps. Sweeps are not meant to overlap.
type Engine struct {
	resolver Resolver
	searcher Searcher
	store    Store
	logger   *zap.Logger

	// Now is the sweep clock.
	Now func() time.Time
	// OnDelete is called for every event removed from the store.
	OnDelete func(ev models.Event)
}

// New returns an engine. searcher may be nil, in which case events without
// a stored video path only lose their image.
func New(resolver Resolver, searcher Searcher, store Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		resolver: resolver,
		searcher: searcher,
		store:    store,
		logger:   logger,
		Now:      time.Now,
	}
}

// Sweep removes every unlocked event dated before now - retentionDays.
// Media failures are collected in Errors and never stop the pass or keep
// the event row. The store is rewritten only when something was selected.
// Files referenced by a retained event are never deleted, and an event
// locked while the sweep runs keeps its row.
func (e *Engine) Sweep(ctx context.Context, retentionDays int) (models.SweepStats, error) {
	stats := models.SweepStats{Errors: []string{}}
	if retentionDays < 0 {
		return stats, fmt.Errorf("invalid retention window: %d days", retentionDays)
	}

	events, err := e.store.Load()
	if err != nil {
		return stats, fmt.Errorf("failed to load events for sweep: %w", err)
	}
	cutoff := e.Now().AddDate(0, 0, -retentionDays)

	var selected []models.Event
	held := make(map[string]struct{})
	for _, ev := range events {
		stats.Processed++
		expired := ev.Date.Before(cutoff)
		if expired && !ev.Locked {
			selected = append(selected, ev)
			continue
		}
		if expired {
			stats.SkippedLocked++
		}
		for _, p := range []string{ev.ImagePath, ev.VideoPath} {
			if p != "" {
				held[p] = struct{}{}
			}
		}
	}

	// On cancellation the rows whose media are already gone are still removed.
	var cancelled error
	ids := make([]int64, 0, len(selected))
	for _, ev := range selected {
		if err := ctx.Err(); err != nil {
			cancelled = err
			selected = selected[:len(ids)]
			break
		}
		e.deleteMedia(ctx, ev, held, &stats)
		ids = append(ids, ev.ID)
	}

	if len(ids) > 0 {
		removed, err := e.store.Delete(ids)
		if err != nil {
			return stats, fmt.Errorf("failed to persist sweep: %w", err)
		}
		stats.Deleted = len(removed)
		if e.OnDelete != nil {
			gone := make(map[int64]struct{}, len(removed))
			for _, id := range removed {
				gone[id] = struct{}{}
			}
			for _, ev := range selected {
				if _, ok := gone[ev.ID]; ok {
					e.OnDelete(ev)
				}
			}
		}
	}

	e.logger.Info("Retention sweep finished",
		zap.Int("retention_days", retentionDays),
		zap.Int("processed", stats.Processed),
		zap.Int("deleted", stats.Deleted),
		zap.Int("skipped_locked", stats.SkippedLocked),
		zap.Int("deleted_images", stats.DeletedImages),
		zap.Int("deleted_videos", stats.DeletedVideos),
		zap.Int("errors", len(stats.Errors)))
	return stats, cancelled
}

func (e *Engine) deleteMedia(ctx context.Context, ev models.Event, held map[string]struct{}, stats *models.SweepStats) {
	if ev.ImagePath != "" && !e.isHeld(ev.ID, ev.ImagePath, held) {
		if e.remove(ev.ID, ev.ImagePath, stats) {
			stats.DeletedImages++
		}
	}

	videoPath := ev.VideoPath
	if videoPath == "" && e.searcher != nil {
		out, err := e.searcher.Search(ctx, ev)
		if err != nil {
			e.record(stats, &MediaError{EventID: ev.ID, Path: "video search", Err: err})
		} else if out.Status == models.MatchFound {
			videoPath = out.Path
		}
	}
	if videoPath != "" && !e.isHeld(ev.ID, videoPath, held) {
		if e.remove(ev.ID, videoPath, stats) {
			stats.DeletedVideos++
		}
	}
}

// isHeld reports whether a retained event still references stored.
func (e *Engine) isHeld(eventID int64, stored string, held map[string]struct{}) bool {
	if _, ok := held[stored]; !ok {
		return false
	}
	e.logger.Info("Keeping media referenced by a retained event",
		zap.Int64("event_id", eventID), zap.String("path", stored))
	return true
}

// remove deletes one stored media path and reports whether a file was removed.
func (e *Engine) remove(eventID int64, stored string, stats *models.SweepStats) bool {
	p, err := e.resolver.Resolve(stored)
	if err != nil {
		e.record(stats, &MediaError{EventID: eventID, Path: stored, Err: err})
		return false
	}
	removed, err := util.RemoveIfExists(p)
	if err != nil {
		e.record(stats, &MediaError{EventID: eventID, Path: p, Err: err})
		return false
	}
	return removed
}

func (e *Engine) record(stats *models.SweepStats, err *MediaError) {
	e.logger.Warn("Media deletion failed",
		zap.Int64("event_id", err.EventID),
		zap.String("path", err.Path),
		zap.Error(err.Err))
	stats.Errors = append(stats.Errors, err.Error())
}
