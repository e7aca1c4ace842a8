package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cctv-monitor/pkg/jobs"
	"cctv-monitor/pkg/models"
)

// Queue is the job storage the worker drains.
type Queue interface {
	Enqueue(jobType string, payload interface{}) (int64, error)
	NextPending() (*models.Job, error)
	HasPending(jobType string) (bool, error)
	UpdateStatus(id int64, status string, jobErr error) error
	Delete(id int64) error
}

// Handler executes the work behind each job type.
type Handler interface {
	AttachVideoIfMissing(ctx context.Context, id int64) (models.MatchOutcome, error)
	RunRetentionSweep(ctx context.Context, override *int) (models.SweepStats, error)
}

// Worker is a simple, single-threaded job runner.
type Worker struct {
	queue        Queue
	handler      Handler
	logger       *zap.Logger
	pollInterval time.Duration
}

// New returns a worker polling queue every pollInterval.
func New(queue Queue, handler Handler, pollInterval time.Duration, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Worker{queue: queue, handler: handler, logger: logger, pollInterval: pollInterval}
}

// Start drains the queue until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("Starting job worker", zap.Duration("poll_interval", w.pollInterval))
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.NextPending()
		if err != nil {
			w.logger.Error("Error getting pending job", zap.Error(err))
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, w.pollInterval) {
				return
			}
			continue
		}
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	log := w.logger.With(zap.Int64("job_id", job.ID), zap.String("job_type", job.JobType))
	log.Info("Processing job")
	if err := w.queue.UpdateStatus(job.ID, jobs.StatusRunning, nil); err != nil {
		log.Error("Error updating job status to running", zap.Error(err))
		return
	}

	jobErr := w.run(ctx, job)

	if jobErr != nil {
		log.Error("Job failed", zap.Error(jobErr))
		if err := w.queue.UpdateStatus(job.ID, jobs.StatusFailed, jobErr); err != nil {
			log.Error("Error updating job status", zap.Error(err))
		}
	} else {
		log.Info("Job completed")
		if err := w.queue.UpdateStatus(job.ID, jobs.StatusCompleted, nil); err != nil {
			log.Error("Error updating job status", zap.Error(err))
		}
	}

	if err := w.queue.Delete(job.ID); err != nil {
		log.Error("Error deleting job", zap.Error(err))
	}
}

func (w *Worker) run(ctx context.Context, job *models.Job) error {
	switch job.JobType {
	case jobs.TypeAttachVideo:
		var payload jobs.AttachVideoPayload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			return fmt.Errorf("invalid attach_video payload: %w", err)
		}
		out, err := w.handler.AttachVideoIfMissing(ctx, payload.EventID)
		if err != nil {
			return err
		}
		w.logger.Debug("Attach job finished",
			zap.Int64("event_id", payload.EventID),
			zap.String("status", string(out.Status)))
		return nil
	case jobs.TypeRetentionSweep:
		var payload jobs.RetentionSweepPayload
		if job.Payload != "" && job.Payload != "null" {
			if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
				return fmt.Errorf("invalid retention_sweep payload: %w", err)
			}
		}
		_, err := w.handler.RunRetentionSweep(ctx, payload.RetentionDays)
		return err
	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// NextSweepTime returns the first local time after now whose hour is hour and
// whose minutes and seconds are zero.
func NextSweepTime(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunScheduler enqueues a retention_sweep job every day at hour until ctx is
// cancelled. A sweep still waiting in the queue is not duplicated.
func RunScheduler(ctx context.Context, queue Queue, hour int, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		next := NextSweepTime(time.Now(), hour)
		logger.Info("Next retention sweep scheduled", zap.Time("at", next))
		if !sleep(ctx, time.Until(next)) {
			return
		}
		if err := EnqueueSweep(queue); err != nil {
			logger.Error("Failed to schedule retention sweep", zap.Error(err))
		}
	}
}

// EnqueueSweep adds a retention_sweep job unless one is already queued.
func EnqueueSweep(queue Queue) error {
	pending, err := queue.HasPending(jobs.TypeRetentionSweep)
	if err != nil {
		return err
	}
	if pending {
		return nil
	}
	_, err = queue.Enqueue(jobs.TypeRetentionSweep, jobs.RetentionSweepPayload{})
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
