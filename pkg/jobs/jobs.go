package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cctv-monitor/pkg/models"
)

// Job types understood by the worker.
const (
	TypeRetentionSweep = "retention_sweep"
	TypeAttachVideo    = "attach_video"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// AttachVideoPayload is the payload of an attach_video job.
type AttachVideoPayload struct {
	EventID int64 `json:"event_id"`
}

// RetentionSweepPayload is the payload of a retention_sweep job. A nil
// RetentionDays uses the configured window.
type RetentionSweepPayload struct {
	RetentionDays *int `json:"retention_days,omitempty"`
}

// Queue is the sqlite-backed job queue.
type Queue struct {
	db *sql.DB
}

// NewQueue returns a queue over an opened database that has the jobs table.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue creates a new pending job.
func (q *Queue) Enqueue(jobType string, payload interface{}) (int64, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	res, err := q.db.Exec("INSERT INTO jobs (job_type, payload) VALUES (?, ?)", jobType, string(payloadBytes))
	if err != nil {
		return 0, fmt.Errorf("failed to insert job: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// NextPending retrieves the oldest pending job, or nil if there is none.
func (q *Queue) NextPending() (*models.Job, error) {
	row := q.db.QueryRow("SELECT id, job_type, payload, status, error, created_at, updated_at FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1", StatusPending)

	var job models.Job
	var payload sql.NullString
	err := row.Scan(&job.ID, &job.JobType, &payload, &job.Status, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get pending job: %w", err)
	}
	job.Payload = payload.String
	return &job, nil
}

// HasPending reports whether a job of jobType is waiting or running.
func (q *Queue) HasPending(jobType string) (bool, error) {
	var count int
	err := q.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE job_type = ? AND status IN (?, ?)", jobType, StatusPending, StatusRunning).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count %s jobs: %w", jobType, err)
	}
	return count > 0, nil
}

// Delete removes a job from the database.
func (q *Queue) Delete(id int64) error {
	_, err := q.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}
	return nil
}

// UpdateStatus updates the status and error of a job.
func (q *Queue) UpdateStatus(id int64, status string, jobErr error) error {
	var errStr sql.NullString
	if jobErr != nil {
		errStr.String = jobErr.Error()
		errStr.Valid = true
	}
	_, err := q.db.Exec("UPDATE jobs SET status = ?, error = ? WHERE id = ?", status, errStr, id)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// ResetRunning puts jobs left running by a previous process back to pending.
func (q *Queue) ResetRunning() (int64, error) {
	res, err := q.db.Exec("UPDATE jobs SET status = ? WHERE status = ?", StatusPending, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	return res.RowsAffected()
}
