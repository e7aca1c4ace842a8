package models

import (
	"database/sql"
	"time"
)

// Event is one alarm record. Field names are the persisted document keys.
type Event struct {
	ID                  int64      `json:"id"`
	MessageID           string     `json:"messageId"`
	Date                time.Time  `json:"date"`
	Camera              string     `json:"camera"`
	EventType           string     `json:"eventType,omitempty"`
	Subject             string     `json:"subject,omitempty"`
	ImagePath           string     `json:"imagePath,omitempty"`
	VideoPath           string     `json:"videoPath,omitempty"`
	Acknowledged        bool       `json:"acknowledged"`
	AcknowledgedAt      *time.Time `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy      string     `json:"acknowledgedBy,omitempty"`
	ResponseTimeMinutes *int       `json:"responseTimeMinutes,omitempty"`
	IsLateResponse      bool       `json:"isLateResponse"`
	Tags                []string   `json:"tags"`
	Locked              bool       `json:"locked"`
	Note                string     `json:"note,omitempty"`
}

// MatchStatus describes how a correlation attempt ended.
type MatchStatus string

const (
	MatchFound            MatchStatus = "matched"
	MatchAlreadyAttached  MatchStatus = "already_attached"
	MatchNotFound         MatchStatus = "not_found"
	MatchInsufficientData MatchStatus = "insufficient_data"
)

// MatchOutcome is the result of correlating an event with a video clip.
// NotFound and InsufficientData are normal, retryable outcomes.
type MatchOutcome struct {
	Status  MatchStatus `json:"status"`
	Path    string      `json:"path,omitempty"`
	DeltaMs int64       `json:"deltaMs"`
}

// Found reports whether Path points at a video.
func (m MatchOutcome) Found() bool {
	return m.Status == MatchFound || m.Status == MatchAlreadyAttached
}

// SweepStats summarises one retention pass.
type SweepStats struct {
	Processed     int      `json:"processed"`
	Deleted       int      `json:"deleted"`
	SkippedLocked int      `json:"skippedLocked"`
	DeletedImages int      `json:"deletedImages"`
	DeletedVideos int      `json:"deletedVideos"`
	Errors        []string `json:"errors"`
}

// Notification types published on the hub.
const (
	NotifyEventCreated  = "event.created"
	NotifyEventUpdated  = "event.updated"
	NotifyVideoAttached = "event.video_attached"
	NotifyEventDeleted  = "event.deleted"
)

// Notification tells subscribers that an event changed.
type Notification struct {
	Type      string    `json:"type"`
	EventID   int64     `json:"eventId"`
	Camera    string    `json:"camera,omitempty"`
	VideoPath string    `json:"videoPath,omitempty"`
	At        time.Time `json:"at"`
}

// Job represents a job in the database job queue.
type Job struct {
	ID        int64
	JobType   string
	Payload   string
	Status    string
	Error     sql.NullString
	CreatedAt time.Time
	UpdatedAt time.Time
}

// User represents an operator account in the database.
type User struct {
	ID       int64
	Username string
	IsAdmin  bool
}
