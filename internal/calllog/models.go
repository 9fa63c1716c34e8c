package calllog

import "time"

// Entry is the durable history record of a phone call, independent of the
// in-memory registry. Created when the carrier first reports the call
// (webhook time) and closed out when the media stream stops.

type Entry struct {
	ID      string `json:"id" db:"id"`
	CallSID string `json:"call_sid" db:"call_sid"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status Status `json:"status" db:"status"`

	StartedAt time.Time  `json:"started_at" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	DurationSeconds int `json:"duration_seconds" db:"duration_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Status string

const (
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Update is a partial update applied to an existing entry.
// Nil fields are left untouched.
type Update struct {
	Status          *Status
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
}
