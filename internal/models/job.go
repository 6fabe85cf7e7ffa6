package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// IsTerminal reports whether no further transition may leave status.
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Job is one emoji-overlay request and its lifecycle state.
type Job struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Emoji             string     `json:"emoji"`
	InputRef          string     `json:"input_ref"`
	ContentType       string     `json:"content_type"`
	ResultRef         *string    `json:"result_ref,omitempty"`
	ResultContentType *string    `json:"result_content_type,omitempty"`
	FacesDetected     *int       `json:"faces_detected,omitempty"`
	ErrorDetail       *string    `json:"error_detail,omitempty"`
	LastError         *string    `json:"last_error,omitempty"`
	Attempts          int        `json:"attempts"`
	MaxAttempts       int        `json:"max_attempts"`
	WorkerID          *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt    *time.Time `json:"lease_expires_at,omitempty"`
	IdempotencyKey    *string    `json:"idempotency_key,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LeaseExpired reports whether a processing job's lease lapsed at now. A
// lease ending exactly at now is still live, as in the stores' claim query.
func (j Job) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(now)
}

// StatusView is the client-facing projection of a job.
type StatusView struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	Emoji         string    `json:"emoji,omitempty"`
	Attempts      int       `json:"attempts"`
	ResultRef     string    `json:"result_ref,omitempty"`
	FacesDetected *int      `json:"faces_detected,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// View projects the job for clients.
func (j Job) View() StatusView {
	v := StatusView{
		JobID:         j.ID,
		Status:        j.Status,
		Emoji:         j.Emoji,
		Attempts:      j.Attempts,
		FacesDetected: j.FacesDetected,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if j.ResultRef != nil {
		v.ResultRef = *j.ResultRef
	}
	if j.ErrorDetail != nil {
		v.ErrorDetail = *j.ErrorDetail
	}
	return v
}

// JobEvent is an audit row, also fanned out to push subscribers.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Status   string    `json:"status,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Recorded time.Time `json:"recorded_at"`
}

// Audit event names.
const (
	EventSubmitted = "submitted"
	EventClaimed   = "claimed"
	EventRetry     = "retry_scheduled"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
	EventExpired   = "lease_expired"
	EventRequeued  = "requeued"
)
