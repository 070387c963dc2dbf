package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no worker will touch a job in this status again
// without an explicit resubmission.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the durable record of one recipe import. ResultID is set only when
// Status is completed and ErrorMessage only when Status is failed.
type Job struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	SourceURL    string     `json:"source_url"`
	Status       JobStatus  `json:"status"`
	ResultID     string     `json:"result_id,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	NotifyToken  string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// ExecutionID identifies the run that last moved the job to processing.
	// Only that run may complete or fail it.
	ExecutionID string `json:"-"`
}

// Envelope returns the queue payload that triggers a worker pickup for j.
func (j *Job) Envelope() Envelope {
	return Envelope{
		JobID:       j.ID,
		UserID:      j.UserID,
		SourceURL:   j.SourceURL,
		NotifyToken: j.NotifyToken,
		CreatedAt:   j.CreatedAt,
	}
}

// Envelope is the transient payload moved through the queue. The Job record,
// not the envelope, is the source of truth.
type Envelope struct {
	JobID       string    `json:"job_id"`
	UserID      string    `json:"user_id"`
	SourceURL   string    `json:"source_url"`
	NotifyToken string    `json:"notify_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recipe is the persisted result record linked from a completed Job.
type Recipe struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	JobID       string          `json:"job_id"`
	Title       string          `json:"title"`
	SourceURL   string          `json:"source_url"`
	Platform    string          `json:"platform"`
	SourceType  string          `json:"source_type"`
	Description string          `json:"description,omitempty"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"created_at"`
}
