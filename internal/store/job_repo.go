// Package store provides the JobRepo interface and model for durable background work.
package store

import (
	"time"
)

// Job kinds dispatched by the JobRunner.
const (
	// JobKindAutoResponse processes one inbound friend message through the
	// rule matcher and scenario engine.
	JobKindAutoResponse = "auto_response"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job is a durable unit of work. Webhook handlers enqueue jobs instead of
// doing the response work inline, so a crash between webhook ACK and send
// never loses an inbound message.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// JobRepo persists durable jobs.
type JobRepo interface {
	// EnqueueJob inserts a new job. A non-empty dedupeKey makes the call
	// idempotent: if a non-terminal job with that key exists, its ID is
	// returned and nothing is inserted.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs transitions up to limit queued jobs with run_at <= now to
	// running and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	// CompleteJob marks a job as done.
	CompleteJob(id string) error

	// FailJob records the error and requeues the job for nextRunAt, or marks
	// it permanently failed once attempts reach max_attempts.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	// CancelJob marks a job as canceled.
	CancelJob(id string) error

	// RequeueStaleRunningJobs moves jobs locked since before staleBefore back
	// to queued. Called at startup for crash recovery.
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob retrieves a single job by ID, or nil if absent.
	GetJob(id string) (*Job, error)
}
