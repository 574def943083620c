// Package store provides the OutboxRepo interface and model for restart-safe
// outbound deliveries to channels other than the LINE reply path.
package store

import (
	"time"
)

// Outbox message kinds.
const (
	// OutboxKindOperatorNotify delivers an operator alert (SMS) raised by a
	// notify_operator rule action or scenario step.
	OutboxKindOperatorNotify = "operator_notify"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// OutboxMessage is a durable outbound delivery record. FriendID identifies
// the friend whose activity triggered the delivery.
type OutboxMessage struct {
	ID            string       `json:"id"`
	FriendID      string       `json:"friend_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo persists durable outbound deliveries.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a new outbox message. A non-empty dedupeKey
	// makes the call idempotent against non-terminal messages.
	EnqueueOutboxMessage(friendID, kind, payloadJSON, dedupeKey string) (string, error)

	// ClaimDueOutboxMessages transitions up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) to sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as delivered.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a delivery failure and schedules the next
	// attempt at nextAttemptAt.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// RequeueStaleSendingMessages moves messages stuck in sending since before
	// staleBefore back to queued. Called at startup for crash recovery.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
