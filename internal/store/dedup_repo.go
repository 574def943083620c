// Package store provides the DedupRepo interface for inbound webhook deduplication.
package store

import (
	"time"
)

// DedupRecord tracks one inbound LINE message ID. LINE redelivers webhook
// events on slow or failed ACKs, so processing is keyed by message ID.
type DedupRecord struct {
	MessageID      string     `json:"message_id"`
	PlatformUserID string     `json:"platform_user_id"`
	ReceivedAt     time.Time  `json:"received_at"`
	ProcessedAt    *time.Time `json:"processed_at"`
}

// DedupRepo persists inbound message IDs for duplicate detection.
type DedupRepo interface {
	// IsDuplicate reports whether the message ID has been seen before.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound inserts a new inbound record. Returns false if the message
	// ID was already recorded.
	RecordInbound(messageID, platformUserID string) (bool, error)

	// MarkProcessed stamps processed_at for a message.
	MarkProcessed(messageID string) error
}
