// Package messaging provides the outbound delivery layer between the
// response engine and the LINE Messaging API.
package messaging

import (
	"context"

	"github.com/linepulse/linepulse/internal/models"
)

// Service defines a pluggable delivery abstraction. The flow engine depends
// on this interface rather than on the LINE client directly.
type Service interface {
	// SendMessages delivers messages to a platform user, honoring the
	// platform's per-request batch limit.
	SendMessages(ctx context.Context, platformUserID string, msgs []models.Message) error
}
