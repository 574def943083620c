package line

import (
	"encoding/json"
	"fmt"
)

// EventType identifies the kind of a webhook event.
type EventType string

const (
	EventTypeMessage  EventType = "message"
	EventTypeFollow   EventType = "follow"
	EventTypeUnfollow EventType = "unfollow"
	EventTypePostback EventType = "postback"
	EventTypeDelivery EventType = "delivery"
)

// EventSource identifies the originator of a webhook event.
type EventSource struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
}

// EventMessage is the message payload of a message event.
type EventMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// EventPostback is the payload of a postback event (button taps etc.).
type EventPostback struct {
	Data string `json:"data"`
}

// EventDelivery is the payload of a delivery event.
type EventDelivery struct {
	UserIDs []string `json:"userIds"`
}

// WebhookEvent is one event inside a webhook delivery batch.
type WebhookEvent struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Source    EventSource    `json:"source"`
	Message   *EventMessage  `json:"message,omitempty"`
	Postback  *EventPostback `json:"postback,omitempty"`
	Delivery  *EventDelivery `json:"delivery,omitempty"`
}

// WebhookBody is the signed JSON payload of one webhook delivery. The
// platform may batch several events and does not guarantee in-order delivery
// per user.
type WebhookBody struct {
	Destination string         `json:"destination"`
	Events      []WebhookEvent `json:"events"`
}

// ParseWebhookBody decodes a raw webhook payload. Signature validation must
// happen before parsing, over the exact raw bytes.
func ParseWebhookBody(body []byte) (*WebhookBody, error) {
	var wb WebhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("failed to parse webhook body: %w", err)
	}
	return &wb, nil
}
