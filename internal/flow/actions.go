package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

// OperatorAlert is the payload stored for operator_notify outbox messages.
type OperatorAlert struct {
	FriendID    string `json:"friend_id"`
	DisplayName string `json:"display_name,omitempty"`
	Text        string `json:"text"`
}

// Executor applies rule and step side effects. Execution is best effort: a
// failing action is logged and skipped, and never blocks the response.
type Executor struct {
	store  store.Store
	outbox store.OutboxRepo
}

// NewExecutor creates an Executor. outbox receives operator notifications.
func NewExecutor(st store.Store, outbox store.OutboxRepo) *Executor {
	return &Executor{store: st, outbox: outbox}
}

// Execute runs each action in order and returns the ones that succeeded.
func (e *Executor) Execute(ctx context.Context, friend *models.Friend, actions []models.Action) []models.Action {
	var executed []models.Action
	for i := range actions {
		a := actions[i]
		if err := e.executeOne(ctx, friend, &a); err != nil {
			slog.Error("Executor.Execute: action failed", "type", a.Type, "friendID", friend.ID, "error", err)
			continue
		}
		executed = append(executed, a)
	}
	return executed
}

func (e *Executor) executeOne(ctx context.Context, friend *models.Friend, a *models.Action) error {
	switch a.Type {
	case models.ActionTypeTag:
		for _, tagID := range a.TagIDs {
			if err := e.store.AddFriendTag(friend.ID, tagID); err != nil {
				return fmt.Errorf("add tag %s: %w", tagID, err)
			}
		}
		return nil

	case models.ActionTypeSegment:
		if err := e.store.AddFriendSegment(friend.ID, a.SegmentID); err != nil {
			return fmt.Errorf("add segment %s: %w", a.SegmentID, err)
		}
		return nil

	case models.ActionTypeStep:
		enrolled, err := e.store.EnrollInCampaign(a.CampaignID, friend.ID)
		if err != nil {
			return fmt.Errorf("enroll in campaign %s: %w", a.CampaignID, err)
		}
		if !enrolled {
			slog.Debug("Executor.executeOne: already enrolled", "campaignID", a.CampaignID, "friendID", friend.ID)
		}
		return nil

	case models.ActionTypeNotify:
		alert := OperatorAlert{
			FriendID:    friend.ID,
			DisplayName: friend.DisplayName,
			Text:        a.NotificationText,
		}
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("encode operator alert: %w", err)
		}
		if _, err := e.outbox.EnqueueOutboxMessage(friend.ID, store.OutboxKindOperatorNotify, string(payload), ""); err != nil {
			return fmt.Errorf("enqueue operator alert: %w", err)
		}
		return nil

	case models.ActionTypeUpdateField:
		if err := e.store.SetFriendField(friend.ID, a.FieldName, a.FieldValue); err != nil {
			return fmt.Errorf("set field %s: %w", a.FieldName, err)
		}
		return nil

	default:
		return models.ErrInvalidActionType
	}
}
