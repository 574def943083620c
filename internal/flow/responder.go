package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/linepulse/linepulse/internal/messaging"
	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

// Responder orchestrates one inbound message end to end: conversation
// handling or rule matching, side effects, delivery and the audit log.
type Responder struct {
	store      store.Store
	matcher    *Matcher
	engine     *Engine
	executor   *Executor
	dispatcher messaging.Service
	now        func() time.Time
}

// NewResponder wires the pipeline together.
func NewResponder(st store.Store, matcher *Matcher, engine *Engine, executor *Executor, dispatcher messaging.Service) *Responder {
	return &Responder{
		store:      st,
		matcher:    matcher,
		engine:     engine,
		executor:   executor,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// Respond processes one inbound friend message. It returns the response log
// row written for the interaction, or nil when nothing matched.
func (r *Responder) Respond(ctx context.Context, req *models.AutoResponseRequest) (*models.ResponseLog, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	started := r.now()

	friend, err := r.store.GetFriend(req.FriendID)
	if err != nil {
		return nil, err
	}
	if friend == nil {
		return nil, fmt.Errorf("friend %s not found", req.FriendID)
	}
	if friend.Blocked {
		slog.Debug("Responder.Respond: friend is blocked, skipping", "friendID", friend.ID)
		return nil, nil
	}

	conv, err := r.store.GetActiveConversation(friend.ID)
	if err != nil {
		return nil, err
	}

	// A scenario-start keyword wins over an in-flight conversation; anything
	// else feeds the conversation when one is active.
	if conv != nil {
		startMatch, err := r.matcher.MatchScenarioStart(ctx, friend, req.MessageText)
		if err != nil {
			return nil, err
		}
		if startMatch != nil {
			return r.startScenario(ctx, friend, startMatch, req, started)
		}
		return r.continueConversation(ctx, friend, conv, req, started)
	}

	match, err := r.matcher.Match(ctx, friend, req.MessageText)
	if err != nil {
		return nil, err
	}
	if match == nil {
		slog.Debug("Responder.Respond: no rule matched", "friendID", friend.ID)
		return nil, nil
	}
	if match.Rule.Type == models.RuleTypeScenario {
		return r.startScenario(ctx, friend, match, req, started)
	}
	return r.respondWithRule(ctx, friend, match, req, started)
}

// respondWithRule executes a keyword/regex/ai rule: actions, delivery, log.
func (r *Responder) respondWithRule(ctx context.Context, friend *models.Friend, match *MatchResult, req *models.AutoResponseRequest, started time.Time) (*models.ResponseLog, error) {
	rule := match.Rule
	executed := r.executor.Execute(ctx, friend, rule.Actions)

	entry := &models.ResponseLog{
		AccountID:       friend.AccountID,
		FriendID:        friend.ID,
		RuleID:          rule.ID,
		RuleType:        rule.Type,
		MatchedKeyword:  match.MatchedKeyword,
		ReceivedMessage: req.MessageText,
		SentResponse:    rule.Response,
		Status:          models.ResponseStatusSuccess,
		ExecutedActions: executed,
	}

	if err := r.dispatcher.SendMessages(ctx, friend.PlatformUserID, []models.Message{*rule.Response}); err != nil {
		slog.Error("Responder.respondWithRule: delivery failed", "ruleID", rule.ID, "friendID", friend.ID, "error", err)
		entry.Status = models.ResponseStatusFailed
		entry.ErrorMessage = err.Error()
	}

	r.recordTrigger(rule.ID)
	return r.writeLog(entry, started)
}

// startScenario starts (or supersedes into) the rule's scenario.
func (r *Responder) startScenario(ctx context.Context, friend *models.Friend, match *MatchResult, req *models.AutoResponseRequest, started time.Time) (*models.ResponseLog, error) {
	rule := match.Rule
	scenario, err := r.store.GetScenario(rule.ScenarioID)
	if err != nil {
		return nil, err
	}
	if scenario == nil || !scenario.Active {
		slog.Warn("Responder.startScenario: scenario missing or inactive", "ruleID", rule.ID, "scenarioID", rule.ScenarioID)
		return nil, nil
	}

	result, err := r.engine.Start(ctx, friend, scenario)
	if err != nil {
		return nil, err
	}

	entry := &models.ResponseLog{
		AccountID:       friend.AccountID,
		FriendID:        friend.ID,
		RuleID:          rule.ID,
		RuleType:        rule.Type,
		ScenarioID:      scenario.ID,
		ConversationID:  result.ConversationID,
		MatchedKeyword:  match.MatchedKeyword,
		ReceivedMessage: req.MessageText,
		SentResponse:    lastOf(result.Messages),
		Status:          models.ResponseStatusSuccess,
	}

	if err := r.dispatcher.SendMessages(ctx, friend.PlatformUserID, result.Messages); err != nil {
		slog.Error("Responder.startScenario: delivery failed", "scenarioID", scenario.ID, "friendID", friend.ID, "error", err)
		entry.Status = models.ResponseStatusFailed
		entry.ErrorMessage = err.Error()
	}

	r.recordTrigger(rule.ID)
	return r.writeLog(entry, started)
}

// continueConversation feeds the message into the active conversation.
func (r *Responder) continueConversation(ctx context.Context, friend *models.Friend, conv *models.ActiveConversation, req *models.AutoResponseRequest, started time.Time) (*models.ResponseLog, error) {
	result, err := r.engine.HandleMessage(ctx, friend, conv, req.MessageText, req.MessageType)
	if err != nil {
		return nil, err
	}

	entry := &models.ResponseLog{
		AccountID:       friend.AccountID,
		FriendID:        friend.ID,
		ScenarioID:      conv.ScenarioID,
		ConversationID:  conv.ID,
		ReceivedMessage: req.MessageText,
		SentResponse:    lastOf(result.Messages),
		Status:          models.ResponseStatusSuccess,
	}

	if len(result.Messages) > 0 {
		if err := r.dispatcher.SendMessages(ctx, friend.PlatformUserID, result.Messages); err != nil {
			slog.Error("Responder.continueConversation: delivery failed", "conversationID", conv.ID, "friendID", friend.ID, "error", err)
			entry.Status = models.ResponseStatusFailed
			entry.ErrorMessage = err.Error()
		}
	}

	// Duplicate deliveries resend the stored response but do not add a log row.
	if result.Duplicate {
		return nil, nil
	}
	return r.writeLog(entry, started)
}

func (r *Responder) recordTrigger(ruleID string) {
	if err := r.store.RecordRuleTrigger(ruleID, r.now()); err != nil {
		slog.Error("Responder.recordTrigger: failed", "ruleID", ruleID, "error", err)
	}
}

func (r *Responder) writeLog(entry *models.ResponseLog, started time.Time) (*models.ResponseLog, error) {
	entry.ResponseTimeMs = r.now().Sub(started).Milliseconds()
	entry.CreatedAt = r.now()
	if err := r.store.AddResponseLog(entry); err != nil {
		slog.Error("Responder.writeLog: failed", "friendID", entry.FriendID, "error", err)
		return entry, err
	}
	return entry, nil
}
