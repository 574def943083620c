package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

// keyedMutex serializes work per key (conversation ID) so concurrent
// deliveries for the same conversation are processed one at a time, while the
// store CAS protects against other processes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// StepResult is the outcome of one engine interaction.
type StepResult struct {
	ConversationID string
	ScenarioID     string
	Messages       []models.Message
	Completed      bool
	Abandoned      bool
	Duplicate      bool // lost the advance race; Messages is the stored resend
}

// Engine drives active conversations through their scenario step graphs.
type Engine struct {
	store    store.Store
	executor *Executor
	locks    *keyedMutex
	now      func() time.Time
}

// NewEngine creates a scenario Engine.
func NewEngine(st store.Store, executor *Executor) *Engine {
	return &Engine{store: st, executor: executor, locks: newKeyedMutex(), now: time.Now}
}

// Start begins a scenario for a friend. Any conversation already active for
// the friend is abandoned first; starting a scenario supersedes it.
func (e *Engine) Start(ctx context.Context, friend *models.Friend, scenario *models.Scenario) (*StepResult, error) {
	unlock := e.locks.lock(friend.ID)
	defer unlock()

	existing, err := e.store.GetActiveConversation(friend.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := e.store.FinishConversation(existing.ID, models.ConversationAbandoned, nil, e.now()); err != nil {
			return nil, err
		}
		if err := e.store.IncrementScenarioAbandoned(existing.ScenarioID); err != nil {
			slog.Error("Engine.Start: abandon counter failed", "scenarioID", existing.ScenarioID, "error", err)
		}
		slog.Info("Engine.Start: superseded active conversation", "conversationID", existing.ID, "friendID", friend.ID)
	}

	first := scenario.FirstStep()
	if first == nil {
		return nil, models.ErrScenarioNoSteps
	}

	walk := e.walk(ctx, scenario, friend, first, map[string]string{})

	now := e.now()
	conv := &models.ActiveConversation{
		AccountID:         scenario.AccountID,
		FriendID:          friend.ID,
		ScenarioID:        scenario.ID,
		CurrentStepID:     walk.stopStepID,
		Context:           walk.context,
		Status:            models.ConversationActive,
		LastResponse:      lastOf(walk.messages),
		StartedAt:         now,
		LastInteractionAt: now,
	}
	if walk.completed {
		// The whole graph ran without needing input.
		conv.Status = models.ConversationCompleted
		conv.CompletedAt = &now
		conv.CurrentStepID = walk.lastStepID
	}
	if err := e.store.CreateConversation(conv); err != nil {
		return nil, err
	}
	if err := e.store.IncrementScenarioStarted(scenario.ID); err != nil {
		slog.Error("Engine.Start: started counter failed", "scenarioID", scenario.ID, "error", err)
	}
	if walk.completed {
		if err := e.store.IncrementScenarioCompleted(scenario.ID); err != nil {
			slog.Error("Engine.Start: completed counter failed", "scenarioID", scenario.ID, "error", err)
		}
	}

	return &StepResult{
		ConversationID: conv.ID,
		ScenarioID:     scenario.ID,
		Messages:       walk.messages,
		Completed:      walk.completed,
	}, nil
}

// HandleMessage feeds an inbound message into the friend's active
// conversation and returns the messages to send back. Question validation
// applies only to text input; postbacks and stickers pass through as-is.
func (e *Engine) HandleMessage(ctx context.Context, friend *models.Friend, conv *models.ActiveConversation, messageText, messageType string) (*StepResult, error) {
	unlock := e.locks.lock(conv.ID)
	defer unlock()

	scenario, err := e.store.GetScenario(conv.ScenarioID)
	if err != nil {
		return nil, err
	}
	if scenario == nil {
		return nil, fmt.Errorf("scenario %s not found for conversation %s", conv.ScenarioID, conv.ID)
	}

	step := scenario.Step(conv.CurrentStepID)
	if step == nil {
		// The graph changed under the conversation; nothing sane to do but
		// close it out.
		slog.Warn("Engine.HandleMessage: current step missing from scenario", "conversationID", conv.ID, "stepID", conv.CurrentStepID)
		return e.finish(conv, scenario, models.ConversationAbandoned, nil, nil)
	}

	switch step.Type {
	case models.StepTypeQuestion:
		if messageType == string(models.MessageTypeText) && !ValidateAnswer(step.Validation, messageText) {
			return e.rejectAnswer(conv, scenario, step)
		}
		context := copyContext(conv.Context)
		if step.Variable != "" {
			context[step.Variable] = messageText
		}
		// Branches route the answer; without them the step's default next
		// step applies. No branch matching means the graph ends here.
		nextStepID := step.NextStepID
		if len(step.Branches) > 0 {
			nextStepID, _ = EvaluateBranches(step.Branches, messageText)
		}
		return e.advance(ctx, friend, conv, scenario, nextStepID, context)

	case models.StepTypeBranch:
		nextStepID, _ := EvaluateBranches(step.Branches, messageText)
		return e.advance(ctx, friend, conv, scenario, nextStepID, copyContext(conv.Context))

	default:
		// Conversations only park on waiting steps; a message or action step
		// here means the walk was interrupted. Resume it.
		return e.advance(ctx, friend, conv, scenario, step.ID, copyContext(conv.Context))
	}
}

// AbandonMessage is sent when a conversation is given up after too many
// invalid answers.
const AbandonMessage = "申し訳ございません。正しい入力を確認できませんでした。最初からやり直してください。"

// rejectAnswer handles a failed validation: either one more retry prompt, or
// abandonment with a fixed apology once the retry budget is spent.
func (e *Engine) rejectAnswer(conv *models.ActiveConversation, scenario *models.Scenario, step *models.Step) (*StepResult, error) {
	retries := conv.RetryCount + 1
	if retries >= scenario.Retries() {
		apology := models.TextMessage(AbandonMessage)
		return e.finish(conv, scenario, models.ConversationAbandoned, nil, []models.Message{apology})
	}

	errMsg := models.TextMessage(ValidationErrorMessage(step.Validation))
	won, err := e.store.RecordConversationRetry(conv.ID, conv.CurrentStepID, retries, &errMsg, e.now())
	if err != nil {
		return nil, err
	}
	if !won {
		return e.loseRace(conv)
	}
	return &StepResult{
		ConversationID: conv.ID,
		ScenarioID:     conv.ScenarioID,
		Messages:       []models.Message{errMsg},
	}, nil
}

// advance moves the conversation to nextStepID, runs through any
// non-waiting steps, and persists the result with a CAS on the current step.
func (e *Engine) advance(ctx context.Context, friend *models.Friend, conv *models.ActiveConversation, scenario *models.Scenario, nextStepID string, context map[string]string) (*StepResult, error) {
	if nextStepID == "" {
		return e.finish(conv, scenario, models.ConversationCompleted, context, nil)
	}
	next := scenario.Step(nextStepID)
	if next == nil {
		slog.Warn("Engine.advance: next step missing, completing", "conversationID", conv.ID, "stepID", nextStepID)
		return e.finish(conv, scenario, models.ConversationCompleted, context, nil)
	}

	walk := e.walk(ctx, scenario, friend, next, context)
	if walk.completed {
		return e.finish(conv, scenario, models.ConversationCompleted, walk.context, walk.messages)
	}

	won, err := e.store.AdvanceConversation(conv.ID, conv.CurrentStepID, walk.stopStepID, walk.context, 0, lastOf(walk.messages), e.now())
	if err != nil {
		return nil, err
	}
	if !won {
		return e.loseRace(conv)
	}
	return &StepResult{
		ConversationID: conv.ID,
		ScenarioID:     conv.ScenarioID,
		Messages:       walk.messages,
	}, nil
}

// finish closes the conversation. The CAS on status keeps terminal rows
// immutable under concurrent finishes.
func (e *Engine) finish(conv *models.ActiveConversation, scenario *models.Scenario, status models.ConversationStatus, context map[string]string, messages []models.Message) (*StepResult, error) {
	won, err := e.store.FinishConversation(conv.ID, status, context, e.now())
	if err != nil {
		return nil, err
	}
	if !won {
		return e.loseRace(conv)
	}
	switch status {
	case models.ConversationCompleted:
		if err := e.store.IncrementScenarioCompleted(scenario.ID); err != nil {
			slog.Error("Engine.finish: completed counter failed", "scenarioID", scenario.ID, "error", err)
		}
	case models.ConversationAbandoned:
		if err := e.store.IncrementScenarioAbandoned(scenario.ID); err != nil {
			slog.Error("Engine.finish: abandoned counter failed", "scenarioID", scenario.ID, "error", err)
		}
	}
	slog.Info("Engine.finish: conversation closed", "conversationID", conv.ID, "status", status)
	return &StepResult{
		ConversationID: conv.ID,
		ScenarioID:     conv.ScenarioID,
		Messages:       messages,
		Completed:      status == models.ConversationCompleted,
		Abandoned:      status == models.ConversationAbandoned,
	}, nil
}

// loseRace handles a failed CAS: another delivery already advanced the
// conversation. Re-read it and resend its stored last response so the
// duplicate still gets an answer, without changing state.
func (e *Engine) loseRace(conv *models.ActiveConversation) (*StepResult, error) {
	current, err := e.store.GetActiveConversation(conv.FriendID)
	if err != nil {
		return nil, err
	}
	result := &StepResult{ConversationID: conv.ID, ScenarioID: conv.ScenarioID, Duplicate: true}
	if current != nil && current.ID == conv.ID && current.LastResponse != nil {
		result.Messages = []models.Message{*current.LastResponse}
	}
	slog.Debug("Engine.loseRace: duplicate delivery", "conversationID", conv.ID)
	return result, nil
}

// walkResult captures a run through consecutive non-waiting steps.
type walkResult struct {
	messages   []models.Message
	context    map[string]string
	stopStepID string // waiting step the conversation parks on
	lastStepID string // last step visited before completion
	completed  bool
}

// walk executes message and action steps starting at step, collecting their
// messages and side effects, and stops at the first step that waits for
// input (question or branch) or when the graph ends.
func (e *Engine) walk(ctx context.Context, scenario *models.Scenario, friend *models.Friend, step *models.Step, context map[string]string) walkResult {
	result := walkResult{context: context}
	visited := make(map[string]bool)

	for step != nil {
		if visited[step.ID] {
			slog.Warn("Engine.walk: step cycle detected, completing", "scenarioID", scenario.ID, "stepID", step.ID)
			result.completed = true
			return result
		}
		visited[step.ID] = true
		result.lastStepID = step.ID

		switch step.Type {
		case models.StepTypeQuestion, models.StepTypeBranch:
			if step.Message != nil {
				result.messages = append(result.messages, *step.Message)
			}
			result.stopStepID = step.ID
			return result

		case models.StepTypeAction:
			e.executor.Execute(ctx, friend, step.Actions)
			if step.Message != nil {
				result.messages = append(result.messages, *step.Message)
			}

		case models.StepTypeMessage:
			if step.Message != nil {
				result.messages = append(result.messages, *step.Message)
			}

		default:
			// An unrecognized step type is a dead end.
			slog.Error("Engine.walk: unknown step type, completing", "scenarioID", scenario.ID, "stepID", step.ID, "type", step.Type)
			result.completed = true
			return result
		}

		if step.NextStepID == "" {
			result.completed = true
			return result
		}
		next := scenario.Step(step.NextStepID)
		if next == nil {
			slog.Warn("Engine.walk: next step missing, completing", "scenarioID", scenario.ID, "stepID", step.NextStepID)
			result.completed = true
			return result
		}
		step = next
	}
	result.completed = true
	return result
}

func copyContext(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func lastOf(msgs []models.Message) *models.Message {
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[len(msgs)-1]
	return &m
}
