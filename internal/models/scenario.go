// Package models defines scenario and conversation structures for LinePulse.
package models

import (
	"errors"
	"time"
)

// StepType defines the kind of a scenario step node.
type StepType string

const (
	// StepTypeMessage sends its message and advances unconditionally.
	StepTypeMessage StepType = "message"
	// StepTypeQuestion validates the incoming answer before advancing.
	StepTypeQuestion StepType = "question"
	// StepTypeBranch routes on the incoming answer via its branch list.
	StepTypeBranch StepType = "branch"
	// StepTypeAction collects side effects and advances unconditionally.
	StepTypeAction StepType = "action"
)

// ValidationType defines how a question step validates the answer.
type ValidationType string

const (
	ValidationTypeText   ValidationType = "text"
	ValidationTypeNumber ValidationType = "number"
	ValidationTypeEmail  ValidationType = "email"
	ValidationTypePhone  ValidationType = "phone"
	ValidationTypeRegex  ValidationType = "regex"
)

// ValidationSpec declares the validation applied to a question step's answer.
type ValidationSpec struct {
	Type         ValidationType `json:"type"`
	Pattern      string         `json:"pattern,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// BranchConditionType defines how a branch condition is evaluated.
type BranchConditionType string

const (
	BranchEquals   BranchConditionType = "equals"
	BranchContains BranchConditionType = "contains"
	BranchRegex    BranchConditionType = "regex"
	BranchGT       BranchConditionType = "gt"
	BranchLT       BranchConditionType = "lt"
	// BranchDefault always holds. It is intended to be placed last as a
	// catch-all; placed earlier it short-circuits the remaining branches.
	BranchDefault BranchConditionType = "default"
)

// Branch is one ordered condition -> next-step pair.
type Branch struct {
	Condition  BranchConditionType `json:"condition"`
	Value      string              `json:"value,omitempty"`
	NextStepID string              `json:"next_step_id"`
}

// Step is one node in a scenario's directed step graph. A non-terminal step
// resolves to a next step via its branches or NextStepID; absence of both
// means the scenario completes after this step.
type Step struct {
	ID         string          `json:"id"`
	Type       StepType        `json:"type"`
	Message    *Message        `json:"message,omitempty"`
	Validation *ValidationSpec `json:"validation,omitempty"`
	Variable   string          `json:"variable,omitempty"` // context key for the captured answer
	Branches   []Branch        `json:"branches,omitempty"`
	Actions    []Action        `json:"actions,omitempty"`
	NextStepID string          `json:"next_step_id,omitempty"`
}

// Default scenario configuration values.
const (
	// DefaultMaxRetries is applied when a scenario does not configure retries.
	DefaultMaxRetries = 3
	// DefaultTimeoutMinutes is applied when a scenario does not configure a timeout.
	DefaultTimeoutMinutes = 30
)

var (
	ErrScenarioNoSteps = errors.New("scenario has no steps")
	ErrStepMissingID   = errors.New("scenario step is missing an ID")
)

// Scenario is a static step graph definition. It is read-only during
// execution; only its aggregate counters change, via atomic store increments.
type Scenario struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	Name           string    `json:"name"`
	Steps          []Step    `json:"steps"`
	MaxRetries     int       `json:"max_retries"`
	TimeoutMinutes int       `json:"timeout_minutes"`
	Active         bool      `json:"active"`
	TotalStarted   int       `json:"total_started"`
	TotalCompleted int       `json:"total_completed"`
	TotalAbandoned int       `json:"total_abandoned"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the scenario's step graph for structural soundness.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return ErrScenarioNoSteps
	}
	for i := range s.Steps {
		if s.Steps[i].ID == "" {
			return ErrStepMissingID
		}
	}
	return nil
}

// Step returns the step with the given ID, or nil if it is not in the graph.
func (s *Scenario) Step(id string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// FirstStep returns the entry step of the scenario.
func (s *Scenario) FirstStep() *Step {
	if len(s.Steps) == 0 {
		return nil
	}
	return &s.Steps[0]
}

// Retries returns the configured retry budget, falling back to the default.
func (s *Scenario) Retries() int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return DefaultMaxRetries
}

// Timeout returns the inactivity timeout, falling back to the default.
func (s *Scenario) Timeout() time.Duration {
	minutes := s.TimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultTimeoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// ConversationStatus represents the lifecycle state of an ActiveConversation.
type ConversationStatus string

const (
	// ConversationActive indicates the conversation is in progress.
	ConversationActive ConversationStatus = "active"
	// ConversationCompleted indicates the conversation reached the end of its graph.
	ConversationCompleted ConversationStatus = "completed"
	// ConversationAbandoned indicates the conversation was given up (retries or timeout).
	ConversationAbandoned ConversationStatus = "abandoned"
)

// Terminal reports whether the status is a terminal state.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationCompleted || s == ConversationAbandoned
}

// ActiveConversation is the live instance of a scenario running for one
// friend. Invariants: at most one non-terminal row per (friend, scenario)
// pair; retry_count < scenario retry budget while status is active; terminal
// rows are immutable.
type ActiveConversation struct {
	ID                string             `json:"id"`
	AccountID         string             `json:"account_id"`
	FriendID          string             `json:"friend_id"`
	ScenarioID        string             `json:"scenario_id"`
	CurrentStepID     string             `json:"current_step_id"`
	Context           map[string]string  `json:"context,omitempty"`
	RetryCount        int                `json:"retry_count"`
	Status            ConversationStatus `json:"status"`
	LastResponse      *Message           `json:"last_response,omitempty"` // re-sent when a duplicate delivery loses the advance race
	StartedAt         time.Time          `json:"started_at"`
	LastInteractionAt time.Time          `json:"last_interaction_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

// ResponseStatus represents the outcome recorded in a response log row.
type ResponseStatus string

const (
	ResponseStatusSuccess    ResponseStatus = "success"
	ResponseStatusFailed     ResponseStatus = "failed"
	ResponseStatusProcessing ResponseStatus = "processing"
)

// ResponseLog is an immutable audit record of one matched-and-executed rule
// or scenario step. Append-only; one row per inbound message that triggered
// a response.
type ResponseLog struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"account_id"`
	FriendID        string         `json:"friend_id"`
	RuleID          string         `json:"rule_id,omitempty"`
	RuleType        RuleType       `json:"rule_type,omitempty"`
	ScenarioID      string         `json:"scenario_id,omitempty"`
	ConversationID  string         `json:"conversation_id,omitempty"`
	MatchedKeyword  string         `json:"matched_keyword,omitempty"`
	ReceivedMessage string         `json:"received_message"`
	SentResponse    *Message       `json:"sent_response,omitempty"`
	Status          ResponseStatus `json:"status"`
	ResponseTimeMs  int64          `json:"response_time_ms"`
	ExecutedActions []Action       `json:"executed_actions,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
