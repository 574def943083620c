// Package store provides storage backends for LinePulse.
//
// It defines the Store interface the auto-response engine persists through,
// with PostgreSQL, SQLite and in-memory implementations. The same backends
// also implement the JobRepo, OutboxRepo and DedupRepo interfaces for durable
// dispatch, operator notifications and inbound deduplication.
package store

import (
	"strings"
	"time"

	"github.com/linepulse/linepulse/internal/models"
)

// Store defines the persistence surface for the auto-response engine.
//
// Conversation mutation methods that return a bool implement compare-and-swap
// semantics: false means the guarded precondition no longer held (a concurrent
// delivery won the race, or the conversation is already terminal) and the
// caller must treat the call as a no-op.
type Store interface {
	// Friends
	GetFriend(id string) (*models.Friend, error)
	GetFriendByPlatformID(platformUserID string) (*models.Friend, error)
	UpsertFriend(accountID, platformUserID, displayName string, at time.Time) (*models.Friend, error)
	SetFriendBlocked(platformUserID string, blocked bool) error
	TouchFriend(platformUserID string, at time.Time) error
	AddFriendTag(friendID, tagID string) error
	AddFriendSegment(friendID, segmentID string) error
	SetFriendField(friendID, name, value string) error

	// Rules (created via dashboard; read-only to the engine)
	CreateRule(r *models.Rule) error
	ListActiveRules(accountID string) ([]models.Rule, error)
	RecordRuleTrigger(ruleID string, at time.Time) error

	// Scenarios. Counter increments are atomic under concurrent terminal
	// transitions.
	CreateScenario(s *models.Scenario) error
	GetScenario(id string) (*models.Scenario, error)
	IncrementScenarioStarted(id string) error
	IncrementScenarioCompleted(id string) error
	IncrementScenarioAbandoned(id string) error

	// Active conversations
	GetActiveConversation(friendID string) (*models.ActiveConversation, error)
	HasActiveConversation(friendID, scenarioID string) (bool, error)
	CreateConversation(c *models.ActiveConversation) error
	AdvanceConversation(id, expectedStepID, nextStepID string, context map[string]string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error)
	RecordConversationRetry(id, expectedStepID string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error)
	FinishConversation(id string, status models.ConversationStatus, context map[string]string, at time.Time) (bool, error)
	ListActiveConversations() ([]models.ActiveConversation, error)

	// Response logs (append-only)
	AddResponseLog(l *models.ResponseLog) error
	ListResponseLogs(accountID string, limit int) ([]models.ResponseLog, error)
	CountRuleResponses(ruleID string, since time.Time) (int, error)
	CountRuleResponsesForFriend(ruleID, friendID string, since time.Time) (int, error)

	// Drip campaign enrollment. Returns false if already enrolled.
	EnrollInCampaign(campaignID, friendID string) (bool, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string (Postgres URL or SQLite file path).
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN configures a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN string as "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}
