// Package store provides storage backends for LinePulse.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/linepulse/linepulse/internal/models"
)

// Connection pool configuration.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Friends

func (s *PostgresStore) loadFriendRefs(f *models.Friend) error {
	rows, err := s.db.Query(`SELECT tag_id FROM friend_tags WHERE friend_id = $1`, f.ID)
	if err != nil {
		return fmt.Errorf("load friend tags failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return fmt.Errorf("scan friend tag failed: %w", err)
		}
		f.Tags = append(f.Tags, tag)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("friend tags iteration failed: %w", err)
	}

	segRows, err := s.db.Query(`SELECT segment_id FROM friend_segments WHERE friend_id = $1`, f.ID)
	if err != nil {
		return fmt.Errorf("load friend segments failed: %w", err)
	}
	defer segRows.Close()
	for segRows.Next() {
		var seg string
		if err := segRows.Scan(&seg); err != nil {
			return fmt.Errorf("scan friend segment failed: %w", err)
		}
		f.Segments = append(f.Segments, seg)
	}
	return segRows.Err()
}

func (s *PostgresStore) GetFriend(id string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE id = $1`, id)
	f, err := scanFriend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend failed: %w", err)
	}
	if err := s.loadFriendRefs(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) GetFriendByPlatformID(platformUserID string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE platform_user_id = $1`, platformUserID)
	f, err := scanFriend(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get friend by platform id failed: %w", err)
	}
	if err := s.loadFriendRefs(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) UpsertFriend(accountID, platformUserID, displayName string, at time.Time) (*models.Friend, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO friends (id, account_id, platform_user_id, display_name, blocked, last_interaction_at, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6)
		 ON CONFLICT (platform_user_id) DO UPDATE SET
		   blocked = FALSE,
		   display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE friends.display_name END,
		   last_interaction_at = excluded.last_interaction_at`,
		id, accountID, platformUserID, displayName, at, at,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert friend failed: %w", err)
	}
	return s.GetFriendByPlatformID(platformUserID)
}

func (s *PostgresStore) SetFriendBlocked(platformUserID string, blocked bool) error {
	_, err := s.db.Exec(`UPDATE friends SET blocked = $1 WHERE platform_user_id = $2`, blocked, platformUserID)
	if err != nil {
		return fmt.Errorf("set friend blocked failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchFriend(platformUserID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE friends SET last_interaction_at = $1 WHERE platform_user_id = $2`, at, platformUserID)
	if err != nil {
		return fmt.Errorf("touch friend failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddFriendTag(friendID, tagID string) error {
	_, err := s.db.Exec(
		`INSERT INTO friend_tags (friend_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		friendID, tagID,
	)
	if err != nil {
		return fmt.Errorf("add friend tag failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddFriendSegment(friendID, segmentID string) error {
	_, err := s.db.Exec(
		`INSERT INTO friend_segments (friend_id, segment_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		friendID, segmentID,
	)
	if err != nil {
		return fmt.Errorf("add friend segment failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetFriendField(friendID, name, value string) error {
	b, err := json.Marshal(map[string]string{name: value})
	if err != nil {
		return fmt.Errorf("set friend field encode failed: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE friends SET metadata_json = COALESCE(metadata_json, '{}'::jsonb) || $1::jsonb WHERE id = $2`,
		string(b), friendID,
	)
	if err != nil {
		return fmt.Errorf("set friend field update failed: %w", err)
	}
	return nil
}

// Rules

func (s *PostgresStore) CreateRule(r *models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	configJSON, err := packRuleConfig(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO rules (id, account_id, name, type, priority, config_json, active, total_triggers, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)`,
		r.ID, r.AccountID, r.Name, r.Type, r.Priority, configJSON, r.Active, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rule failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateRule", "id", r.ID, "type", r.Type, "priority", r.Priority)
	return nil
}

func (s *PostgresStore) ListActiveRules(accountID string) ([]models.Rule, error) {
	rows, err := s.db.Query(
		`SELECT `+ruleColumns+` FROM rules WHERE account_id = $1 AND active = TRUE ORDER BY priority DESC, created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list active rules failed: %w", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule failed: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active rules iteration failed: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) RecordRuleTrigger(ruleID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE rules SET total_triggers = total_triggers + 1, last_triggered_at = $1 WHERE id = $2`,
		at, ruleID,
	)
	if err != nil {
		return fmt.Errorf("record rule trigger failed: %w", err)
	}
	return nil
}

// Scenarios

func (s *PostgresStore) CreateScenario(sc *models.Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	stepsJSON, err := json.Marshal(sc.Steps)
	if err != nil {
		return fmt.Errorf("encode scenario steps failed: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO scenarios (id, account_id, name, steps_json, max_retries, timeout_minutes, active, total_started, total_completed, total_abandoned, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, $8)`,
		sc.ID, sc.AccountID, sc.Name, string(stepsJSON), sc.MaxRetries, sc.TimeoutMinutes, sc.Active, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scenario failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScenario(id string) (*models.Scenario, error) {
	row := s.db.QueryRow(`SELECT `+scenarioColumns+` FROM scenarios WHERE id = $1`, id)
	sc, err := scanScenario(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario failed: %w", err)
	}
	return &sc, nil
}

func (s *PostgresStore) incrementScenarioCounter(id, column string) error {
	_, err := s.db.Exec(`UPDATE scenarios SET `+column+` = `+column+` + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment scenario %s failed: %w", column, err)
	}
	return nil
}

func (s *PostgresStore) IncrementScenarioStarted(id string) error {
	return s.incrementScenarioCounter(id, "total_started")
}

func (s *PostgresStore) IncrementScenarioCompleted(id string) error {
	return s.incrementScenarioCounter(id, "total_completed")
}

func (s *PostgresStore) IncrementScenarioAbandoned(id string) error {
	return s.incrementScenarioCounter(id, "total_abandoned")
}

// Conversations

func (s *PostgresStore) GetActiveConversation(friendID string) (*models.ActiveConversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM active_conversations WHERE friend_id = $1 AND status = 'active'`,
		friendID,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active conversation failed: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) HasActiveConversation(friendID, scenarioID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM active_conversations WHERE friend_id = $1 AND scenario_id = $2 AND status = 'active'`,
		friendID, scenarioID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has active conversation failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) CreateConversation(c *models.ActiveConversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ConversationActive
	}
	contextJSON, err := encodeJSON(c.Context)
	if err != nil {
		return err
	}
	lastResponseJSON, err := encodeJSON(c.LastResponse)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO active_conversations (id, account_id, friend_id, scenario_id, current_step_id, context_json, retry_count, status, last_response_json, started_at, last_interaction_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.AccountID, c.FriendID, c.ScenarioID, c.CurrentStepID, contextJSON, c.RetryCount, c.Status, lastResponseJSON, c.StartedAt, c.LastInteractionAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateConversation", "id", c.ID, "friendID", c.FriendID, "scenarioID", c.ScenarioID)
	return nil
}

func (s *PostgresStore) AdvanceConversation(id, expectedStepID, nextStepID string, context map[string]string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error) {
	contextJSON, err := encodeJSON(context)
	if err != nil {
		return false, err
	}
	lastResponseJSON, err := encodeJSON(lastResponse)
	if err != nil {
		return false, err
	}
	// Compare-and-swap on current_step_id resolves concurrent advances.
	result, err := s.db.Exec(
		`UPDATE active_conversations
		 SET current_step_id = $1, context_json = $2, retry_count = $3, last_response_json = $4, last_interaction_at = $5
		 WHERE id = $6 AND status = 'active' AND current_step_id = $7`,
		nextStepID, contextJSON, retryCount, lastResponseJSON, at, id, expectedStepID,
	)
	if err != nil {
		return false, fmt.Errorf("advance conversation failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance conversation rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) RecordConversationRetry(id, expectedStepID string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error) {
	lastResponseJSON, err := encodeJSON(lastResponse)
	if err != nil {
		return false, err
	}
	result, err := s.db.Exec(
		`UPDATE active_conversations
		 SET retry_count = $1, last_response_json = $2, last_interaction_at = $3
		 WHERE id = $4 AND status = 'active' AND current_step_id = $5`,
		retryCount, lastResponseJSON, at, id, expectedStepID,
	)
	if err != nil {
		return false, fmt.Errorf("record conversation retry failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record retry rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) FinishConversation(id string, status models.ConversationStatus, context map[string]string, at time.Time) (bool, error) {
	var result sql.Result
	var err error
	if context != nil {
		contextJSON, encErr := encodeJSON(context)
		if encErr != nil {
			return false, encErr
		}
		result, err = s.db.Exec(
			`UPDATE active_conversations SET status = $1, context_json = $2, completed_at = $3 WHERE id = $4 AND status = 'active'`,
			status, contextJSON, at, id,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE active_conversations SET status = $1, completed_at = $2 WHERE id = $3 AND status = 'active'`,
			status, at, id,
		)
	}
	if err != nil {
		return false, fmt.Errorf("finish conversation failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish conversation rows affected failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListActiveConversations() ([]models.ActiveConversation, error) {
	rows, err := s.db.Query(`SELECT ` + conversationColumns + ` FROM active_conversations WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("list active conversations failed: %w", err)
	}
	defer rows.Close()

	var out []models.ActiveConversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation failed: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active conversations iteration failed: %w", err)
	}
	return out, nil
}

// Response logs

func (s *PostgresStore) AddResponseLog(l *models.ResponseLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	sentResponseJSON, err := encodeJSON(l.SentResponse)
	if err != nil {
		return err
	}
	executedActionsJSON, err := encodeJSON(l.ExecutedActions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO response_logs (`+responseLogColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.AccountID, l.FriendID, nilIfEmpty(l.RuleID), nilIfEmpty(string(l.RuleType)),
		nilIfEmpty(l.ScenarioID), nilIfEmpty(l.ConversationID), nilIfEmpty(l.MatchedKeyword),
		l.ReceivedMessage, sentResponseJSON, l.Status, l.ResponseTimeMs,
		executedActionsJSON, nilIfEmpty(l.ErrorMessage), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add response log failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResponseLogs(accountID string, limit int) ([]models.ResponseLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+responseLogColumns+` FROM response_logs WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list response logs failed: %w", err)
	}
	defer rows.Close()

	var logs []models.ResponseLog
	for rows.Next() {
		l, err := scanResponseLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan response log failed: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list response logs iteration failed: %w", err)
	}
	return logs, nil
}

func (s *PostgresStore) CountRuleResponses(ruleID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM response_logs WHERE rule_id = $1 AND created_at >= $2`,
		ruleID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rule responses failed: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountRuleResponsesForFriend(ruleID, friendID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM response_logs WHERE rule_id = $1 AND friend_id = $2 AND created_at >= $3`,
		ruleID, friendID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rule responses for friend failed: %w", err)
	}
	return n, nil
}

// Campaigns

func (s *PostgresStore) EnrollInCampaign(campaignID, friendID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO campaign_enrollments (campaign_id, friend_id, enrolled_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		campaignID, friendID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("enroll in campaign failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enroll rows affected failed: %w", err)
	}
	return n > 0, nil
}
