// Package store provides storage backends for LinePulse.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/linepulse/linepulse/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the permissions used when creating the
// database directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates an SQLite store at the DSN's file path, creating
// the parent directory and applying migrations as needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Friends

func (s *SQLiteStore) loadFriendRefs(f *models.Friend) error {
	rows, err := s.db.Query(`SELECT tag_id FROM friend_tags WHERE friend_id = ?`, f.ID)
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

	segRows, err := s.db.Query(`SELECT segment_id FROM friend_segments WHERE friend_id = ?`, f.ID)
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

func scanFriend(r rowScanner) (models.Friend, error) {
	var f models.Friend
	var metadataJSON sql.NullString
	err := r.Scan(&f.ID, &f.AccountID, &f.PlatformUserID, &f.DisplayName, &f.Blocked, &metadataJSON, &f.LastInteractionAt, &f.CreatedAt)
	if err != nil {
		return f, err
	}
	if err := decodeJSON(metadataJSON, &f.Metadata); err != nil {
		return f, err
	}
	return f, nil
}

const friendColumns = `id, account_id, platform_user_id, display_name, blocked, metadata_json, last_interaction_at, created_at`

func (s *SQLiteStore) GetFriend(id string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE id = ?`, id)
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

func (s *SQLiteStore) GetFriendByPlatformID(platformUserID string) (*models.Friend, error) {
	row := s.db.QueryRow(`SELECT `+friendColumns+` FROM friends WHERE platform_user_id = ?`, platformUserID)
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

func (s *SQLiteStore) UpsertFriend(accountID, platformUserID, displayName string, at time.Time) (*models.Friend, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO friends (id, account_id, platform_user_id, display_name, blocked, last_interaction_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(platform_user_id) DO UPDATE SET
		   blocked = 0,
		   display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE friends.display_name END,
		   last_interaction_at = excluded.last_interaction_at`,
		id, accountID, platformUserID, displayName, at, at,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert friend failed: %w", err)
	}
	return s.GetFriendByPlatformID(platformUserID)
}

func (s *SQLiteStore) SetFriendBlocked(platformUserID string, blocked bool) error {
	_, err := s.db.Exec(`UPDATE friends SET blocked = ? WHERE platform_user_id = ?`, blocked, platformUserID)
	if err != nil {
		return fmt.Errorf("set friend blocked failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TouchFriend(platformUserID string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE friends SET last_interaction_at = ? WHERE platform_user_id = ?`, at, platformUserID)
	if err != nil {
		return fmt.Errorf("touch friend failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddFriendTag(friendID, tagID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO friend_tags (friend_id, tag_id) VALUES (?, ?)`, friendID, tagID)
	if err != nil {
		return fmt.Errorf("add friend tag failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddFriendSegment(friendID, segmentID string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO friend_segments (friend_id, segment_id) VALUES (?, ?)`, friendID, segmentID)
	if err != nil {
		return fmt.Errorf("add friend segment failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetFriendField(friendID, name, value string) error {
	var metadataJSON sql.NullString
	err := s.db.QueryRow(`SELECT metadata_json FROM friends WHERE id = ?`, friendID).Scan(&metadataJSON)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set friend field lookup failed: %w", err)
	}
	metadata := map[string]string{}
	if err := decodeJSON(metadataJSON, &metadata); err != nil {
		return err
	}
	metadata[name] = value
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("set friend field encode failed: %w", err)
	}
	_, err = s.db.Exec(`UPDATE friends SET metadata_json = ? WHERE id = ?`, string(b), friendID)
	if err != nil {
		return fmt.Errorf("set friend field update failed: %w", err)
	}
	return nil
}

// Rules

func (s *SQLiteStore) CreateRule(r *models.Rule) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		r.ID, r.AccountID, r.Name, r.Type, r.Priority, configJSON, r.Active, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create rule failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateRule", "id", r.ID, "type", r.Type, "priority", r.Priority)
	return nil
}

func (s *SQLiteStore) ListActiveRules(accountID string) ([]models.Rule, error) {
	rows, err := s.db.Query(
		`SELECT `+ruleColumns+` FROM rules WHERE account_id = ? AND active = 1 ORDER BY priority DESC, created_at DESC`,
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

func (s *SQLiteStore) RecordRuleTrigger(ruleID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE rules SET total_triggers = total_triggers + 1, last_triggered_at = ? WHERE id = ?`,
		at, ruleID,
	)
	if err != nil {
		return fmt.Errorf("record rule trigger failed: %w", err)
	}
	return nil
}

// Scenarios

func (s *SQLiteStore) CreateScenario(sc *models.Scenario) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`,
		sc.ID, sc.AccountID, sc.Name, string(stepsJSON), sc.MaxRetries, sc.TimeoutMinutes, sc.Active, sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create scenario failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetScenario(id string) (*models.Scenario, error) {
	row := s.db.QueryRow(`SELECT `+scenarioColumns+` FROM scenarios WHERE id = ?`, id)
	sc, err := scanScenario(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario failed: %w", err)
	}
	return &sc, nil
}

func (s *SQLiteStore) incrementScenarioCounter(id, column string) error {
	_, err := s.db.Exec(`UPDATE scenarios SET `+column+` = `+column+` + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment scenario %s failed: %w", column, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementScenarioStarted(id string) error {
	return s.incrementScenarioCounter(id, "total_started")
}

func (s *SQLiteStore) IncrementScenarioCompleted(id string) error {
	return s.incrementScenarioCounter(id, "total_completed")
}

func (s *SQLiteStore) IncrementScenarioAbandoned(id string) error {
	return s.incrementScenarioCounter(id, "total_abandoned")
}

// Conversations

func (s *SQLiteStore) GetActiveConversation(friendID string) (*models.ActiveConversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM active_conversations WHERE friend_id = ? AND status = 'active'`,
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

func (s *SQLiteStore) HasActiveConversation(friendID, scenarioID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM active_conversations WHERE friend_id = ? AND scenario_id = ? AND status = 'active'`,
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

func (s *SQLiteStore) CreateConversation(c *models.ActiveConversation) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AccountID, c.FriendID, c.ScenarioID, c.CurrentStepID, contextJSON, c.RetryCount, c.Status, lastResponseJSON, c.StartedAt, c.LastInteractionAt, c.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateConversation", "id", c.ID, "friendID", c.FriendID, "scenarioID", c.ScenarioID)
	return nil
}

func (s *SQLiteStore) AdvanceConversation(id, expectedStepID, nextStepID string, context map[string]string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error) {
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
		 SET current_step_id = ?, context_json = ?, retry_count = ?, last_response_json = ?, last_interaction_at = ?
		 WHERE id = ? AND status = 'active' AND current_step_id = ?`,
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

func (s *SQLiteStore) RecordConversationRetry(id, expectedStepID string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error) {
	lastResponseJSON, err := encodeJSON(lastResponse)
	if err != nil {
		return false, err
	}
	result, err := s.db.Exec(
		`UPDATE active_conversations
		 SET retry_count = ?, last_response_json = ?, last_interaction_at = ?
		 WHERE id = ? AND status = 'active' AND current_step_id = ?`,
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

func (s *SQLiteStore) FinishConversation(id string, status models.ConversationStatus, context map[string]string, at time.Time) (bool, error) {
	var result sql.Result
	var err error
	if context != nil {
		contextJSON, encErr := encodeJSON(context)
		if encErr != nil {
			return false, encErr
		}
		result, err = s.db.Exec(
			`UPDATE active_conversations SET status = ?, context_json = ?, completed_at = ? WHERE id = ? AND status = 'active'`,
			status, contextJSON, at, id,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE active_conversations SET status = ?, completed_at = ? WHERE id = ? AND status = 'active'`,
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

func (s *SQLiteStore) ListActiveConversations() ([]models.ActiveConversation, error) {
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

func (s *SQLiteStore) AddResponseLog(l *models.ResponseLog) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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

func (s *SQLiteStore) ListResponseLogs(accountID string, limit int) ([]models.ResponseLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT `+responseLogColumns+` FROM response_logs WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`,
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

func (s *SQLiteStore) CountRuleResponses(ruleID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM response_logs WHERE rule_id = ? AND created_at >= ?`,
		ruleID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rule responses failed: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountRuleResponsesForFriend(ruleID, friendID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM response_logs WHERE rule_id = ? AND friend_id = ? AND created_at >= ?`,
		ruleID, friendID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rule responses for friend failed: %w", err)
	}
	return n, nil
}

// Campaigns

func (s *SQLiteStore) EnrollInCampaign(campaignID, friendID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO campaign_enrollments (campaign_id, friend_id, enrolled_at) VALUES (?, ?, ?)`,
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
