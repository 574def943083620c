package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/linepulse/linepulse/internal/models"
)

// nilIfEmpty maps "" to NULL so unique indexes on optional columns behave.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := r.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

func scanOutboxMessage(r rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := r.Scan(
		&m.ID, &m.FriendID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, err
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// encodeJSON marshals v for storage in a TEXT/JSONB column. nil-able inputs
// (nil maps, nil slices, nil pointers) encode to NULL.
func encodeJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case []string:
		if t == nil {
			return nil, nil
		}
	case []models.Action:
		if t == nil {
			return nil, nil
		}
	case []models.Step:
		if t == nil {
			return nil, nil
		}
	case []models.TimeCondition:
		if t == nil {
			return nil, nil
		}
	case *models.Message:
		if t == nil {
			return nil, nil
		}
	case *models.FriendCondition:
		if t == nil {
			return nil, nil
		}
	case *models.LimitCondition:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

// decodeJSON unmarshals a nullable TEXT/JSONB column into dst. A NULL or
// empty column leaves dst untouched.
func decodeJSON(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

// ruleConfig is the type-specific part of a rule, stored as one JSON column
// so adding rule types never needs a schema change.
type ruleConfig struct {
	Keywords        []string                `json:"keywords,omitempty"`
	Pattern         string                  `json:"pattern,omitempty"`
	AIInstructions  string                  `json:"ai_instructions,omitempty"`
	ScenarioID      string                  `json:"scenario_id,omitempty"`
	Response        *models.Message         `json:"response,omitempty"`
	TimeConditions  []models.TimeCondition  `json:"time_conditions,omitempty"`
	FriendCondition *models.FriendCondition `json:"friend_condition,omitempty"`
	LimitCondition  *models.LimitCondition  `json:"limit_condition,omitempty"`
	Actions         []models.Action         `json:"actions,omitempty"`
}

func packRuleConfig(r *models.Rule) (string, error) {
	cfg := ruleConfig{
		Keywords:        r.Keywords,
		Pattern:         r.Pattern,
		AIInstructions:  r.AIInstructions,
		ScenarioID:      r.ScenarioID,
		Response:        r.Response,
		TimeConditions:  r.TimeConditions,
		FriendCondition: r.FriendCondition,
		LimitCondition:  r.LimitCondition,
		Actions:         r.Actions,
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("pack rule config: %w", err)
	}
	return string(b), nil
}

func unpackRuleConfig(configJSON string, r *models.Rule) error {
	var cfg ruleConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("unpack rule config: %w", err)
	}
	r.Keywords = cfg.Keywords
	r.Pattern = cfg.Pattern
	r.AIInstructions = cfg.AIInstructions
	r.ScenarioID = cfg.ScenarioID
	r.Response = cfg.Response
	r.TimeConditions = cfg.TimeConditions
	r.FriendCondition = cfg.FriendCondition
	r.LimitCondition = cfg.LimitCondition
	r.Actions = cfg.Actions
	return nil
}

func scanRule(r rowScanner) (models.Rule, error) {
	var rule models.Rule
	var configJSON string
	var lastTriggeredAt sql.NullTime
	err := r.Scan(
		&rule.ID, &rule.AccountID, &rule.Name, &rule.Type, &rule.Priority,
		&configJSON, &rule.Active, &rule.TotalTriggers, &lastTriggeredAt, &rule.CreatedAt,
	)
	if err != nil {
		return rule, err
	}
	if lastTriggeredAt.Valid {
		rule.LastTriggeredAt = &lastTriggeredAt.Time
	}
	if err := unpackRuleConfig(configJSON, &rule); err != nil {
		return rule, err
	}
	return rule, nil
}

func scanScenario(r rowScanner) (models.Scenario, error) {
	var sc models.Scenario
	var stepsJSON string
	err := r.Scan(
		&sc.ID, &sc.AccountID, &sc.Name, &stepsJSON, &sc.MaxRetries, &sc.TimeoutMinutes,
		&sc.Active, &sc.TotalStarted, &sc.TotalCompleted, &sc.TotalAbandoned, &sc.CreatedAt,
	)
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &sc.Steps); err != nil {
		return sc, fmt.Errorf("unpack scenario steps: %w", err)
	}
	return sc, nil
}

func scanConversation(r rowScanner) (models.ActiveConversation, error) {
	var c models.ActiveConversation
	var contextJSON, lastResponseJSON sql.NullString
	var completedAt sql.NullTime
	err := r.Scan(
		&c.ID, &c.AccountID, &c.FriendID, &c.ScenarioID, &c.CurrentStepID,
		&contextJSON, &c.RetryCount, &c.Status, &lastResponseJSON,
		&c.StartedAt, &c.LastInteractionAt, &completedAt,
	)
	if err != nil {
		return c, err
	}
	if err := decodeJSON(contextJSON, &c.Context); err != nil {
		return c, err
	}
	if err := decodeJSON(lastResponseJSON, &c.LastResponse); err != nil {
		return c, err
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return c, nil
}

const conversationColumns = `id, account_id, friend_id, scenario_id, current_step_id, context_json, retry_count, status, last_response_json, started_at, last_interaction_at, completed_at`

const ruleColumns = `id, account_id, name, type, priority, config_json, active, total_triggers, last_triggered_at, created_at`

const scenarioColumns = `id, account_id, name, steps_json, max_retries, timeout_minutes, active, total_started, total_completed, total_abandoned, created_at`

func scanResponseLog(r rowScanner) (models.ResponseLog, error) {
	var l models.ResponseLog
	var ruleID, ruleType, scenarioID, conversationID, matchedKeyword, errorMessage sql.NullString
	var sentResponseJSON, executedActionsJSON sql.NullString
	err := r.Scan(
		&l.ID, &l.AccountID, &l.FriendID, &ruleID, &ruleType, &scenarioID, &conversationID,
		&matchedKeyword, &l.ReceivedMessage, &sentResponseJSON, &l.Status,
		&l.ResponseTimeMs, &executedActionsJSON, &errorMessage, &l.CreatedAt,
	)
	if err != nil {
		return l, err
	}
	l.RuleID = ruleID.String
	l.RuleType = models.RuleType(ruleType.String)
	l.ScenarioID = scenarioID.String
	l.ConversationID = conversationID.String
	l.MatchedKeyword = matchedKeyword.String
	l.ErrorMessage = errorMessage.String
	if err := decodeJSON(sentResponseJSON, &l.SentResponse); err != nil {
		return l, err
	}
	if err := decodeJSON(executedActionsJSON, &l.ExecutedActions); err != nil {
		return l, err
	}
	return l, nil
}

const responseLogColumns = `id, account_id, friend_id, rule_id, rule_type, scenario_id, conversation_id, matched_keyword, received_message, sent_response_json, status, response_time_ms, executed_actions_json, error_message, created_at`
