package flow

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/linepulse/linepulse/internal/genai"
	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

// MatchResult carries the winning rule and, for keyword-driven types, the
// keyword that triggered it.
type MatchResult struct {
	Rule           *models.Rule
	MatchedKeyword string
}

// Matcher selects the response rule for an inbound message. Rules are
// evaluated in priority order (highest first, newest first on ties); the
// first rule whose trigger and conditions both hold wins.
type Matcher struct {
	store      store.Store
	classifier genai.Classifier // nil disables ai rules
	now        func() time.Time
}

// NewMatcher creates a Matcher. classifier may be nil, in which case ai
// rules never match.
func NewMatcher(st store.Store, classifier genai.Classifier) *Matcher {
	return &Matcher{store: st, classifier: classifier, now: time.Now}
}

// Match returns the highest-priority rule that triggers on the message, or
// nil when no rule matches.
func (m *Matcher) Match(ctx context.Context, friend *models.Friend, messageText string) (*MatchResult, error) {
	rules, err := m.store.ListActiveRules(friend.AccountID)
	if err != nil {
		return nil, err
	}
	now := m.now()

	for i := range rules {
		rule := &rules[i]
		ok, err := m.conditionsHold(rule, friend, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keyword, matched, err := m.triggerMatches(ctx, rule, friend, messageText)
		if err != nil {
			return nil, err
		}
		if matched {
			slog.Debug("Matcher.Match: rule matched", "ruleID", rule.ID, "type", rule.Type, "priority", rule.Priority)
			return &MatchResult{Rule: rule, MatchedKeyword: keyword}, nil
		}
	}
	return nil, nil
}

// MatchScenarioStart considers only scenario rules. It is used while a
// conversation is active, where a start keyword supersedes the conversation
// but ordinary rules must not intercept answers.
func (m *Matcher) MatchScenarioStart(ctx context.Context, friend *models.Friend, messageText string) (*MatchResult, error) {
	rules, err := m.store.ListActiveRules(friend.AccountID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for i := range rules {
		rule := &rules[i]
		if rule.Type != models.RuleTypeScenario {
			continue
		}
		ok, err := m.conditionsHold(rule, friend, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keyword, matched, err := m.triggerMatches(ctx, rule, friend, messageText)
		if err != nil {
			return nil, err
		}
		if matched {
			return &MatchResult{Rule: rule, MatchedKeyword: keyword}, nil
		}
	}
	return nil, nil
}

func (m *Matcher) triggerMatches(ctx context.Context, rule *models.Rule, friend *models.Friend, messageText string) (string, bool, error) {
	switch rule.Type {
	case models.RuleTypeKeyword:
		lower := strings.ToLower(messageText)
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return kw, true, nil
			}
		}
		return "", false, nil

	case models.RuleTypeRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			// Validated at creation; a bad pattern that slipped through
			// disables the rule rather than the whole pipeline.
			slog.Warn("Matcher.triggerMatches: regex rule pattern does not compile", "ruleID", rule.ID)
			return "", false, nil
		}
		return "", re.MatchString(messageText), nil

	case models.RuleTypeAI:
		if m.classifier == nil {
			return "", false, nil
		}
		matched, err := m.classifier.Classify(ctx, rule.AIInstructions, messageText)
		if err != nil {
			// A classifier outage must not block lower-priority rules.
			slog.Warn("Matcher.triggerMatches: ai classification failed", "ruleID", rule.ID, "error", err)
			return "", false, nil
		}
		return "", matched, nil

	case models.RuleTypeScenario:
		trimmed := strings.TrimSpace(messageText)
		for _, kw := range rule.Keywords {
			if strings.EqualFold(trimmed, kw) {
				running, err := m.store.HasActiveConversation(friend.ID, rule.ScenarioID)
				if err != nil {
					return "", false, err
				}
				if running {
					return "", false, nil
				}
				return kw, true, nil
			}
		}
		return "", false, nil

	default:
		return "", false, nil
	}
}

func (m *Matcher) conditionsHold(rule *models.Rule, friend *models.Friend, now time.Time) (bool, error) {
	if len(rule.TimeConditions) > 0 && !anyTimeConditionHolds(rule.TimeConditions, now) {
		return false, nil
	}
	if !friendConditionHolds(rule.FriendCondition, friend) {
		return false, nil
	}
	return m.limitConditionHolds(rule, friend, now)
}

// anyTimeConditionHolds reports whether now falls in at least one window.
func anyTimeConditionHolds(conds []models.TimeCondition, now time.Time) bool {
	for i := range conds {
		if timeConditionHolds(&conds[i], now) {
			return true
		}
	}
	return false
}

func timeConditionHolds(c *models.TimeCondition, now time.Time) bool {
	if len(c.Days) > 0 {
		dayOK := false
		for _, d := range c.Days {
			if now.Weekday() == d {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
	}
	start, okStart := parseClock(c.StartTime)
	end, okEnd := parseClock(c.EndTime)
	if !okStart || !okEnd {
		slog.Warn("flow.timeConditionHolds: malformed clock in time condition", "start", c.StartTime, "end", c.EndTime)
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	if start == end {
		return true // zero-length window means all day
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Overnight window, e.g. 22:00-06:00.
	return minute >= start || minute < end
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// friendConditionHolds checks tag/segment membership. IDs within a field are
// ORed; the tag and segment requirements are ANDed.
func friendConditionHolds(c *models.FriendCondition, friend *models.Friend) bool {
	if c == nil {
		return true
	}
	if len(c.TagIDs) > 0 {
		hasAny := false
		for _, tag := range c.TagIDs {
			if friend.HasTag(tag) {
				hasAny = true
				break
			}
		}
		if !hasAny {
			return false
		}
	}
	if len(c.SegmentIDs) > 0 {
		inAny := false
		for _, seg := range c.SegmentIDs {
			if friend.InSegment(seg) {
				inAny = true
				break
			}
		}
		if !inAny {
			return false
		}
	}
	return true
}

func (m *Matcher) limitConditionHolds(rule *models.Rule, friend *models.Friend, now time.Time) (bool, error) {
	c := rule.LimitCondition
	if c == nil {
		return true, nil
	}
	since := c.Window(now)
	if c.PerUser > 0 {
		n, err := m.store.CountRuleResponsesForFriend(rule.ID, friend.ID, since)
		if err != nil {
			return false, err
		}
		if n >= c.PerUser {
			return false, nil
		}
	}
	if c.Total > 0 {
		n, err := m.store.CountRuleResponses(rule.ID, since)
		if err != nil {
			return false, err
		}
		if n >= c.Total {
			return false, nil
		}
	}
	return true, nil
}
