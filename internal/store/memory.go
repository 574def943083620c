// Package store provides storage backends for LinePulse.
//
// This file implements an in-memory store used by tests and local development.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/util"
)

// InMemoryStore keeps all state in process memory behind a single mutex.
type InMemoryStore struct {
	mu            sync.Mutex
	friends       map[string]*models.Friend // keyed by friend ID
	friendsByPUID map[string]string         // platform user ID -> friend ID
	rules         map[string]*models.Rule
	scenarios     map[string]*models.Scenario
	conversations map[string]*models.ActiveConversation
	logs          []models.ResponseLog
	enrollments   map[string]bool // campaignID + "\x00" + friendID
	jobs          map[string]*Job
	outbox        map[string]*OutboxMessage
	dedup         map[string]*DedupRecord
}

// Compile-time checks that InMemoryStore implements all repo interfaces.
var (
	_ Store      = (*InMemoryStore)(nil)
	_ JobRepo    = (*InMemoryStore)(nil)
	_ OutboxRepo = (*InMemoryStore)(nil)
	_ DedupRepo  = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		friends:       make(map[string]*models.Friend),
		friendsByPUID: make(map[string]string),
		rules:         make(map[string]*models.Rule),
		scenarios:     make(map[string]*models.Scenario),
		conversations: make(map[string]*models.ActiveConversation),
		enrollments:   make(map[string]bool),
		jobs:          make(map[string]*Job),
		outbox:        make(map[string]*OutboxMessage),
		dedup:         make(map[string]*DedupRecord),
	}
}

func copyFriend(f *models.Friend) *models.Friend {
	c := *f
	c.Tags = append([]string(nil), f.Tags...)
	c.Segments = append([]string(nil), f.Segments...)
	if f.Metadata != nil {
		c.Metadata = make(map[string]string, len(f.Metadata))
		for k, v := range f.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func copyConversation(c *models.ActiveConversation) *models.ActiveConversation {
	cc := *c
	if c.Context != nil {
		cc.Context = make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			cc.Context[k] = v
		}
	}
	if c.LastResponse != nil {
		m := *c.LastResponse
		cc.LastResponse = &m
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cc.CompletedAt = &t
	}
	return &cc
}

func (s *InMemoryStore) GetFriend(id string) (*models.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.friends[id]
	if !ok {
		return nil, nil
	}
	return copyFriend(f), nil
}

func (s *InMemoryStore) GetFriendByPlatformID(platformUserID string) (*models.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.friendsByPUID[platformUserID]
	if !ok {
		return nil, nil
	}
	return copyFriend(s.friends[id]), nil
}

func (s *InMemoryStore) UpsertFriend(accountID, platformUserID, displayName string, at time.Time) (*models.Friend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.friendsByPUID[platformUserID]; ok {
		f := s.friends[id]
		f.Blocked = false
		if displayName != "" {
			f.DisplayName = displayName
		}
		f.LastInteractionAt = at
		return copyFriend(f), nil
	}
	f := &models.Friend{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		PlatformUserID:    platformUserID,
		DisplayName:       displayName,
		LastInteractionAt: at,
		CreatedAt:         at,
	}
	s.friends[f.ID] = f
	s.friendsByPUID[platformUserID] = f.ID
	return copyFriend(f), nil
}

func (s *InMemoryStore) SetFriendBlocked(platformUserID string, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.friendsByPUID[platformUserID]; ok {
		s.friends[id].Blocked = blocked
	}
	return nil
}

func (s *InMemoryStore) TouchFriend(platformUserID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.friendsByPUID[platformUserID]; ok {
		s.friends[id].LastInteractionAt = at
	}
	return nil
}

func (s *InMemoryStore) AddFriendTag(friendID, tagID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.friends[friendID]
	if !ok {
		return nil
	}
	if !f.HasTag(tagID) {
		f.Tags = append(f.Tags, tagID)
	}
	return nil
}

func (s *InMemoryStore) AddFriendSegment(friendID, segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.friends[friendID]
	if !ok {
		return nil
	}
	if !f.InSegment(segmentID) {
		f.Segments = append(f.Segments, segmentID)
	}
	return nil
}

func (s *InMemoryStore) SetFriendField(friendID, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.friends[friendID]
	if !ok {
		return nil
	}
	if f.Metadata == nil {
		f.Metadata = make(map[string]string)
	}
	f.Metadata[name] = value
	return nil
}

func (s *InMemoryStore) CreateRule(r *models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	c := *r
	s.rules[r.ID] = &c
	return nil
}

func (s *InMemoryStore) ListActiveRules(accountID string) ([]models.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rules []models.Rule
	for _, r := range s.rules {
		if r.AccountID == accountID && r.Active {
			rules = append(rules, *r)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.After(rules[j].CreatedAt)
	})
	return rules, nil
}

func (s *InMemoryStore) RecordRuleTrigger(ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rules[ruleID]; ok {
		r.TotalTriggers++
		t := at
		r.LastTriggeredAt = &t
	}
	return nil
}

func (s *InMemoryStore) CreateScenario(sc *models.Scenario) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	c := *sc
	s.scenarios[sc.ID] = &c
	return nil
}

// DeleteScenario removes a scenario. Only the in-memory store supports this;
// it exists for tests that simulate a scenario disappearing under a
// conversation.
func (s *InMemoryStore) DeleteScenario(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scenarios, id)
	return nil
}

func (s *InMemoryStore) GetScenario(id string) (*models.Scenario, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scenarios[id]
	if !ok {
		return nil, nil
	}
	c := *sc
	return &c, nil
}

func (s *InMemoryStore) IncrementScenarioStarted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scenarios[id]; ok {
		sc.TotalStarted++
	}
	return nil
}

func (s *InMemoryStore) IncrementScenarioCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scenarios[id]; ok {
		sc.TotalCompleted++
	}
	return nil
}

func (s *InMemoryStore) IncrementScenarioAbandoned(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.scenarios[id]; ok {
		sc.TotalAbandoned++
	}
	return nil
}

func (s *InMemoryStore) GetActiveConversation(friendID string) (*models.ActiveConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.FriendID == friendID && c.Status == models.ConversationActive {
			return copyConversation(c), nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) HasActiveConversation(friendID, scenarioID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.FriendID == friendID && c.ScenarioID == scenarioID && c.Status == models.ConversationActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) CreateConversation(c *models.ActiveConversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = models.ConversationActive
	}
	s.conversations[c.ID] = copyConversation(c)
	return nil
}

func (s *InMemoryStore) AdvanceConversation(id, expectedStepID, nextStepID string, context map[string]string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Status != models.ConversationActive || c.CurrentStepID != expectedStepID {
		return false, nil
	}
	c.CurrentStepID = nextStepID
	c.Context = context
	c.RetryCount = retryCount
	c.LastResponse = lastResponse
	c.LastInteractionAt = at
	return true, nil
}

func (s *InMemoryStore) RecordConversationRetry(id, expectedStepID string, retryCount int, lastResponse *models.Message, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Status != models.ConversationActive || c.CurrentStepID != expectedStepID {
		return false, nil
	}
	c.RetryCount = retryCount
	c.LastResponse = lastResponse
	c.LastInteractionAt = at
	return true, nil
}

func (s *InMemoryStore) FinishConversation(id string, status models.ConversationStatus, context map[string]string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Status != models.ConversationActive {
		return false, nil
	}
	c.Status = status
	if context != nil {
		c.Context = context
	}
	t := at
	c.CompletedAt = &t
	return true, nil
}

func (s *InMemoryStore) ListActiveConversations() ([]models.ActiveConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ActiveConversation
	for _, c := range s.conversations {
		if c.Status == models.ConversationActive {
			out = append(out, *copyConversation(c))
		}
	}
	return out, nil
}

// GetConversation retrieves a conversation by ID regardless of status (for tests).
func (s *InMemoryStore) GetConversation(id string) (*models.ActiveConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return copyConversation(c), nil
}

func (s *InMemoryStore) AddResponseLog(l *models.ResponseLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, *l)
	return nil
}

func (s *InMemoryStore) ListResponseLogs(accountID string, limit int) ([]models.ResponseLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ResponseLog
	for i := len(s.logs) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.logs[i].AccountID == accountID {
			out = append(out, s.logs[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountRuleResponses(ruleID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.logs {
		if l.RuleID == ruleID && !l.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountRuleResponsesForFriend(ruleID, friendID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.logs {
		if l.RuleID == ruleID && l.FriendID == friendID && !l.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) EnrollInCampaign(campaignID, friendID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := campaignID + "\x00" + friendID
	if s.enrollments[key] {
		return false, nil
	}
	s.enrollments[key] = true
	return true, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

// JobRepo implementation

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := &Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: 3,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	var claimed []Job
	for _, j := range due {
		j.Status = JobStatusRunning
		t := now
		j.LockedAt = &t
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusDone
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	c := *j
	return &c, nil
}

// OutboxRepo implementation

func (s *InMemoryStore) EnqueueOutboxMessage(friendID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := &OutboxMessage{
		ID:          util.GenerateOutboxID(),
		FriendID:    friendID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	var claimed []OutboxMessage
	for _, m := range due {
		m.Status = OutboxStatusSending
		t := now
		m.LockedAt = &t
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.outbox[id]; ok {
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		t := nextAttemptAt
		m.NextAttemptAt = &t
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// DedupRepo implementation

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, platformUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{
		MessageID:      messageID,
		PlatformUserID: platformUserID,
		ReceivedAt:     time.Now(),
	}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now()
		r.ProcessedAt = &now
	}
	return nil
}
