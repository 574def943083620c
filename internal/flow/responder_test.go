package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

type fakeDispatcher struct {
	sent [][]models.Message
	to   []string
	err  error
}

func (f *fakeDispatcher) SendMessages(_ context.Context, platformUserID string, msgs []models.Message) error {
	f.to = append(f.to, platformUserID)
	f.sent = append(f.sent, msgs)
	return f.err
}

func newResponderHarness(t *testing.T) (*store.InMemoryStore, *models.Friend, *fakeDispatcher, *Responder) {
	t.Helper()
	st := store.NewInMemoryStore()
	friend := seedFriend(t, st)
	disp := &fakeDispatcher{}
	executor := NewExecutor(st, st)
	engine := NewEngine(st, executor)
	matcher := NewMatcher(st, nil)
	return st, friend, disp, NewResponder(st, matcher, engine, executor, disp)
}

func request(friendID, text string) *models.AutoResponseRequest {
	return &models.AutoResponseRequest{
		FriendID:       friendID,
		MessageText:    text,
		MessageType:    "text",
		PlatformUserID: "U1234567890",
	}
}

func TestRespondKeywordRuleLogsAndDispatches(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	rule := textRule("r1", "hours", 10, "営業時間")
	rule.Actions = []models.Action{{Type: models.ActionTypeTag, TagIDs: []string{"asked-hours"}}}
	mustCreateRule(t, st, rule)

	entry, err := r.Respond(context.Background(), request(friend.ID, "営業時間を教えて"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a response log entry")
	}
	if entry.RuleID != "r1" || entry.MatchedKeyword != "営業時間" {
		t.Errorf("log rule fields: %+v", entry)
	}
	if entry.Status != models.ResponseStatusSuccess {
		t.Errorf("status = %s", entry.Status)
	}
	if entry.ReceivedMessage != "営業時間を教えて" {
		t.Errorf("received message = %q", entry.ReceivedMessage)
	}
	if len(entry.ExecutedActions) != 1 {
		t.Errorf("executed actions = %+v", entry.ExecutedActions)
	}

	if len(disp.sent) != 1 || disp.to[0] != friend.PlatformUserID {
		t.Fatalf("dispatch = to %v msgs %v", disp.to, disp.sent)
	}
	if disp.sent[0][0].Text != "reply from hours" {
		t.Errorf("sent %q", disp.sent[0][0].Text)
	}

	rules, _ := st.ListActiveRules(friend.AccountID)
	if len(rules) != 1 || rules[0].TotalTriggers != 1 {
		t.Errorf("trigger count not recorded: %+v", rules)
	}
	logs, _ := st.ListResponseLogs(friend.AccountID, 0)
	if len(logs) != 1 {
		t.Errorf("stored %d logs, want 1", len(logs))
	}
}

func TestRespondNoMatchReturnsNil(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	mustCreateRule(t, st, textRule("r1", "hours", 10, "営業時間"))

	entry, err := r.Respond(context.Background(), request(friend.ID, "こんにちは"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry, got %+v", entry)
	}
	if len(disp.sent) != 0 {
		t.Errorf("dispatched without a match: %v", disp.sent)
	}
	logs, _ := st.ListResponseLogs(friend.AccountID, 0)
	if len(logs) != 0 {
		t.Errorf("log written without a match")
	}
}

func TestRespondSkipsBlockedFriend(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	mustCreateRule(t, st, textRule("r1", "hours", 10, "営業時間"))
	if err := st.SetFriendBlocked(friend.PlatformUserID, true); err != nil {
		t.Fatalf("block friend: %v", err)
	}

	entry, err := r.Respond(context.Background(), request(friend.ID, "営業時間"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if entry != nil || len(disp.sent) != 0 {
		t.Errorf("blocked friend was answered: entry=%+v sent=%v", entry, disp.sent)
	}
}

func TestRespondDeliveryFailureLogsFailedStatus(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	mustCreateRule(t, st, textRule("r1", "hours", 10, "営業時間"))
	disp.err = errors.New("push failed after 3 attempts")

	entry, err := r.Respond(context.Background(), request(friend.ID, "営業時間"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if entry == nil || entry.Status != models.ResponseStatusFailed {
		t.Fatalf("expected failed log entry, got %+v", entry)
	}
	if entry.ErrorMessage == "" {
		t.Error("error message not recorded")
	}
	logs, _ := st.ListResponseLogs(friend.AccountID, 0)
	if len(logs) != 1 || logs[0].Status != models.ResponseStatusFailed {
		t.Errorf("stored log = %+v", logs)
	}
}

func scenarioStartRule(ruleID, scenarioID, keyword string) *models.Rule {
	return &models.Rule{
		ID:         ruleID,
		AccountID:  "acct1",
		Name:       "start " + scenarioID,
		Type:       models.RuleTypeScenario,
		Priority:   50,
		Keywords:   []string{keyword},
		ScenarioID: scenarioID,
		Active:     true,
	}
}

func TestRespondScenarioStartAndContinue(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	if err := st.CreateScenario(surveyScenario(3)); err != nil {
		t.Fatalf("create scenario: %v", err)
	}
	mustCreateRule(t, st, scenarioStartRule("r-start", "survey", "アンケート"))

	// Exact keyword starts the scenario and greets through to the question.
	entry, err := r.Respond(context.Background(), request(friend.ID, "アンケート"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if entry == nil || entry.ScenarioID != "survey" || entry.ConversationID == "" {
		t.Fatalf("start log = %+v", entry)
	}
	if len(disp.sent) != 1 || len(disp.sent[0]) != 2 {
		t.Fatalf("start dispatch = %v", disp.sent)
	}

	// Next inbound message feeds the conversation.
	entry, err = r.Respond(context.Background(), request(friend.ID, "taro@example.com"))
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if entry == nil || entry.ConversationID == "" {
		t.Fatalf("continue log = %+v", entry)
	}
	if entry.SentResponse == nil || entry.SentResponse.Text != "ありがとうございました" {
		t.Errorf("continue sent = %+v", entry.SentResponse)
	}
	if active, _ := st.GetActiveConversation(friend.ID); active != nil {
		t.Errorf("conversation still active: %+v", active)
	}
}

func TestRespondScenarioKeywordSupersedesConversation(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	if err := st.CreateScenario(surveyScenario(3)); err != nil {
		t.Fatal(err)
	}
	second := surveyScenario(3)
	second.ID = "booking"
	if err := st.CreateScenario(second); err != nil {
		t.Fatal(err)
	}
	mustCreateRule(t, st, scenarioStartRule("r-survey", "survey", "アンケート"))
	mustCreateRule(t, st, scenarioStartRule("r-booking", "booking", "予約"))

	if _, err := r.Respond(context.Background(), request(friend.ID, "アンケート")); err != nil {
		t.Fatal(err)
	}

	// The other scenario's start keyword interrupts the running survey.
	entry, err := r.Respond(context.Background(), request(friend.ID, "予約"))
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if entry == nil || entry.ScenarioID != "booking" {
		t.Fatalf("supersede log = %+v", entry)
	}
	conv, _ := st.GetActiveConversation(friend.ID)
	if conv == nil || conv.ScenarioID != "booking" {
		t.Fatalf("active conversation = %+v", conv)
	}
	old, _ := st.GetScenario("survey")
	if old.TotalAbandoned != 1 {
		t.Errorf("survey abandoned count = %d", old.TotalAbandoned)
	}
	_ = disp
}

func TestRespondInactiveScenarioIsIgnored(t *testing.T) {
	st, friend, disp, r := newResponderHarness(t)
	sc := surveyScenario(3)
	sc.Active = false
	if err := st.CreateScenario(sc); err != nil {
		t.Fatal(err)
	}
	mustCreateRule(t, st, scenarioStartRule("r-start", "survey", "アンケート"))

	entry, err := r.Respond(context.Background(), request(friend.ID, "アンケート"))
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if entry != nil || len(disp.sent) != 0 {
		t.Errorf("inactive scenario produced output: entry=%+v sent=%v", entry, disp.sent)
	}
}

func TestRespondRejectsInvalidRequest(t *testing.T) {
	_, _, _, r := newResponderHarness(t)
	if _, err := r.Respond(context.Background(), &models.AutoResponseRequest{}); err == nil {
		t.Fatal("expected validation error")
	}
}
