package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linepulse/linepulse/internal/flow"
	"github.com/linepulse/linepulse/internal/line"
	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

const testSecret = "test-channel-secret"

type nopDispatcher struct{}

func (nopDispatcher) SendMessages(context.Context, string, []models.Message) error { return nil }

type fakeProfiles struct {
	names map[string]string
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*line.Profile, error) {
	return &line.Profile{UserID: userID, DisplayName: f.names[userID]}, nil
}

func newTestServer(t *testing.T) (*store.InMemoryStore, *Server) {
	t.Helper()
	st := store.NewInMemoryStore()
	executor := flow.NewExecutor(st, st)
	responder := flow.NewResponder(st, flow.NewMatcher(st, nil), flow.NewEngine(st, executor), executor, nopDispatcher{})
	profiles := &fakeProfiles{names: map[string]string{"U123": "Taro"}}
	srv := NewServer(st, st, st, responder, profiles, WithChannelSecret(testSecret))
	return st, srv
}

func signedWebhookRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(line.SignatureHeader, line.Sign([]byte(body), testSecret))
	return req
}

func messageWebhookBody(messageID, userID, text string) string {
	return `{
		"destination": "acct1",
		"events": [{
			"type": "message",
			"timestamp": 1718000000000,
			"source": {"type": "user", "userId": "` + userID + `"},
			"message": {"id": "` + messageID + `", "type": "text", "text": "` + text + `"}
		}]
	}`
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookMissingSecretIsMisconfiguration(t *testing.T) {
	t.Setenv("LINE_CHANNEL_SECRET", "")
	st := store.NewInMemoryStore()
	srv := NewServer(st, st, st, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	_, srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	_, srv := newTestServer(t)
	body := messageWebhookBody("msg-1", "U123", "hello")
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(line.SignatureHeader, line.Sign([]byte("other body"), testSecret))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestWebhookMessageEnqueuesJob(t *testing.T) {
	st, srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, messageWebhookBody("msg-1", "U123", "営業時間")))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	friend, err := st.GetFriendByPlatformID("U123")
	if err != nil || friend == nil {
		t.Fatalf("friend not upserted: %v %v", friend, err)
	}
	if friend.AccountID != "acct1" {
		t.Errorf("account = %q", friend.AccountID)
	}

	jobs, err := st.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("claim jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != store.JobKindAutoResponse {
		t.Fatalf("jobs = %+v", jobs)
	}
	var req models.AutoResponseRequest
	if err := json.Unmarshal([]byte(jobs[0].PayloadJSON), &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if req.FriendID != friend.ID || req.MessageText != "営業時間" || req.PlatformUserID != "U123" {
		t.Errorf("payload = %+v", req)
	}
}

func TestWebhookDuplicateDeliveryDropped(t *testing.T) {
	st, srv := newTestServer(t)
	body := messageWebhookBody("msg-dup", "U123", "hello")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, body))
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, rec.Code)
		}
	}

	jobs, _ := st.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 {
		t.Errorf("redelivery enqueued %d jobs, want 1", len(jobs))
	}
}

func TestWebhookFollowUnfollow(t *testing.T) {
	st, srv := newTestServer(t)

	follow := `{"destination":"acct1","events":[{"type":"follow","source":{"type":"user","userId":"U123"}}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, follow))
	if rec.Code != http.StatusOK {
		t.Fatalf("follow status = %d", rec.Code)
	}
	friend, _ := st.GetFriendByPlatformID("U123")
	if friend == nil || friend.DisplayName != "Taro" {
		t.Fatalf("friend after follow: %+v", friend)
	}

	unfollow := `{"destination":"acct1","events":[{"type":"unfollow","source":{"type":"user","userId":"U123"}}]}`
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, unfollow))
	if rec.Code != http.StatusOK {
		t.Fatalf("unfollow status = %d", rec.Code)
	}
	friend, _ = st.GetFriendByPlatformID("U123")
	if !friend.Blocked {
		t.Error("friend not blocked after unfollow")
	}

	// Re-follow reactivates the same row.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, follow))
	refollowed, _ := st.GetFriendByPlatformID("U123")
	if refollowed.Blocked || refollowed.ID != friend.ID {
		t.Errorf("re-follow: %+v", refollowed)
	}
}

func TestWebhookPostbackRoutedToAutoResponse(t *testing.T) {
	st, srv := newTestServer(t)

	body := `{"destination":"acct1","events":[{"type":"postback","source":{"type":"user","userId":"U123"},"postback":{"data":"action=reserve"}}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	jobs, _ := st.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	var req models.AutoResponseRequest
	_ = json.Unmarshal([]byte(jobs[0].PayloadJSON), &req)
	if req.MessageText != "action=reserve" || req.MessageType != "postback" {
		t.Errorf("payload = %+v", req)
	}
}

func TestWebhookBatchSurvivesBadEvent(t *testing.T) {
	st, srv := newTestServer(t)

	// The first event is structurally empty and is skipped; the second is
	// handled normally.
	body := `{
		"destination": "acct1",
		"events": [
			{"type": "message", "source": {"type": "user"}},
			{"type": "message", "source": {"type": "user", "userId": "U123"},
			 "message": {"id": "msg-ok", "type": "text", "text": "hello"}}
		]
	}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, signedWebhookRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	jobs, _ := st.ClaimDueJobs(time.Now(), 10)
	if len(jobs) != 1 {
		t.Errorf("good event not handled: %d jobs", len(jobs))
	}
}

func TestRespondEndpoint(t *testing.T) {
	st, srv := newTestServer(t)
	friend, err := st.UpsertFriend("acct1", "U123", "Taro", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	resp := models.TextMessage("10時から19時です")
	if err := st.CreateRule(&models.Rule{
		ID: "r1", AccountID: "acct1", Name: "hours", Type: models.RuleTypeKeyword,
		Keywords: []string{"営業時間"}, Response: &resp, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(models.AutoResponseRequest{
		FriendID:       friend.ID,
		MessageText:    "営業時間を教えて",
		PlatformUserID: "U123",
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/respond", bytes.NewReader(payload)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var env models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Status != string(models.APIStatusOK) || env.Result == nil {
		t.Errorf("envelope = %+v", env)
	}

	logs, _ := st.ListResponseLogs("acct1", 0)
	if len(logs) != 1 || logs[0].RuleID != "r1" {
		t.Errorf("logs = %+v", logs)
	}
}

func TestRespondEndpointRejectsBadRequests(t *testing.T) {
	_, srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/respond", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/respond", strings.NewReader(`{"message_text":"hi"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	st, srv := newTestServer(t)
	sent := models.TextMessage("reply")
	for i := 0; i < 3; i++ {
		if err := st.AddResponseLog(&models.ResponseLog{
			AccountID: "acct1", FriendID: "f1", Status: models.ResponseStatusSuccess,
			ReceivedMessage: "hello", SentResponse: &sent, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs?account_id=acct1&limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var env struct {
		Status string               `json:"status"`
		Result []models.ResponseLog `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Result) != 2 {
		t.Errorf("got %d logs, want 2", len(env.Result))
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logs", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing account_id: status = %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	st, srv := newTestServer(t)
	add := func(status models.ResponseStatus, ms int64) {
		t.Helper()
		if err := st.AddResponseLog(&models.ResponseLog{
			AccountID: "acct1", FriendID: "f1", Status: status,
			ReceivedMessage: "m", ResponseTimeMs: ms, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}
	add(models.ResponseStatusSuccess, 100)
	add(models.ResponseStatusSuccess, 200)
	add(models.ResponseStatusFailed, 300)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats?account_id=acct1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var env struct {
		Status string        `json:"status"`
		Result ResponseStats `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := env.Result
	if got.Total != 3 || got.Succeeded != 2 || got.Failed != 1 {
		t.Errorf("stats = %+v", got)
	}
	if got.SuccessRate < 0.66 || got.SuccessRate > 0.67 {
		t.Errorf("success rate = %f", got.SuccessRate)
	}
	if got.AvgResponseTimeMs != 200 {
		t.Errorf("avg latency = %f", got.AvgResponseTimeMs)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
