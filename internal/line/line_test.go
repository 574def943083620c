package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linepulse/linepulse/internal/models"
)

type recordedRequest struct {
	path   string
	auth   string
	body   map[string]interface{}
	method string
}

func newTestClient(t *testing.T, status int, response string) (*Client, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{path: r.URL.Path, auth: r.Header.Get("Authorization"), method: r.Method}
		if r.Body != nil {
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			rec.body = body
		}
		requests = append(requests, rec)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(WithChannelToken("test-token"), WithAPIBase(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, &requests
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Setenv("LINE_CHANNEL_ACCESS_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("client created without a token")
	}

	t.Setenv("LINE_CHANNEL_ACCESS_TOKEN", "env-token")
	if _, err := NewClient(); err != nil {
		t.Fatalf("env token not picked up: %v", err)
	}
}

func TestPushMessage(t *testing.T) {
	c, requests := newTestClient(t, http.StatusOK, `{}`)

	msgs := []models.Message{models.TextMessage("こんにちは")}
	if err := c.PushMessage(context.Background(), "U123", msgs); err != nil {
		t.Fatalf("push: %v", err)
	}

	if len(*requests) != 1 {
		t.Fatalf("got %d requests", len(*requests))
	}
	req := (*requests)[0]
	if req.path != "/message/push" || req.method != http.MethodPost {
		t.Errorf("request = %s %s", req.method, req.path)
	}
	if req.auth != "Bearer test-token" {
		t.Errorf("auth header = %q", req.auth)
	}
	if req.body["to"] != "U123" {
		t.Errorf("to = %v", req.body["to"])
	}
}

func TestPushMessageBatchLimits(t *testing.T) {
	c, requests := newTestClient(t, http.StatusOK, `{}`)

	if err := c.PushMessage(context.Background(), "U123", nil); err == nil {
		t.Error("empty push accepted")
	}
	six := make([]models.Message, models.MaxMessagesPerPush+1)
	for i := range six {
		six[i] = models.TextMessage("m")
	}
	if err := c.PushMessage(context.Background(), "U123", six); err == nil {
		t.Error("oversized push accepted")
	}
	if len(*requests) != 0 {
		t.Errorf("invalid pushes reached the API: %d requests", len(*requests))
	}
}

func TestPushMessageRateLimited(t *testing.T) {
	c, _ := newTestClient(t, http.StatusTooManyRequests, `{"message":"monthly limit"}`)

	err := c.PushMessage(context.Background(), "U123", []models.Message{models.TextMessage("x")})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !IsTerminal(err) {
		t.Error("rate limit not classified terminal")
	}
}

func TestPushMessageInvalidUser(t *testing.T) {
	c, _ := newTestClient(t, http.StatusNotFound, `{"message":"Not found"}`)

	err := c.PushMessage(context.Background(), "Ugone", []models.Message{models.TextMessage("x")})
	if !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if !IsTerminal(err) {
		t.Error("invalid user not classified terminal")
	}
}

func TestPushMessageTransientError(t *testing.T) {
	c, _ := newTestClient(t, http.StatusInternalServerError, `{"message":"oops"}`)

	err := c.PushMessage(context.Background(), "U123", []models.Message{models.TextMessage("x")})
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTerminal(err) {
		t.Error("500 classified terminal")
	}
}

func TestMulticastAndBroadcast(t *testing.T) {
	c, requests := newTestClient(t, http.StatusOK, `{}`)

	msgs := []models.Message{models.TextMessage("お知らせ")}
	if err := c.Multicast(context.Background(), []string{"U1", "U2"}, msgs); err != nil {
		t.Fatalf("multicast: %v", err)
	}
	if err := c.Multicast(context.Background(), nil, msgs); err == nil {
		t.Error("multicast without recipients accepted")
	}
	if err := c.Broadcast(context.Background(), msgs); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	if len(*requests) != 2 {
		t.Fatalf("got %d requests", len(*requests))
	}
	if (*requests)[0].path != "/message/multicast" || (*requests)[1].path != "/message/broadcast" {
		t.Errorf("paths = %s, %s", (*requests)[0].path, (*requests)[1].path)
	}
}

func TestGetProfile(t *testing.T) {
	c, requests := newTestClient(t, http.StatusOK, `{"userId":"U123","displayName":"Taro"}`)

	p, err := c.GetProfile(context.Background(), "U123")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.UserID != "U123" || p.DisplayName != "Taro" {
		t.Errorf("profile = %+v", p)
	}
	if (*requests)[0].path != "/profile/U123" {
		t.Errorf("path = %s", (*requests)[0].path)
	}
}

func TestGetMessageQuota(t *testing.T) {
	c, requests := newTestClient(t, http.StatusOK, `{"type":"limited","value":1000,"totalUsage":42}`)

	q, err := c.GetMessageQuota(context.Background())
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if q.Type != "limited" || q.Value != 1000 || q.TotalUsage != 42 {
		t.Errorf("quota = %+v", q)
	}
	if len(*requests) != 2 {
		t.Errorf("quota lookup made %d requests, want 2", len(*requests))
	}
}
