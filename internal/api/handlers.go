// Package api provides HTTP handlers for LinePulse endpoints.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/linepulse/linepulse/internal/line"
	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

// maxWebhookBodyBytes bounds how much of a webhook delivery is read.
const maxWebhookBodyBytes = 1 << 20

// webhookHandler receives signed platform webhook deliveries. It validates
// the signature over the raw bytes, then handles each event in isolation so
// one bad event cannot fail the batch and trigger a full redelivery.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing webhook", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.channelSecret == "" {
		slog.Error("Server.webhookHandler: channel secret not configured")
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Webhook secret not configured"))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	signature := r.Header.Get(line.SignatureHeader)
	if signature == "" {
		slog.Warn("Server.webhookHandler: missing signature header")
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing signature"))
		return
	}
	if !line.ValidateSignature(body, signature, s.channelSecret) {
		slog.Warn("Server.webhookHandler: signature mismatch")
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
		return
	}

	wb, err := line.ParseWebhookBody(body)
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to parse body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Per-event isolation: an event that errors is logged and skipped, and
	// the delivery is still acknowledged.
	for i := range wb.Events {
		if err := s.handleEvent(r.Context(), wb.Destination, &wb.Events[i]); err != nil {
			slog.Error("Server.webhookHandler: event failed", "type", wb.Events[i].Type, "error", err)
		}
	}

	writeJSONResponse(w, http.StatusOK, models.Accepted("Webhook accepted"))
}

func (s *Server) handleEvent(ctx context.Context, accountID string, ev *line.WebhookEvent) error {
	switch ev.Type {
	case line.EventTypeFollow:
		return s.handleFollow(ctx, accountID, ev)
	case line.EventTypeUnfollow:
		return s.handleUnfollow(ev)
	case line.EventTypeMessage:
		return s.handleMessage(accountID, ev)
	case line.EventTypePostback:
		return s.handlePostback(accountID, ev)
	case line.EventTypeDelivery:
		slog.Debug("Server.handleEvent: delivery event acknowledged", "timestamp", ev.Timestamp)
		return nil
	default:
		slog.Debug("Server.handleEvent: ignoring event type", "type", ev.Type)
		return nil
	}
}

// handleFollow upserts the friend and clears the blocked flag. A re-follow of
// a previously blocked friend reactivates the same row.
func (s *Server) handleFollow(ctx context.Context, accountID string, ev *line.WebhookEvent) error {
	userID := ev.Source.UserID
	if userID == "" {
		return nil
	}
	displayName := ""
	if s.profiles != nil {
		if p, err := s.profiles.GetProfile(ctx, userID); err != nil {
			slog.Warn("Server.handleFollow: profile lookup failed", "userID", userID, "error", err)
		} else {
			displayName = p.DisplayName
		}
	}
	friend, err := s.store.UpsertFriend(accountID, userID, displayName, time.Now())
	if err != nil {
		return err
	}
	slog.Info("Server.handleFollow: friend followed", "friendID", friend.ID, "userID", userID)
	return nil
}

func (s *Server) handleUnfollow(ev *line.WebhookEvent) error {
	if ev.Source.UserID == "" {
		return nil
	}
	if err := s.store.SetFriendBlocked(ev.Source.UserID, true); err != nil {
		return err
	}
	slog.Info("Server.handleUnfollow: friend blocked", "userID", ev.Source.UserID)
	return nil
}

// handleMessage dedups the inbound message and enqueues a durable
// auto-response job keyed by the platform message ID.
func (s *Server) handleMessage(accountID string, ev *line.WebhookEvent) error {
	if ev.Message == nil || ev.Source.UserID == "" {
		return nil
	}
	userID := ev.Source.UserID

	fresh, err := s.dedup.RecordInbound(ev.Message.ID, userID)
	if err != nil {
		return err
	}
	if !fresh {
		slog.Debug("Server.handleMessage: duplicate delivery dropped", "messageID", ev.Message.ID)
		return nil
	}

	friend, err := s.store.UpsertFriend(accountID, userID, "", time.Now())
	if err != nil {
		return err
	}

	if err := s.enqueueAutoResponse(friend.ID, userID, ev.Message.Text, ev.Message.Type, ev.Message.ID); err != nil {
		return err
	}
	if err := s.dedup.MarkProcessed(ev.Message.ID); err != nil {
		slog.Warn("Server.handleMessage: mark processed failed", "messageID", ev.Message.ID, "error", err)
	}
	return nil
}

// handlePostback routes button taps into auto-response with the postback
// data as the message text.
func (s *Server) handlePostback(accountID string, ev *line.WebhookEvent) error {
	if ev.Postback == nil || ev.Source.UserID == "" {
		return nil
	}
	userID := ev.Source.UserID

	friend, err := s.store.UpsertFriend(accountID, userID, "", time.Now())
	if err != nil {
		return err
	}
	return s.enqueueAutoResponse(friend.ID, userID, ev.Postback.Data, "postback", "")
}

func (s *Server) enqueueAutoResponse(friendID, platformUserID, text, messageType, dedupeKey string) error {
	req := models.AutoResponseRequest{
		FriendID:       friendID,
		MessageText:    text,
		MessageType:    messageType,
		PlatformUserID: platformUserID,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	jobID, err := s.jobs.EnqueueJob(store.JobKindAutoResponse, time.Now(), string(payload), dedupeKey)
	if err != nil {
		return err
	}
	slog.Debug("Server.enqueueAutoResponse: job enqueued", "jobID", jobID, "friendID", friendID)
	return nil
}

// respondHandler runs the auto-response pipeline synchronously. It exists
// for the job runner's payload format and for manual testing; production
// traffic arrives through the webhook.
func (s *Server) respondHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.respondHandler: processing respond request", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.responder == nil {
		slog.Error("Server.respondHandler: responder not configured")
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Responder not configured"))
		return
	}

	var req models.AutoResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.respondHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.respondHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	entry, err := s.responder.Respond(r.Context(), &req)
	if err != nil {
		slog.Error("Server.respondHandler: respond failed", "friendID", req.FriendID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	if entry == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No rule matched", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

// logsHandler returns recent response logs for an account.
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: account_id"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = n
	}

	logs, err := s.store.ListResponseLogs(accountID, limit)
	if err != nil {
		slog.Error("Server.logsHandler: list failed", "accountID", accountID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list response logs"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

// ResponseStats summarizes recent auto-response activity.
type ResponseStats struct {
	Total             int     `json:"total"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// statsHandler aggregates recent response logs into totals, success rate and
// average latency.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required parameter: account_id"))
		return
	}

	logs, err := s.store.ListResponseLogs(accountID, 1000)
	if err != nil {
		slog.Error("Server.statsHandler: list failed", "accountID", accountID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to compute stats"))
		return
	}

	var stats ResponseStats
	var totalMs int64
	for i := range logs {
		stats.Total++
		totalMs += logs[i].ResponseTimeMs
		switch logs[i].Status {
		case models.ResponseStatusSuccess:
			stats.Succeeded++
		case models.ResponseStatusFailed:
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
		stats.AvgResponseTimeMs = float64(totalMs) / float64(stats.Total)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}
