package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/linepulse/linepulse/internal/models"
	"github.com/linepulse/linepulse/internal/store"
)

// DefaultSweepInterval is how often the sweeper scans for stale conversations.
const DefaultSweepInterval = time.Minute

// Sweeper abandons conversations whose friends stopped answering past the
// scenario's inactivity timeout.
type Sweeper struct {
	store    store.Store
	engine   *Engine
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper scanning at the given interval.
func NewSweeper(st store.Store, engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{store: st, engine: engine, interval: interval, now: time.Now}
}

// Run blocks sweeping until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("Sweeper.Run: starting conversation sweeper", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sweeper.Run: stopping")
			return
		case <-ticker.C:
			if n, err := s.Sweep(); err != nil {
				slog.Error("Sweeper.Run: sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Sweeper.Run: abandoned stale conversations", "count", n)
			}
		}
	}
}

// Sweep performs one scan and returns how many conversations it abandoned.
func (s *Sweeper) Sweep() (int, error) {
	conversations, err := s.store.ListActiveConversations()
	if err != nil {
		return 0, err
	}
	now := s.now()
	timeouts := make(map[string]time.Duration)
	abandoned := 0

	for i := range conversations {
		conv := &conversations[i]
		timeout, ok := timeouts[conv.ScenarioID]
		if !ok {
			scenario, err := s.store.GetScenario(conv.ScenarioID)
			if err != nil {
				slog.Error("Sweeper.Sweep: scenario lookup failed", "scenarioID", conv.ScenarioID, "error", err)
				continue
			}
			if scenario == nil {
				timeout = models.DefaultTimeoutMinutes * time.Minute
			} else {
				timeout = scenario.Timeout()
			}
			timeouts[conv.ScenarioID] = timeout
		}

		if now.Sub(conv.LastInteractionAt) < timeout {
			continue
		}

		won, err := s.store.FinishConversation(conv.ID, models.ConversationAbandoned, nil, now)
		if err != nil {
			slog.Error("Sweeper.Sweep: abandon failed", "conversationID", conv.ID, "error", err)
			continue
		}
		if !won {
			continue // raced with a live advance or another sweeper
		}
		if err := s.store.IncrementScenarioAbandoned(conv.ScenarioID); err != nil {
			slog.Error("Sweeper.Sweep: abandon counter failed", "scenarioID", conv.ScenarioID, "error", err)
		}
		abandoned++
	}
	return abandoned, nil
}
