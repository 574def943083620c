// Package api provides the HTTP surface of LinePulse.
//
// It exposes the platform webhook endpoint, the internal auto-response
// trigger, and read-only log/stats endpoints. Webhook deliveries are
// signature-checked, deduplicated, and turned into durable jobs; the actual
// response work happens in the job runner, never on the webhook goroutine.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/linepulse/linepulse/internal/flow"
	"github.com/linepulse/linepulse/internal/line"
	"github.com/linepulse/linepulse/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown on context cancellation.
const DefaultShutdownTimeout = 10 * time.Second

// ProfileFetcher looks up platform user profiles. Satisfied by *line.Client.
type ProfileFetcher interface {
	GetProfile(ctx context.Context, userID string) (*line.Profile, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	ChannelSecret string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithChannelSecret sets the webhook signing secret.
func WithChannelSecret(secret string) Option {
	return func(o *Opts) { o.ChannelSecret = secret }
}

// Server handles LinePulse HTTP traffic.
type Server struct {
	store         store.Store
	jobs          store.JobRepo
	dedup         store.DedupRepo
	responder     *flow.Responder
	profiles      ProfileFetcher
	channelSecret string
	addr          string
}

// NewServer creates the API server. The channel secret falls back to the
// LINE_CHANNEL_SECRET environment variable if not provided via options.
// profiles may be nil; follow events then upsert friends without a display
// name.
func NewServer(st store.Store, jobs store.JobRepo, dedup store.DedupRepo, responder *flow.Responder, profiles ProfileFetcher, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ChannelSecret == "" {
		cfg.ChannelSecret = os.Getenv("LINE_CHANNEL_SECRET")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("api.NewServer: config loaded", "addr", cfg.Addr, "secret_set", cfg.ChannelSecret != "")
	return &Server{
		store:         st,
		jobs:          jobs,
		dedup:         dedup,
		responder:     responder,
		profiles:      profiles,
		channelSecret: cfg.ChannelSecret,
		addr:          cfg.Addr,
	}
}

// Handler returns the server's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/respond", s.respondHandler)
	mux.HandleFunc("/logs", s.logsHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
