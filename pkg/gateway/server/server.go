// Package server wires the gateway's HTTP surface: health, readiness,
// metrics, and the caller websocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shinevoice/callgw/pkg/audio/pcm"
	"github.com/shinevoice/callgw/pkg/gateway/config"
	"github.com/shinevoice/callgw/pkg/gateway/metrics"
	"github.com/shinevoice/callgw/pkg/gateway/mw"
	"github.com/shinevoice/callgw/pkg/gateway/relay"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux

	upgrader websocket.Upgrader
	dialer   relay.UpstreamDialer
	tools    *relay.ToolRegistry
	gatherer prometheus.Gatherer

	sessionCtx    context.Context
	cancelSession context.CancelFunc
	sessions      sync.WaitGroup
}

// Options carry the injected collaborators. Zero-value fields fall back to
// production defaults.
type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Dialer   relay.UpstreamDialer
	Gatherer prometheus.Gatherer
}

func New(cfg config.Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = relay.DialUpstream
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		mux:     http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.HandshakeTimeout,
			// The relay is its own auth boundary; callers connect directly.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer:        opts.Dialer,
		tools:         relay.NewToolRegistry(),
		gatherer:      opts.Gatherer,
		sessionCtx:    ctx,
		cancelSession: cancel,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK     bool     `json:"ok"`
		Model  string   `json:"model"`
		Voice  string   `json:"voice"`
		Issues []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if s.cfg.OpenAIAPIKey == "" {
		issues = append(issues, "api key not configured")
	}
	if s.cfg.RealtimeModel == "" {
		issues = append(issues, "realtime model not configured")
	}
	if s.cfg.WriteTimeout <= 0 || s.cfg.PingInterval <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	if s.cfg.TranscriptRing <= 0 {
		issues = append(issues, "transcript ring must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:     ok,
		Model:  s.cfg.RealtimeModel,
		Voice:  s.cfg.Voice,
		Issues: issues,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", reqID, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	sess := relay.NewSession(conn, relay.SessionConfig{
		Voice:          s.cfg.Voice,
		Persona:        s.cfg.Persona,
		WriteTimeout:   s.cfg.WriteTimeout,
		PingInterval:   s.cfg.PingInterval,
		TranscriptRing: s.cfg.TranscriptRing,
	}, relay.Dependencies{
		Logger:  s.logger.With("request_id", reqID),
		Metrics: s.metrics,
		Dialer:  s.dialer,
		Upstream: relay.UpstreamConfig{
			APIKey:  s.cfg.OpenAIAPIKey,
			BaseURL: s.cfg.RealtimeURL,
			Model:   s.cfg.RealtimeModel,
		},
		Tools:    s.tools,
		Pipeline: pcm.New(),
	})

	s.sessions.Add(1)
	defer s.sessions.Done()
	if err := sess.Run(s.sessionCtx); err != nil {
		s.logger.Info("session ended", "session_id", sess.ID(), "error", err)
	}
}

// Shutdown cancels every running session and waits for them to drain or for
// ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelSession()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
