// Package relay runs one bidirectional caller⇄upstream session per accepted
// websocket, applying the audio pipeline and intercepting tool calls.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shinevoice/callgw/pkg/audio/pcm"
	"github.com/shinevoice/callgw/pkg/gateway/metrics"
	"github.com/shinevoice/callgw/pkg/gateway/relay/protocol"
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateActive
	stateEnded
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateActive:
		return "active"
	case stateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallerConn is the caller-side websocket surface the session needs.
// *websocket.Conn satisfies it; tests use a scripted fake.
type CallerConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionConfig carries the per-session knobs.
type SessionConfig struct {
	Voice          string
	Persona        string
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	TranscriptRing int
}

func (c *SessionConfig) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.TranscriptRing <= 0 {
		c.TranscriptRing = 64
	}
}

// Dependencies are the injected collaborators; none may be shared mutable
// state across sessions except Metrics and Tools, which are safe for
// concurrent use.
type Dependencies struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Dialer   UpstreamDialer
	Upstream UpstreamConfig
	Tools    *ToolRegistry
	Pipeline *pcm.Pipeline
}

// Session relays one caller conversation.
type Session struct {
	id     string
	conn   CallerConn
	cfg    SessionConfig
	deps   Dependencies
	logger *slog.Logger

	state      sessionState
	transcript *transcriptRing
	outbound   chan []byte
}

func NewSession(conn CallerConn, cfg SessionConfig, deps Dependencies) *Session {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tools == nil {
		deps.Tools = NewToolRegistry()
	}
	if deps.Pipeline == nil {
		deps.Pipeline = pcm.New()
	}
	id := "sess_" + uuid.NewString()
	return &Session{
		id:         id,
		conn:       conn,
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger.With("session_id", id),
		state:      stateIdle,
		transcript: newTranscriptRing(cfg.TranscriptRing),
		outbound:   make(chan []byte, 256),
	}
}

func (s *Session) ID() string { return s.id }

// Run drives the session until either side disconnects or ctx is canceled.
// It always closes both connections before returning.
func (s *Session) Run(ctx context.Context) error {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionsTotal.Inc()
		s.deps.Metrics.SessionsActive.Inc()
		defer s.deps.Metrics.SessionsActive.Dec()
	}
	defer func() {
		s.state = stateEnded
		_ = s.conn.Close()
	}()

	upstream, err := s.deps.Dialer(ctx, s.deps.Upstream)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamDialError.Inc()
		}
		s.logger.Error("upstream dial failed", "error", err)
		return fmt.Errorf("dial upstream: %w", err)
	}
	defer upstream.Close()

	if err := s.configureUpstream(ctx, upstream); err != nil {
		s.logger.Error("upstream session.update failed", "error", err)
		return err
	}

	writerDone := make(chan error, 1)
	go s.callerWriter(ctx, writerDone)
	defer close(s.outbound)

	sessionDone := make(chan struct{})
	defer close(sessionDone)

	callerCh := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		defer close(callerCh)
		for {
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case callerCh <- data:
			case <-sessionDone:
				return
			}
		}
	}()

	s.logger.Info("session started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-writerDone:
			return err
		case data, ok := <-callerCh:
			if !ok {
				err := <-readErr
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Info("caller disconnected")
					return nil
				}
				s.logger.Info("caller read ended", "error", err)
				return nil
			}
			s.handleCallerMessage(ctx, upstream, data)
		case data, ok := <-upstream.Events():
			if !ok {
				s.logger.Info("upstream closed", "reason", upstream.FailureReason())
				return nil
			}
			s.handleUpstreamEvent(ctx, upstream, data)
		}
	}
}

// configureUpstream registers the tools and session shape once after dial.
func (s *Session) configureUpstream(ctx context.Context, upstream Upstream) error {
	update := protocol.SessionUpdate{Type: protocol.TypeSessionUpdate}
	update.Session.Modalities = []string{"text", "audio"}
	update.Session.Instructions = s.cfg.Persona
	update.Session.Voice = s.cfg.Voice
	update.Session.InputAudioFormat = "pcm16"
	update.Session.OutputAudioFormat = "pcm16"
	update.Session.Tools = s.deps.Tools.Defs()
	update.Session.ToolChoice = "auto"
	return upstream.Send(ctx, update)
}

func (s *Session) handleCallerMessage(ctx context.Context, upstream Upstream, data []byte) {
	msg, err := protocol.DecodeCallerMessage(data)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.DroppedFrames.Inc()
		}
		s.logger.Warn("dropping caller frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.CallerStart:
		s.countCaller(protocol.TypeStartCall)
		s.startCall(ctx, upstream, m)
	case protocol.CallerCancel:
		s.countCaller(protocol.TypeResponseCancel)
		// Harmless when no turn is in flight; the provider ignores it.
		if err := upstream.Send(ctx, map[string]string{"type": protocol.TypeResponseCancel}); err != nil {
			s.logger.Warn("forward response.cancel failed", "error", err)
		}
	case protocol.CallerText:
		s.countCaller(protocol.TypeTextMessage)
		s.sendTextTurn(ctx, upstream, m.Text)
	case protocol.CallerAudioAppend:
		s.countCaller(protocol.TypeAudioAppend)
		s.forwardToUpstream(ctx, upstream, data)
	case protocol.CallerAudioBracket:
		s.countCaller(m.Type)
		s.forwardToUpstream(ctx, upstream, data)
	case protocol.CallerRaw:
		s.countCaller(m.Type)
		s.forwardToUpstream(ctx, upstream, data)
	}
}

// startCall moves the session to active and kicks off the greeting turn:
// a synthetic user item announcing the connect, then a response request
// carrying the persona instructions.
func (s *Session) startCall(ctx context.Context, upstream Upstream, m protocol.CallerStart) {
	if s.state == stateActive {
		s.logger.Warn("start_call on active session ignored")
		return
	}
	s.state = stateActive
	voice := strings.TrimSpace(m.Voice)
	persona := strings.TrimSpace(m.Persona)
	if voice != "" || persona != "" {
		if voice != "" {
			s.cfg.Voice = voice
		}
		if persona != "" {
			s.cfg.Persona = persona
		}
		if err := s.configureUpstream(ctx, upstream); err != nil {
			s.logger.Warn("session reconfigure failed", "error", err)
		}
	}

	if err := upstream.Send(ctx, protocol.NewUserMessage("The caller has connected to the line.")); err != nil {
		s.logger.Error("send connect item failed", "error", err)
		return
	}
	if err := upstream.Send(ctx, protocol.NewResponseCreate(s.cfg.Persona)); err != nil {
		s.logger.Error("send greeting turn failed", "error", err)
	}
}

// sendTextTurn wraps a typed caller message in recent transcript context and
// requests a turn.
func (s *Session) sendTextTurn(ctx context.Context, upstream Upstream, text string) {
	instructions := text
	if recent := s.transcript.Recent(5); len(recent) > 0 {
		instructions = fmt.Sprintf("Continue the conversation with context:\n%s\nUser: %s",
			strings.Join(recent, "\n"), text)
	}
	if err := upstream.Send(ctx, protocol.NewResponseCreate(instructions)); err != nil {
		s.logger.Error("send text turn failed", "error", err)
	}
}

func (s *Session) forwardToUpstream(ctx context.Context, upstream Upstream, data []byte) {
	if err := upstream.SendRaw(ctx, data); err != nil {
		s.logger.Warn("forward to upstream failed", "error", err)
	}
}

func (s *Session) handleUpstreamEvent(ctx context.Context, upstream Upstream, data []byte) {
	ev, err := protocol.DecodeUpstreamEvent(data)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.DroppedFrames.Inc()
		}
		s.logger.Warn("dropping upstream event", "error", err)
		return
	}

	switch e := ev.(type) {
	case protocol.UpstreamAudioDelta:
		s.countUpstream(protocol.TypeAudioDelta)
		s.forwardAudioDelta(e, data)
	case protocol.UpstreamTranscriptDelta:
		s.countUpstream(protocol.TypeTranscriptDelta)
		s.transcript.Append("Assistant: " + e.Delta)
		s.forwardToCaller(data)
	case protocol.UpstreamResponseDone:
		s.countUpstream(protocol.TypeResponseDone)
		// Forward first so the caller sees the raw turn, tool items included.
		s.forwardToCaller(data)
		s.dispatchToolCalls(ctx, upstream, e)
	case protocol.UpstreamError:
		s.countUpstream(protocol.TypeError)
		s.logger.Warn("upstream error event", "code", e.Error.Code, "message", e.Error.Message)
		s.forwardToCaller(data)
	case protocol.UpstreamRaw:
		s.countUpstream(e.Type)
		s.forwardToCaller(data)
	}
}

// forwardAudioDelta runs the delta through the pipeline, falling back to the
// original audio when a step fails.
func (s *Session) forwardAudioDelta(e protocol.UpstreamAudioDelta, original []byte) {
	processed, err := s.deps.Pipeline.Process(e.Delta)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.PipelineFailures.Inc()
		}
		s.logger.Warn("pipeline failed, forwarding original audio", "error", err)
		s.forwardToCaller(original)
		return
	}
	e.Delta = processed
	data, err := json.Marshal(e)
	if err != nil {
		s.forwardToCaller(original)
		return
	}
	s.forwardToCaller(data)
}

// dispatchToolCalls runs every function_call item of a completed turn and
// answers each with exactly one function_call_output, then requests the
// model continuation.
func (s *Session) dispatchToolCalls(ctx context.Context, upstream Upstream, done protocol.UpstreamResponseDone) {
	dispatched := false
	for _, item := range done.Response.Output {
		if item.Type != protocol.ItemTypeFunctionCall {
			continue
		}
		start := time.Now()
		output := s.deps.Tools.Dispatch(item.Name, item.Arguments)
		if s.deps.Metrics != nil {
			s.deps.Metrics.ToolCalls.WithLabelValues(item.Name).Inc()
			s.deps.Metrics.ToolCallDuration.Observe(time.Since(start).Seconds())
		}
		s.logger.Info("tool call", "tool", item.Name, "call_id", item.CallID)
		if err := upstream.Send(ctx, protocol.NewFunctionOutput(item.CallID, output)); err != nil {
			s.logger.Error("send function output failed", "tool", item.Name, "error", err)
			continue
		}
		dispatched = true
	}
	if dispatched {
		if err := upstream.Send(ctx, protocol.NewResponseCreate("")); err != nil {
			s.logger.Error("send continuation turn failed", "error", err)
		}
	}
}

// forwardToCaller hands the frame to the writer goroutine. A full buffer
// means the caller cannot keep up; the frame is dropped rather than stalling
// the relay loop.
func (s *Session) forwardToCaller(data []byte) {
	select {
	case s.outbound <- data:
	default:
		if s.deps.Metrics != nil {
			s.deps.Metrics.DroppedFrames.Inc()
		}
		s.logger.Warn("caller outbound buffer full, dropping frame")
	}
}

// callerWriter serializes all caller-bound writes and keeps the connection
// alive with pings.
func (s *Session) callerWriter(ctx context.Context, done chan<- error) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		case data, ok := <-s.outbound:
			if !ok {
				done <- nil
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				done <- fmt.Errorf("caller write: %w", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				done <- fmt.Errorf("caller ping: %w", err)
				return
			}
		}
	}
}

func (s *Session) countCaller(typ string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.CallerEvents.WithLabelValues(typ).Inc()
	}
}

func (s *Session) countUpstream(typ string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamEvents.WithLabelValues(typ).Inc()
	}
}
