// Package call drives one caller session end to end: websocket dial,
// microphone capture, ordered playback, and barge-in.
package call

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shinevoice/callgw/pkg/client/capture"
	"github.com/shinevoice/callgw/pkg/client/playback"
	"github.com/shinevoice/callgw/pkg/gateway/relay/protocol"
)

// Conn is the websocket surface the controller needs; *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type captureLoop interface {
	Start() error
	Stop() error
}

type playbackQueue interface {
	Enqueue(b64 string, sampleRate int) error
	Stop()
}

// Config shapes a call.
type Config struct {
	// URL of the gateway websocket endpoint, e.g. ws://localhost:4000/ws.
	URL string
	// SampleRate of played-back audio; the realtime provider emits 24 kHz.
	SampleRate   int
	PlaybackRate float64
	WriteTimeout time.Duration
	Logger       *slog.Logger

	// OnTranscript receives incremental assistant transcript text.
	OnTranscript func(delta string)
	// OnEvent receives every other server event verbatim.
	OnEvent func(eventType string, raw []byte)
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.PlaybackRate <= 0 {
		c.PlaybackRate = 1.0
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller owns the capture loop and playback queue for one call.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	conn     Conn
	writeMu  sync.Mutex
	capture  captureLoop
	playback playbackQueue

	endOnce  sync.Once
	done     chan struct{}
	readDone chan struct{}
}

// Dial connects to the gateway and builds a ready-to-start controller.
func Dial(cfg Config) (*Controller, error) {
	cfg.applyDefaults()
	conn, _, err := websocket.DefaultDialer.Dial(cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c := newController(cfg, conn)
	c.capture = capture.NewLoop(capture.Config{
		Send:          c.send,
		OnSpeechStart: c.onSpeechStart,
		Logger:        cfg.Logger,
	})
	c.playback = playback.NewQueue(cfg.PlaybackRate, cfg.Logger)
	return c, nil
}

func newController(cfg Config, conn Conn) *Controller {
	cfg.applyDefaults()
	return &Controller{
		cfg:      cfg,
		logger:   cfg.Logger,
		conn:     conn,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Start opens the call: start_call to the gateway, microphone on, read loop
// running.
func (c *Controller) Start() error {
	if err := c.send(protocol.CallerStart{Type: protocol.TypeStartCall}); err != nil {
		return fmt.Errorf("send start_call: %w", err)
	}
	if err := c.capture.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	go c.readLoop()
	return nil
}

// End stops capture and playback and closes the socket. Idempotent.
func (c *Controller) End() {
	c.endOnce.Do(func() {
		close(c.done)
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn("capture stop failed", "error", err)
		}
		c.playback.Stop()
		_ = c.conn.Close()
	})
}

// Done is closed when the call has ended.
func (c *Controller) Done() <-chan struct{} { return c.done }

// onSpeechStart is the barge-in path: cancel the assistant turn and flush
// playback, each independently. Safe when nothing is playing and no turn is
// active.
func (c *Controller) onSpeechStart() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.send(protocol.CallerCancel{Type: protocol.TypeResponseCancel}); err != nil {
			c.logger.Warn("send response.cancel failed", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		c.playback.Stop()
	}()
	wg.Wait()
}

func (c *Controller) send(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteJSON(payload)
}

func (c *Controller) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("server connection closed", "error", err)
				c.End()
			}
			return
		}
		c.handleServerEvent(data)
	}
}

func (c *Controller) handleServerEvent(data []byte) {
	var envelope struct {
		Type  string `json:"type"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("dropping malformed server event", "error", err)
		return
	}
	switch envelope.Type {
	case protocol.TypeAudioDelta:
		if envelope.Delta == "" {
			return
		}
		if err := c.playback.Enqueue(envelope.Delta, c.cfg.SampleRate); err != nil {
			c.logger.Warn("enqueue audio chunk failed", "error", err)
		}
	case protocol.TypeTranscriptDelta:
		if c.cfg.OnTranscript != nil && envelope.Delta != "" {
			c.cfg.OnTranscript(envelope.Delta)
		}
	default:
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(envelope.Type, data)
		}
	}
}
