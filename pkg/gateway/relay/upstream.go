package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const defaultRealtimeBase = "wss://api.openai.com/v1/realtime"

// UpstreamConfig carries everything needed to dial the realtime endpoint.
type UpstreamConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Upstream is the conversational-speech provider connection for one session.
// Events arrives on the Events channel in wire order; the channel is closed
// when the connection drops.
type Upstream interface {
	Events() <-chan []byte
	Send(ctx context.Context, payload any) error
	SendRaw(ctx context.Context, data []byte) error
	Close() error
	FailureReason() string
}

// UpstreamDialer produces an Upstream per session. Injected into the relay
// so sessions never reach for a process-wide provider handle.
type UpstreamDialer func(ctx context.Context, cfg UpstreamConfig) (Upstream, error)

type upstreamConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	errMu   sync.Mutex

	events    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	lastServerError string
	lastClose       string
}

// DialUpstream opens the realtime websocket with bearer auth and starts the
// read pump. It is the production UpstreamDialer.
func DialUpstream(ctx context.Context, cfg UpstreamConfig) (Upstream, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("realtime model is required")
	}
	wsURL, err := buildRealtimeURL(strings.TrimSpace(cfg.BaseURL), strings.TrimSpace(cfg.Model))
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, err
	}
	c := &upstreamConn{
		conn:   conn,
		events: make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func buildRealtimeURL(base, model string) (string, error) {
	if base == "" {
		base = defaultRealtimeBase
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *upstreamConn) Events() <-chan []byte {
	if c == nil {
		ch := make(chan []byte)
		close(ch)
		return ch
	}
	return c.events
}

func (c *upstreamConn) Send(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline(ctx)
	if err := c.conn.WriteJSON(payload); err != nil {
		return c.wrapWriteErr(err)
	}
	return nil
}

func (c *upstreamConn) SendRaw(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline(ctx)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.wrapWriteErr(err)
	}
	return nil
}

func (c *upstreamConn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		_ = c.conn.Close()
	})
	return nil
}

func (c *upstreamConn) readLoop() {
	defer close(c.events)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}
		c.sniffServerError(data)
		select {
		case c.events <- data:
		case <-c.closed:
			return
		}
	}
}

// sniffServerError records provider error events so later write failures can
// name the real cause.
func (c *upstreamConn) sniffServerError(data []byte) {
	var ev struct {
		Type  string `json:"type"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.Type != "error" {
		return
	}
	msg := ev.Error.Message
	if ev.Error.Code != "" {
		msg = ev.Error.Code + ": " + msg
	}
	c.setLastServerError(msg)
}

func (c *upstreamConn) setWriteDeadline(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	}
}

func (c *upstreamConn) wrapWriteErr(err error) error {
	reason := strings.TrimSpace(c.FailureReason())
	if reason == "" {
		return err
	}
	return fmt.Errorf("%w (upstream %s)", err, reason)
}

func (c *upstreamConn) setLastServerError(msg string) {
	if c == nil {
		return
	}
	msg = sanitizeReason(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastServerError = msg
	c.errMu.Unlock()
}

func (c *upstreamConn) setLastClose(msg string) {
	if c == nil {
		return
	}
	msg = sanitizeReason(msg)
	if msg == "" {
		return
	}
	c.errMu.Lock()
	c.lastClose = msg
	c.errMu.Unlock()
}

// FailureReason summarizes the last server error and close cause for logs.
func (c *upstreamConn) FailureReason() string {
	if c == nil {
		return ""
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	parts := make([]string, 0, 2)
	if c.lastServerError != "" {
		parts = append(parts, "server_error="+c.lastServerError)
	}
	if c.lastClose != "" {
		parts = append(parts, "close="+c.lastClose)
	}
	return strings.Join(parts, " ")
}

func sanitizeReason(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
