package call

import (
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shinevoice/callgw/pkg/audio/pcm"
	"github.com/shinevoice/callgw/pkg/gateway/relay/protocol"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
	sent    []any
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentPayloads() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

type fakeCapture struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

type fakePlayback struct {
	mu       sync.Mutex
	enqueued []string
	stops    int
}

func (f *fakePlayback) Enqueue(b64 string, sampleRate int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, b64)
	return nil
}

func (f *fakePlayback) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakePlayback) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func newTestController(cfg Config) (*Controller, *fakeConn, *fakeCapture, *fakePlayback) {
	conn := newFakeConn()
	cap := &fakeCapture{}
	pb := &fakePlayback{}
	c := newController(cfg, conn)
	c.capture = cap
	c.playback = pb
	return c, conn, cap, pb
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestStartSendsStartCallAndStartsCapture(t *testing.T) {
	c, conn, cap, _ := newTestController(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.End()

	payloads := conn.sentPayloads()
	if len(payloads) != 1 {
		t.Fatalf("sent = %d, want 1", len(payloads))
	}
	start, ok := payloads[0].(protocol.CallerStart)
	if !ok || start.Type != protocol.TypeStartCall {
		t.Fatalf("payload = %#v", payloads[0])
	}
	if cap.starts != 1 {
		t.Fatalf("capture starts = %d", cap.starts)
	}
}

func TestAudioDeltaEnqueuesPlayback(t *testing.T) {
	c, conn, _, pb := newTestController(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.End()

	delta := base64.StdEncoding.EncodeToString(pcm.EncodeS16LE([]int16{1, 2, 3}))
	conn.inbound <- []byte(`{"type":"response.audio.delta","delta":"` + delta + `"}`)

	waitFor(t, func() bool {
		pb.mu.Lock()
		defer pb.mu.Unlock()
		return len(pb.enqueued) == 1
	})
	pb.mu.Lock()
	got := pb.enqueued[0]
	pb.mu.Unlock()
	if got != delta {
		t.Fatalf("enqueued = %q", got)
	}
}

func TestTranscriptDeltaCallback(t *testing.T) {
	var mu sync.Mutex
	var transcript string
	c, conn, _, _ := newTestController(Config{
		OnTranscript: func(delta string) {
			mu.Lock()
			transcript += delta
			mu.Unlock()
		},
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.End()

	conn.inbound <- []byte(`{"type":"response.audio_transcript.delta","delta":"Hi "}`)
	conn.inbound <- []byte(`{"type":"response.audio_transcript.delta","delta":"there"}`)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return transcript == "Hi there"
	})
}

func TestSpeechOnsetCancelsAndFlushes(t *testing.T) {
	c, conn, _, pb := newTestController(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.End()

	c.onSpeechStart()

	waitFor(t, func() bool {
		for _, p := range conn.sentPayloads() {
			if cancel, ok := p.(protocol.CallerCancel); ok && cancel.Type == protocol.TypeResponseCancel {
				return true
			}
		}
		return false
	})
	if pb.stopCount() != 1 {
		t.Fatalf("playback stops = %d, want 1", pb.stopCount())
	}

	// Barge-in with no active turn or playback is still safe.
	c.onSpeechStart()
	if pb.stopCount() != 2 {
		t.Fatalf("playback stops = %d, want 2", pb.stopCount())
	}
}

func TestEndIsIdempotent(t *testing.T) {
	c, conn, cap, pb := newTestController(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.End()
	c.End()

	if cap.stops != 1 {
		t.Fatalf("capture stops = %d, want 1", cap.stops)
	}
	if pb.stopCount() != 1 {
		t.Fatalf("playback stops = %d, want 1", pb.stopCount())
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done must be closed after End")
	}
	select {
	case <-conn.closed:
	default:
		t.Fatalf("connection must be closed after End")
	}
}

func TestServerCloseEndsCall(t *testing.T) {
	c, conn, cap, _ := newTestController(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn.Close()
	waitFor(t, func() bool {
		select {
		case <-c.Done():
			return true
		default:
			return false
		}
	})
	cap.mu.Lock()
	stops := cap.stops
	cap.mu.Unlock()
	if stops != 1 {
		t.Fatalf("capture stops = %d, want 1", stops)
	}
}

func TestMalformedServerEventDropped(t *testing.T) {
	c, conn, _, pb := newTestController(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.End()

	conn.inbound <- []byte(`{garbage`)
	delta := base64.StdEncoding.EncodeToString(pcm.EncodeS16LE([]int16{9}))
	conn.inbound <- []byte(`{"type":"response.audio.delta","delta":"` + delta + `"}`)

	waitFor(t, func() bool {
		pb.mu.Lock()
		defer pb.mu.Unlock()
		return len(pb.enqueued) == 1
	})
}
