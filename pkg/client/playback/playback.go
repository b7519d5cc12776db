// Package playback plays synthesized speech chunks strictly in arrival
// order, with an immediate flush path for barge-in.
package playback

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/shinevoice/callgw/pkg/audio/pcm"
)

// Player renders one PCM16LE buffer and reports completion. Stop halts the
// in-flight buffer immediately and discards whatever is buffered.
type Player interface {
	Play(pcmBytes []byte, done func())
	Stop()
}

// PlayerFactory opens a Player for the given sample rate.
type PlayerFactory func(sampleRate int) (Player, error)

// Queue is a strict-FIFO playback queue over base64 PCM16 chunks. Chunks
// never merge; the next starts only when the current one finishes. Stop
// empties the queue and halts in-flight audio; it is idempotent and safe on
// a never-started queue.
type Queue struct {
	rate      float64
	logger    *slog.Logger
	newPlayer PlayerFactory

	mu         sync.Mutex
	player     Player
	sampleRate int
	fifo       [][]byte
	playing    bool
	gen        uint64
}

// NewQueue returns a queue playing at the given rate multiplier (1.0 is
// natural speed) through the default speaker.
func NewQueue(rate float64, logger *slog.Logger) *Queue {
	if rate <= 0 {
		rate = 1.0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		rate:      rate,
		logger:    logger,
		newPlayer: newOtoPlayer,
	}
}

// Enqueue decodes a base64 PCM16LE chunk, applies the rate multiplier, and
// appends it to the queue. Playback starts immediately when idle.
func (q *Queue) Enqueue(b64 string, sampleRate int) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode chunk base64: %w", err)
	}
	samples := pcm.DecodeS16LE(raw)
	if len(samples) == 0 {
		return nil
	}
	if q.rate != 1.0 {
		samples = resampleRate(samples, q.rate)
	}
	chunk := pcm.EncodeS16LE(samples)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.player == nil {
		player, err := q.newPlayer(sampleRate)
		if err != nil {
			return fmt.Errorf("open playback device: %w", err)
		}
		q.player = player
		q.sampleRate = sampleRate
	}
	q.fifo = append(q.fifo, chunk)
	if !q.playing {
		q.startNextLocked()
	}
	return nil
}

// Stop flushes the queue and halts the in-flight chunk. Pending completion
// callbacks from before the flush are ignored.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.fifo = nil
	q.gen++
	player := q.player
	wasPlaying := q.playing
	q.playing = false
	q.mu.Unlock()

	if player != nil && wasPlaying {
		player.Stop()
	}
}

// Pending reports how many chunks are queued behind the one playing.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// Playing reports whether a chunk is currently being rendered.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func (q *Queue) startNextLocked() {
	if len(q.fifo) == 0 {
		q.playing = false
		return
	}
	chunk := q.fifo[0]
	q.fifo = q.fifo[1:]
	q.playing = true
	gen := q.gen
	q.player.Play(chunk, func() { q.chunkDone(gen) })
}

func (q *Queue) chunkDone(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		// Flushed while this chunk was in flight.
		return
	}
	q.startNextLocked()
}

// resampleRate resamples by nearest neighbor: rate > 1 shortens the buffer
// (faster playback), rate < 1 stretches it.
func resampleRate(samples []int16, rate float64) []int16 {
	n := int(float64(len(samples)) / rate)
	if n <= 0 {
		return nil
	}
	out := make([]int16, n)
	last := len(samples) - 1
	for i := range out {
		j := int(float64(i) * rate)
		if j > last {
			j = last
		}
		out[i] = samples[j]
	}
	return out
}

// otoPlayer renders chunks through the default speaker. One oto context per
// process is the library's contract, so the context is package-cached.
type otoPlayer struct {
	ctx *oto.Context

	mu      sync.Mutex
	current *oto.Player
}

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func newOtoPlayer(sampleRate int) (Player, error) {
	otoOnce.Do(func() {
		opts := &oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   4800,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			otoErr = err
			return
		}
		<-ready
		otoCtx = ctx
	})
	if otoErr != nil {
		return nil, otoErr
	}
	return &otoPlayer{ctx: otoCtx}, nil
}

func (p *otoPlayer) Play(pcmBytes []byte, done func()) {
	player := p.ctx.NewPlayer(bytes.NewReader(pcmBytes))
	p.mu.Lock()
	p.current = player
	p.mu.Unlock()
	player.Play()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			p.mu.Lock()
			stillCurrent := p.current == player
			p.mu.Unlock()
			if !stillCurrent {
				return
			}
			if !player.IsPlaying() {
				p.mu.Lock()
				if p.current == player {
					p.current = nil
				}
				p.mu.Unlock()
				_ = player.Close()
				done()
				return
			}
		}
	}()
}

func (p *otoPlayer) Stop() {
	p.mu.Lock()
	player := p.current
	p.current = nil
	p.mu.Unlock()
	if player == nil {
		return
	}
	// Pause first so audio halts now, then drop oto's buffered tail.
	player.Pause()
	player.Reset()
	_ = player.Close()
}
