// Package pcm implements the ordered sample-transform chain applied to
// outbound synthesized speech before it is relayed to the caller.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Step transforms a buffer of 16-bit signed mono samples. Steps must not
// retain the input slice; they may return it unmodified or allocate a new one.
type Step func(samples []int16) []int16

// Pipeline is an ordered chain of Steps over base64-encoded PCM16LE audio.
// The step list is fixed at call time: AddStep affects subsequent Process
// calls only. A Pipeline is not safe for concurrent use; each relay session
// owns its own.
type Pipeline struct {
	steps []Step
	rng   *rand.Rand
}

// New returns a Pipeline with the default chain: normalize, first-order
// low-pass, soft-knee compression, and subtle pitch modulation.
func New() *Pipeline {
	p := &Pipeline{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.steps = []Step{
		Normalize,
		LowPass(0.2),
		SoftCompress(0.6),
		p.pitchModulate(0.003),
	}
	return p
}

// NewEmpty returns a Pipeline with no steps; Process is then a pass-through.
func NewEmpty() *Pipeline {
	return &Pipeline{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// AddStep appends a transform to the end of the chain.
func (p *Pipeline) AddStep(step Step) {
	if step == nil {
		return
	}
	p.steps = append(p.steps, step)
}

// Process runs the chain over a base64 PCM16LE buffer and re-encodes the
// result. An empty buffer is returned unchanged. A panicking step is
// recovered and reported as an error so the relay can fall back to the
// unprocessed audio.
func (p *Pipeline) Process(b64 string) (out string, err error) {
	if b64 == "" {
		return b64, nil
	}
	raw, decErr := base64.StdEncoding.DecodeString(b64)
	if decErr != nil {
		return "", fmt.Errorf("decode pcm base64: %w", decErr)
	}
	samples := DecodeS16LE(raw)
	if len(samples) == 0 {
		return b64, nil
	}

	defer func() {
		if v := recover(); v != nil {
			out = ""
			err = fmt.Errorf("pipeline step panic: %v", v)
		}
	}()

	for _, step := range p.steps {
		samples = step(samples)
	}
	return base64.StdEncoding.EncodeToString(EncodeS16LE(samples)), nil
}

// Normalize scales samples so the loudest one hits the int16 ceiling.
// Silent buffers pass through untouched.
func Normalize(samples []int16) []int16 {
	if len(samples) == 0 {
		return samples
	}
	maxAbs := 0
	for _, s := range samples {
		a := int(s)
		if a < 0 {
			a = -a
		}
		if a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return samples
	}
	scale := 32767.0 / float64(maxAbs)
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clampS16(math.Round(float64(s) * scale))
	}
	return out
}

// LowPass returns a first-order IIR low-pass step:
// out[i] = round(alpha*in[i] + (1-alpha)*out[i-1]).
func LowPass(alpha float64) Step {
	return func(samples []int16) []int16 {
		if len(samples) == 0 {
			return samples
		}
		out := make([]int16, len(samples))
		out[0] = samples[0]
		prev := float64(samples[0])
		for i := 1; i < len(samples); i++ {
			v := math.Round(alpha*float64(samples[i]) + (1-alpha)*prev)
			out[i] = clampS16(v)
			prev = v
		}
		return out
	}
}

// SoftCompress returns a soft-knee compression step: the excess above
// threshold*32767 is halved, preserving sign.
func SoftCompress(threshold float64) Step {
	knee := threshold * 32767.0
	return func(samples []int16) []int16 {
		if len(samples) == 0 {
			return samples
		}
		out := make([]int16, len(samples))
		for i, s := range samples {
			v := float64(s)
			a := math.Abs(v)
			if a <= knee {
				out[i] = s
				continue
			}
			compressed := knee + (a-knee)/2
			if v < 0 {
				compressed = -compressed
			}
			out[i] = clampS16(compressed)
		}
		return out
	}
}

// pitchModulate resamples with a nearest-neighbor read index whose step size
// wanders randomly around 1.0 by ±amount/2, giving the voice a slight
// natural waver. Output length equals input length.
func (p *Pipeline) pitchModulate(amount float64) Step {
	return func(samples []int16) []int16 {
		if len(samples) == 0 {
			return samples
		}
		out := make([]int16, len(samples))
		idx := 0.0
		last := len(samples) - 1
		for i := range out {
			j := int(idx)
			if j > last {
				j = last
			}
			out[i] = samples[j]
			idx += 1 + (p.rng.Float64()-0.5)*amount
		}
		return out
	}
}

// DecodeS16LE interprets raw bytes as little-endian int16 samples. A
// trailing odd byte is ignored.
func DecodeS16LE(raw []byte) []int16 {
	n := len(raw) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples
}

// EncodeS16LE writes samples as little-endian int16 bytes.
func EncodeS16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func clampS16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
