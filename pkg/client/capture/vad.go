package capture

import (
	"math"
	"time"
)

// VAD is a loudness-threshold energy gate with debounce. A frame whose RMS
// exceeds Threshold marks the caller as speaking; the onset callback fires
// once per contiguous loud region. Silence lasting Debounce resets the gate
// so the next loud frame fires again.
type VAD struct {
	Threshold float64
	Debounce  time.Duration
	OnOnset   func()

	now      func() time.Time
	speaking bool
	lastLoud time.Time
}

// NewVAD returns a gate with the default 0.02 threshold and 800ms debounce.
func NewVAD(onOnset func()) *VAD {
	return &VAD{
		Threshold: 0.02,
		Debounce:  800 * time.Millisecond,
		OnOnset:   onOnset,
		now:       time.Now,
	}
}

// Process evaluates one frame of samples.
func (v *VAD) Process(samples []int16) {
	if len(samples) == 0 {
		return
	}
	ts := v.now()
	if v.speaking && ts.Sub(v.lastLoud) >= v.Debounce {
		v.speaking = false
	}
	if RMS(samples) <= v.Threshold {
		return
	}
	v.lastLoud = ts
	if !v.speaking {
		v.speaking = true
		if v.OnOnset != nil {
			v.OnOnset()
		}
	}
}

// Speaking reports the gate state as of the last processed frame.
func (v *VAD) Speaking() bool { return v.speaking }

// RMS computes root-mean-square energy over samples normalized to [-1, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
