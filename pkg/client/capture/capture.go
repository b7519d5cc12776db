// Package capture runs the caller-side microphone loop: 16 kHz mono frames
// are chunked, base64 encoded and handed to the session as append messages,
// with voice-activity detection for barge-in.
package capture

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/shinevoice/callgw/pkg/audio/pcm"
	"github.com/shinevoice/callgw/pkg/gateway/relay/protocol"
)

const (
	DefaultSampleRate   = 16000
	DefaultFrameSamples = 4096
)

// State is the capture loop lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config wires the loop to its session.
type Config struct {
	SampleRate   int
	FrameSamples int
	// Send delivers one protocol message to the gateway.
	Send func(payload any) error
	// OnSpeechStart fires once per contiguous loud region (see VAD).
	OnSpeechStart func()
	Logger        *slog.Logger
}

type audioDevice interface {
	Start() error
	Stop() error
}

// deviceFactory opens the platform capture device and routes raw PCM16LE
// bytes into onData. The returned func releases the device.
type deviceFactory func(sampleRate int, onData func([]byte)) (audioDevice, func(), error)

// Loop is the capture state machine. All public methods are safe for
// concurrent use.
type Loop struct {
	cfg       Config
	logger    *slog.Logger
	newDevice deviceFactory

	mu      sync.Mutex
	state   State
	pending []int16
	vad     *VAD
	device  audioDevice
	release func()
}

func NewLoop(cfg Config) *Loop {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = DefaultFrameSamples
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Loop{
		cfg:       cfg,
		logger:    cfg.Logger,
		newDevice: malgoDevice,
		state:     StateStopped,
	}
	l.vad = NewVAD(cfg.OnSpeechStart)
	return l
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start opens the device and brackets the stream with an
// input_audio_buffer.start message. Starting an already running loop is an
// error; a stopped loop may be started again.
func (l *Loop) Start() error {
	l.mu.Lock()
	if l.state != StateStopped {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("capture loop is %s", state)
	}
	l.state = StateStarting
	l.pending = l.pending[:0]
	l.mu.Unlock()

	device, release, err := l.newDevice(l.cfg.SampleRate, l.feed)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("open capture device: %w", err)
	}
	if err := l.cfg.Send(protocol.CallerAudioBracket{Type: protocol.TypeAudioStart}); err != nil {
		release()
		l.setState(StateStopped)
		return fmt.Errorf("send capture start: %w", err)
	}
	if err := device.Start(); err != nil {
		release()
		l.setState(StateStopped)
		return fmt.Errorf("start capture device: %w", err)
	}

	l.mu.Lock()
	l.device = device
	l.release = release
	l.state = StateRunning
	l.mu.Unlock()
	l.logger.Info("capture started", "sample_rate", l.cfg.SampleRate, "frame_samples", l.cfg.FrameSamples)
	return nil
}

// Stop halts the device and brackets the stream with an
// input_audio_buffer.stop message. Stopping a stopped loop is a no-op.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	device := l.device
	release := l.release
	l.device = nil
	l.release = nil
	l.mu.Unlock()

	if device != nil {
		if err := device.Stop(); err != nil {
			l.logger.Warn("capture device stop failed", "error", err)
		}
	}
	if release != nil {
		release()
	}
	err := l.cfg.Send(protocol.CallerAudioBracket{Type: protocol.TypeAudioStop})
	l.setState(StateStopped)
	l.logger.Info("capture stopped")
	if err != nil {
		return fmt.Errorf("send capture stop: %w", err)
	}
	return nil
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// feed accepts raw device bytes, runs the VAD, and emits every full frame.
// Called from the device's audio thread; keep it allocation-light.
func (l *Loop) feed(data []byte) {
	samples := pcm.DecodeS16LE(data)
	if len(samples) == 0 {
		return
	}

	l.mu.Lock()
	if l.state != StateRunning && l.state != StateStarting {
		l.mu.Unlock()
		return
	}
	l.vad.Process(samples)
	l.pending = append(l.pending, samples...)

	var frames [][]int16
	for len(l.pending) >= l.cfg.FrameSamples {
		frame := make([]int16, l.cfg.FrameSamples)
		copy(frame, l.pending[:l.cfg.FrameSamples])
		l.pending = l.pending[l.cfg.FrameSamples:]
		frames = append(frames, frame)
	}
	l.mu.Unlock()

	for _, frame := range frames {
		msg := protocol.CallerAudioAppend{
			Type:  protocol.TypeAudioAppend,
			Audio: base64.StdEncoding.EncodeToString(pcm.EncodeS16LE(frame)),
		}
		if err := l.cfg.Send(msg); err != nil {
			l.logger.Warn("send audio frame failed", "error", err)
			return
		}
	}
}

// malgoDevice opens the default microphone via miniaudio at the requested
// rate, mono S16.
func malgoDevice(sampleRate int, onData func([]byte)) (audioDevice, func(), error) {
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	malgoCtx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			onData(pInputSamples)
		},
	}
	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = malgoCtx.Uninit()
		return nil, nil, err
	}
	release := func() {
		device.Uninit()
		_ = malgoCtx.Uninit()
	}
	return device, release, nil
}
