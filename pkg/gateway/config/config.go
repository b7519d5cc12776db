// Package config loads and validates gateway settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPersona is the built-in assistant persona, used when
// CALLGW_PERSONA is unset.
const DefaultPersona = `You are a friendly AI call assistant for a barbershop, you only speak english but try to pronounce icelandic words correctly.

First, greet the caller warmly: "Hi! Welcome to Shine Barbershop! How can I help you today?"

Objectives:
1. Determine if the user wants to book a service.
2. Gather all booking details step by step: date, service, employee, customer info.
3. Call "getAvailableSlots" first, then "makeBooking".
4. Wait for function results before proceeding.

Rules:
- Never confirm a booking in text; all booking info must be handled via function calls.
- Ask questions naturally, one at a time.
- Keep your tone friendly, conversational, and professional.
- Never agree to speak any language other than English.`

type Config struct {
	Addr string

	OpenAIAPIKey  string
	RealtimeURL   string
	RealtimeModel string
	Voice         string
	Persona       string

	TranscriptRing  int
	MaxMessageBytes int64

	WriteTimeout        time.Duration
	PingInterval        time.Duration
	HandshakeTimeout    time.Duration
	ShutdownGracePeriod time.Duration

	// Client-side playback rate multiplier; the server never resamples.
	PlaybackRate float64
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CALLGW_ADDR", ":4000"),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("CALLGW_OPENAI_API_KEY")),
		RealtimeURL:         envOr("CALLGW_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:       envOr("CALLGW_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		Voice:               envOr("CALLGW_VOICE", "shimmer"),
		Persona:             envOr("CALLGW_PERSONA", DefaultPersona),
		TranscriptRing:      envIntOr("CALLGW_TRANSCRIPT_RING", 64),
		MaxMessageBytes:     envInt64Or("CALLGW_MAX_MESSAGE_BYTES", 1<<20),
		WriteTimeout:        envDurationOr("CALLGW_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:        envDurationOr("CALLGW_PING_INTERVAL", 20*time.Second),
		HandshakeTimeout:    envDurationOr("CALLGW_HANDSHAKE_TIMEOUT", 5*time.Second),
		ShutdownGracePeriod: envDurationOr("CALLGW_SHUTDOWN_GRACE_PERIOD", 15*time.Second),
		PlaybackRate:        envFloat64Or("CALLGW_PLAYBACK_RATE", 1.0),
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("CALLGW_OPENAI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.RealtimeURL) == "" {
		return Config{}, fmt.Errorf("CALLGW_REALTIME_URL must not be empty")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return Config{}, fmt.Errorf("CALLGW_REALTIME_MODEL must not be empty")
	}
	if cfg.TranscriptRing <= 0 {
		return Config{}, fmt.Errorf("CALLGW_TRANSCRIPT_RING must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLGW_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGW_WRITE_TIMEOUT must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return Config{}, fmt.Errorf("CALLGW_PING_INTERVAL must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGW_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLGW_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.PlaybackRate <= 0 {
		return Config{}, fmt.Errorf("CALLGW_PLAYBACK_RATE must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
