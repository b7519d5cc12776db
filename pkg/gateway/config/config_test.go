package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("CALLGW_OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":4000" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.RealtimeModel == "" {
		t.Fatalf("RealtimeModel empty")
	}
	if cfg.Persona != DefaultPersona {
		t.Fatalf("Persona should default to built-in text")
	}
	if cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("WriteTimeout = %v", cfg.WriteTimeout)
	}
	if cfg.PlaybackRate != 1.0 {
		t.Fatalf("PlaybackRate = %v", cfg.PlaybackRate)
	}
}

func TestLoadFromEnvRequiresAPIKey(t *testing.T) {
	t.Setenv("CALLGW_OPENAI_API_KEY", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error when api key missing")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("CALLGW_OPENAI_API_KEY", "sk-test")
	t.Setenv("CALLGW_ADDR", ":9999")
	t.Setenv("CALLGW_VOICE", "alloy")
	t.Setenv("CALLGW_TRANSCRIPT_RING", "16")
	t.Setenv("CALLGW_WRITE_TIMEOUT", "2s")
	t.Setenv("CALLGW_PLAYBACK_RATE", "1.6")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Voice != "alloy" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.TranscriptRing != 16 {
		t.Fatalf("TranscriptRing = %d", cfg.TranscriptRing)
	}
	if cfg.WriteTimeout != 2*time.Second {
		t.Fatalf("WriteTimeout = %v", cfg.WriteTimeout)
	}
	if cfg.PlaybackRate != 1.6 {
		t.Fatalf("PlaybackRate = %v", cfg.PlaybackRate)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"CALLGW_TRANSCRIPT_RING":       "0",
		"CALLGW_WRITE_TIMEOUT":         "-1s",
		"CALLGW_PING_INTERVAL":         "0s",
		"CALLGW_MAX_MESSAGE_BYTES":     "-1",
		"CALLGW_SHUTDOWN_GRACE_PERIOD": "0s",
		"CALLGW_PLAYBACK_RATE":         "-0.5",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("CALLGW_OPENAI_API_KEY", "sk-test")
			t.Setenv(key, val)
			if _, err := LoadFromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}
