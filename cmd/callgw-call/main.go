// Command callgw-call places a call against a running gateway from the
// terminal: microphone in, speaker out, live transcript on stdout.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shinevoice/callgw/pkg/client/call"
)

func main() {
	_ = godotenv.Load()

	defaultRate := 1.0
	if raw := os.Getenv("CALLGW_PLAYBACK_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			defaultRate = v
		}
	}

	url := flag.String("url", envOr("CALLGW_URL", "ws://localhost:4000/ws"), "gateway websocket endpoint")
	rate := flag.Float64("rate", defaultRate, "playback rate multiplier")
	sampleRate := flag.Int("sample-rate", 24000, "playback sample rate in Hz")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctrl, err := call.Dial(call.Config{
		URL:          *url,
		SampleRate:   *sampleRate,
		PlaybackRate: *rate,
		Logger:       logger,
		OnTranscript: func(delta string) {
			fmt.Print(delta)
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "callgw-call: %v\n", err)
		os.Exit(1)
	}

	if err := ctrl.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "callgw-call: %v\n", err)
		ctrl.End()
		os.Exit(1)
	}
	fmt.Println("call connected, speak to interrupt; ctrl-c to hang up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctrl.Done():
	}
	ctrl.End()
	fmt.Println("\ncall ended")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
