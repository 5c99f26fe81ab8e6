package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jake-jlawson/dashtech/internal/config"
	"github.com/jake-jlawson/dashtech/pkg/llm"
	"github.com/jake-jlawson/dashtech/pkg/llm/factory"

	"github.com/fatih/color"
)

// ping loads the model and reports how long it took.
func ping(ctx context.Context, p llm.LLMProvider, keepAlive string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := llm.Warmup(ctx, p, keepAlive); err != nil {
		color.Red("[%s] ✗ %s not ready: %v", time.Now().Format(time.TimeOnly), p.Name(), err)
		return false
	}
	color.Green("[%s] ✓ %s warm (%s)", time.Now().Format(time.TimeOnly), p.Name(), time.Since(start).Round(time.Millisecond))
	return true
}

func main() {
	cfg := config.Load()

	once := flag.Bool("once", false, "warm once and exit")
	interval := flag.Duration("interval", 25*time.Minute, "time between pings")
	keepAlive := flag.String("keep-alive", cfg.Ai.KeepAlive, "how long the backend keeps the model resident")
	timeout := flag.Duration("timeout", 2*time.Minute, "per-ping timeout")
	flag.Parse()

	provider, err := factory.NewLLMProvider(cfg.Ai.LLMProvider, cfg.Ai.LLMModel, cfg.Ai.OllamaBaseURL, *keepAlive)
	if err != nil {
		color.Red("Failed to init provider: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	color.Cyan("🔥 Warming %s (keep-alive %s)", provider.Name(), *keepAlive)
	ok := ping(ctx, provider, *keepAlive, *timeout)
	if *once {
		if !ok {
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			color.Yellow("Stopped.")
			return
		case <-ticker.C:
			ping(ctx, provider, *keepAlive, *timeout)
		}
	}
}
