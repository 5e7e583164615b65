package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/servwatch/servwatch/agent/internal/collect"
	"github.com/servwatch/servwatch/agent/internal/config"
	"github.com/servwatch/servwatch/agent/internal/sampler"
	"github.com/servwatch/servwatch/agent/internal/transport"
)

const statsInterval = time.Minute

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	flag.Parse()

	var level slog.LevelVar
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("servwatch-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.Info("config loaded",
		"source_id", cfg.Agent.SourceID,
		"server_url", cfg.Agent.ServerURL,
		"collect_interval", cfg.Agent.CollectInterval,
		"buffer_size", cfg.Agent.BufferSize,
		"sampler", cfg.Agent.Sampler.Type,
	)

	s, err := sampler.New(cfg.Agent.Sampler)
	if err != nil {
		slog.Error("failed to build sampler", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Hot-reload only logs changes; identity, transport and sampler settings
	// take effect on restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			slog.Info("config changed on disk, restart to apply",
				"source_id", updated.Agent.SourceID,
				"server_url", updated.Agent.ServerURL,
				"sampler", updated.Agent.Sampler.Type)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	client := transport.New(cfg.Agent)
	loop := collect.New(cfg.Agent.SourceID, cfg.Agent.CollectInterval, s, client)

	done := make(chan struct{}, 2)
	go func() {
		client.Run(ctx)
		done <- struct{}{}
	}()
	go func() {
		loop.Run(ctx)
		done <- struct{}{}
	}()
	go logStats(ctx, client, loop)

	<-ctx.Done()
	slog.Info("servwatch-agent shutting down")
	<-done
	<-done

	st := client.Stats()
	if st.Buffered > 0 {
		slog.Warn("discarding unsent snapshots", "count", st.Buffered)
	}
}

// logStats periodically reports transport and collection counters.
func logStats(ctx context.Context, client *transport.Client, loop *collect.Loop) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ts := client.Stats()
			ls := loop.Stats()
			slog.Info("agent stats",
				"connected", ts.Connected,
				"buffered", ts.Buffered,
				"sent", ts.Sent,
				"dropped", ts.Dropped,
				"connects", ts.Connects,
				"collected", ls.Collected,
				"skipped", ls.Skipped,
				"sample_failures", ls.Failed,
			)
		}
	}
}
