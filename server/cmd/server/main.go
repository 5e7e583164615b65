package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/servwatch/servwatch/server/internal/alerting"
	"github.com/servwatch/servwatch/server/internal/api"
	"github.com/servwatch/servwatch/server/internal/auth"
	"github.com/servwatch/servwatch/server/internal/config"
	"github.com/servwatch/servwatch/server/internal/gateway"
	"github.com/servwatch/servwatch/server/internal/history"
	"github.com/servwatch/servwatch/server/internal/ownership"
	"github.com/servwatch/servwatch/server/internal/rules"
	"github.com/servwatch/servwatch/server/internal/storage"
	"github.com/servwatch/servwatch/server/internal/store"
	"github.com/servwatch/servwatch/server/internal/ws"
)

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

	slog.Info("servwatch-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"snapshot_ttl", cfg.Server.Snapshot.TTL,
		"rules_backend", cfg.Server.Rules.Backend,
		"ownership_backend", cfg.Server.Ownership.Backend,
		"history_backends", cfg.Server.History.Backends,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, cfg); err != nil {
		slog.Error("servwatch-server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, cfg *config.Config) error {
	sc := cfg.Server
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// Postgres is opened only when some backend needs it.
	var db *sql.DB
	if sc.Rules.Backend == "postgres" || sc.Ownership.Backend == "postgres" || sc.History.Enabled("postgres") {
		var err error
		db, err = storage.Open(ctx, sc.Storage.DSN())
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("postgres connected")
	}

	// Rule source.
	var (
		ruleSource  alerting.RuleSource
		staticRules *rules.Static
	)
	if sc.Rules.Backend == "postgres" {
		ruleSource = rules.NewPostgres(db)
	} else {
		var err error
		staticRules, err = rules.NewStatic(rules.FromConfig(sc.Alerts.Rules))
		if err != nil {
			return fmt.Errorf("load alert rules: %w", err)
		}
		ruleSource = staticRules
	}

	// Ownership resolver, optionally fronted by Redis.
	var (
		owners       ownership.Resolver
		staticOwners *ownership.Static
	)
	if sc.Ownership.Backend == "postgres" {
		owners = ownership.NewPostgres(db)
	} else {
		staticOwners = ownership.NewStatic(sc.Ownership.Sources)
		owners = staticOwners
	}
	if addr := sc.Ownership.Cache.RedisAddr; addr != "" {
		rdb, err := ownership.ConnectRedis(ctx, addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		owners = ownership.NewCached(owners, rdb, sc.Ownership.Cache.TTL)
		slog.Info("ownership cache enabled", "redis_addr", addr, "ttl", sc.Ownership.Cache.TTL)
	}

	// History sinks.
	var recorders []history.Recorder
	if sc.History.Enabled("postgres") {
		recorders = append(recorders, history.NewPostgres(db))
	}
	if sc.History.Enabled("kafka") {
		k := history.NewKafka(sc.History.Kafka.Brokers, sc.History.Kafka.Topic)
		defer k.Close()
		recorders = append(recorders, k)
	}
	if sc.History.Enabled("webhook") {
		recorders = append(recorders, history.NewWebhook(sc.History.Webhooks))
	}
	historyWriter := history.NewWriter(sc.History.QueueSize, recorders...)
	historyDone := make(chan struct{})
	go func() {
		historyWriter.Run(ctx)
		close(historyDone)
	}()

	// Latest snapshot store with background TTL eviction.
	st := store.New(sc.Snapshot.TTL)
	go st.Run(ctx)

	engine := alerting.New(ruleSource, alerting.WithResolveOnOpenBreach(sc.Alerts.ResolveOpenBreaches))

	verifier := auth.NewStaticVerifier(sc.Sessions.Tokens)
	hub := ws.New(verifier, sc.Fanout.SendBuffer)
	go hub.Run(ctx)

	gw := gateway.New(st, owners, engine, hub, historyWriter,
		gateway.WithRecheck(sc.Alerts.RecheckInterval))
	go gw.Run(ctx)

	// Hot reload of the static tables.
	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			applyReload(next, staticRules, staticOwners, verifier, engine)
		})
		if err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	agentAuth := auth.APIKeyMiddleware(sc.Auth.Mode, sc.Auth.EffectiveHeader(), sc.Auth.Key())

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", api.New(st, engine, verifier))
	httpMux.Handle("/ws/agent", agentAuth(gw))
	httpMux.Handle("/ws/stream", hub)
	httpMux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", sc.HTTPPort),
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", sc.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
	}
	slog.Info("servwatch-server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck

	// Let the history writer drain before the database closes.
	stop()
	<-historyDone
	return runErr
}

// applyReload swaps the tables that can change without a restart. Backends,
// ports and sinks still require one.
func applyReload(next *config.Config, staticRules *rules.Static, staticOwners *ownership.Static, verifier *auth.StaticVerifier, engine *alerting.Engine) {
	sc := next.Server
	if staticRules != nil {
		removed, err := staticRules.Replace(rules.FromConfig(sc.Alerts.Rules))
		if err != nil {
			slog.Error("config reload: alert rules rejected, keeping previous set", "err", err)
		} else {
			engine.Forget(removed...)
			slog.Info("config reload: alert rules updated", "count", len(sc.Alerts.Rules), "removed", len(removed))
		}
	}
	if staticOwners != nil {
		staticOwners.Replace(sc.Ownership.Sources)
		slog.Info("config reload: ownership map updated", "sources", len(sc.Ownership.Sources))
	}
	verifier.Replace(sc.Sessions.Tokens)
	slog.Info("config reload: session tokens updated", "count", len(sc.Sessions.Tokens))
}
