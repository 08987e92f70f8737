// connwatch monitors messaging-instance connections, scores their health and
// raises alerts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/config"
	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"github.com/marcus-qen/connwatch/internal/controlplane/healthcheck"
	"github.com/marcus-qen/connwatch/internal/controlplane/mcpserver"
	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"github.com/marcus-qen/connwatch/internal/controlplane/persistence"
	"github.com/marcus-qen/connwatch/internal/controlplane/retention"
	"github.com/marcus-qen/connwatch/internal/controlplane/server"
	cpws "github.com/marcus-qen/connwatch/internal/controlplane/websocket"
	"github.com/marcus-qen/connwatch/internal/notify"
	"github.com/marcus-qen/connwatch/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONNWATCH_CONFIG"), "path to the YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("connwatch %s (%s, %s)\n", version, commit, date)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("connwatch exited", zap.Error(err))
	}
}

func loadConfig(path string) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}
	return cfg, cfg.Validate()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server.Version, server.Commit, server.Date = version, commit, date
	mcpserver.Version = version

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Tracing.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Warn("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	var sink monitor.Sink
	store, err := persistence.Open(ctx, persistence.Config{
		Driver: cfg.Persistence.Driver,
		DSN:    cfg.PersistenceDSN(),
	})
	if err != nil {
		logger.Warn("cannot open database, running in-memory only",
			zap.String("driver", cfg.Persistence.Driver), zap.Error(err))
	} else {
		sink = store
		defer store.Close()
		logger.Info("database opened", zap.String("driver", string(store.Driver())))
	}

	bus := events.NewBus(256)
	m := metrics.New()

	dispatcher := notify.NewDispatcher(logger)
	closers := wireNotifications(cfg, dispatcher, logger)
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()

	client := healthcheck.NewHTTPClient(healthcheck.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Timeout: cfg.Monitoring.ProbeTimeout(),
	})

	svc, err := monitor.New(monitor.Options{
		Client:     client,
		Monitoring: cfg.Monitoring,
		ExtraRules: cfg.Rules,
		Sink:       sink,
		Bus:        bus,
		Dispatcher: dispatcher,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	if n, err := svc.Restore(ctx); err != nil {
		logger.Warn("alert restore failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("restored alerts", zap.Int("count", n))
	}

	for _, inst := range cfg.Instances {
		interval := time.Duration(inst.IntervalSeconds) * time.Second
		if err := svc.StartMonitoring(inst.ID, interval); err != nil {
			return fmt.Errorf("start monitoring %s: %w", inst.ID, err)
		}
	}

	job, err := retention.New(svc, cfg.RetentionSchedule, logger)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Monitor:   svc,
		Hub:       cpws.NewHub(bus, logger),
		Metrics:   m,
		Retention: job,
	}
	if cfg.MCPEnabled {
		deps.MCP = mcpserver.New(svc, logger).Handler()
	}
	srv, err := server.New(cfg, deps, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := job.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		job.Stop()
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if cerr := srv.Close(closeCtx); cerr != nil {
		logger.Warn("monitor shutdown incomplete", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("connwatch stopped")
	return nil
}

// wireNotifications registers the external channels enabled in config and
// returns close functions for the ones holding connections.
func wireNotifications(cfg config.Config, d *notify.Dispatcher, logger *zap.Logger) []func() error {
	toggles := cfg.Monitoring.Notifications
	n := cfg.Notifications
	var (
		channels []notify.Channel
		closers  []func() error
	)

	if toggles.Webhook {
		channels = append(channels, notify.NewWebhookChannel(n.Webhook.URL, n.Webhook.Secret, nil))
	}
	if toggles.Slack {
		channels = append(channels, notify.NewSlackChannel(n.Slack.WebhookURL, n.Slack.Channel))
	}
	if toggles.Telegram {
		channels = append(channels, notify.NewTelegramChannel(n.Telegram.BotToken, n.Telegram.ChatID))
	}
	if toggles.Email {
		channels = append(channels, notify.NewEmailChannel(n.Email.Host, n.Email.Port, n.Email.From, n.Email.To, n.Email.Username, n.Email.Password))
	}
	if toggles.Redis {
		client := notify.NewRedisClient(n.Redis.Addr, n.Redis.Password, n.Redis.DB)
		channels = append(channels, notify.NewRedisChannel(client, n.Redis.Channel))
		closers = append(closers, client.Close)
	}
	if toggles.Kafka {
		kc := notify.NewKafkaChannel(notify.NewKafkaWriter(n.Kafka.Brokers, n.Kafka.Topic))
		channels = append(channels, kc)
		closers = append(closers, kc.Close)
	}

	if len(channels) == 0 {
		return closers
	}
	var limiter *notify.RateLimiter
	if n.MaxPerHour > 0 {
		limiter = notify.NewRateLimiter(n.MaxPerHour)
	}
	d.SetRouter(notify.AllChannels(limiter, channels...))

	types := make([]string, 0, len(channels))
	for _, c := range channels {
		types = append(types, c.Type())
	}
	logger.Info("notification channels enabled", zap.Strings("channels", types))
	return closers
}
