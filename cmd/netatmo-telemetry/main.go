package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	httpapi "github.com/i474232898/netatmo-telemetry/internal/api/http"
	"github.com/i474232898/netatmo-telemetry/internal/config"
	"github.com/i474232898/netatmo-telemetry/internal/i18n"
	"github.com/i474232898/netatmo-telemetry/internal/locations"
	"github.com/i474232898/netatmo-telemetry/internal/logging"
	"github.com/i474232898/netatmo-telemetry/internal/netatmo"
	"github.com/i474232898/netatmo-telemetry/internal/poller"
	"github.com/i474232898/netatmo-telemetry/internal/scheduler"
	"github.com/i474232898/netatmo-telemetry/internal/store"
	"github.com/i474232898/netatmo-telemetry/internal/telemetry"
)

var version = "dev"

const appName = "netatmo-telemetry"

func main() {
	var (
		envFile  = kingpin.Flag("env-file", "Optional .env file loaded before reading the environment.").Default(".env").String()
		once     = kingpin.Flag("once", "Authenticate, poll the station once and exit.").Bool()
		logLevel = kingpin.Flag("log.level", "Override LOG_LEVEL (debug, info, warn, error).").String()
	)
	kingpin.Version(version)
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(*logLevel)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --log.level: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logging.New(cfg.LogLevel, cfg.AppEnv, appName, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *once); err != nil {
		log.Errorw("netatmo-telemetry stopped", "error", err)
		stop()
		_ = log.Sync()
		os.Exit(1)
	}
}

// sinkBuilder is replaced in tests.
var sinkBuilder = buildSinks

// run wires the poller, scheduler and HTTP server and blocks until ctx is done.
// In once mode it polls a single time and returns. Sinks are closed on every return path.
func run(ctx context.Context, cfg *config.AppConfig, log *zap.SugaredLogger, once bool) error {
	// In-memory store with configured retention; always on, it backs the HTTP API.
	memStore := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)
	sinks, pingers, closeSinks, err := sinkBuilder(ctx, cfg, memStore, log)
	if err != nil {
		return fmt.Errorf("set up telemetry sinks: %w", err)
	}
	defer closeSinks()

	// Shared HTTP client for the Netatmo API.
	client := netatmo.NewClient(netatmo.Config{
		BaseURL:     cfg.APIBaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.HTTPTimeout},
		StationName: cfg.StationName,
	})

	p := poller.New(poller.Config{
		Credentials:    cfg.Credentials,
		Service:        cfg.Service,
		AuthAttempts:   cfg.AuthAttempts,
		AuthRetryDelay: cfg.AuthRetryDelay,
	}, client, locations.NewRegistry(cfg.Locations...), i18n.New(cfg.Language), sinks, log)

	sched := scheduler.New(p, cfg.PollInterval, log)

	if once {
		if err := sched.RunOnce(ctx); err != nil {
			return fmt.Errorf("poll failed: %w", err)
		}
		log.Infow("single poll completed", "records", p.Status().LastRecords)
		return nil
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterHealth(app, p, pingers)
	httpapi.RegisterRoutes(app, memStore)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Errorw("fiber server stopped", "error", err)
		}
	}()
	log.Infow("listening", "port", cfg.Port)

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorw("error during shutdown", "error", err)
	}
	return nil
}

// buildSinks assembles the configured telemetry sinks. The memory store is always included.
func buildSinks(ctx context.Context, cfg *config.AppConfig, memStore *store.MemoryStore, log *zap.SugaredLogger) (telemetry.MultiSink, map[string]httpapi.Pinger, func(), error) {
	sinks := telemetry.MultiSink{memStore}
	pingers := make(map[string]httpapi.Pinger)
	var closers []func()

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.HasSink(config.SinkPostgres) {
		pg, err := store.NewPostgresSink(ctx, cfg.PostgresURL, log.Named("postgres"))
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, pg)
		pingers[config.SinkPostgres] = pg
		closers = append(closers, pg.Close)
	}

	if cfg.HasSink(config.SinkMQTT) {
		mq := store.NewMQTTSink(store.MQTTConfig{
			BrokerURL:   cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log.Named("mqtt"))

		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := mq.Connect(connectCtx)
		cancel()
		if err != nil {
			mq.Close()
			closeAll()
			return nil, nil, nil, err
		}
		sinks = append(sinks, mq)
		closers = append(closers, mq.Close)
	}

	if cfg.HasSink(config.SinkKafka) {
		kf := store.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("kafka"))
		sinks = append(sinks, kf)
		closers = append(closers, kf.Close)
	}

	log.Infow("telemetry sinks ready", "sinks", cfg.Sinks)
	return sinks, pingers, closeAll, nil
}
