// Package main is the entry point for the alerts-service, the streaming
// face of the Verdantis alerts pipeline: filter, dedupe, route, and role
// portal projections over a live platform event stream.
//
// Dependencies:
//   - NATS: consumes events.>, consumes SYSTEM_EVENTS.cron.*, publishes alerts.fired
//   - Postgres (optional): delivery_logs audit trail for live webhook sends
//   - Vault (optional): PG_URL, NATS_URL, AUTH_SECRET, PUBLIC_MASK_SECRET
//
// @title        Alerts Service
// @version      1.0
// @description  Streaming alerts pipeline: subscription filtering, duplicate suppression, channel routing, and role-gated portal views.
// @host         localhost:8080
// @BasePath     /
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/verdantis/alerts-service/internal/auth"
	"github.com/verdantis/alerts-service/internal/bus"
	"github.com/verdantis/alerts-service/internal/config"
	"github.com/verdantis/alerts-service/internal/consumer"
	"github.com/verdantis/alerts-service/internal/dedupe"
	"github.com/verdantis/alerts-service/internal/dispatcher"
	"github.com/verdantis/alerts-service/internal/handler"
	"github.com/verdantis/alerts-service/internal/natsclient"
	"github.com/verdantis/alerts-service/internal/pipeline"
	"github.com/verdantis/alerts-service/internal/projection"
	"github.com/verdantis/alerts-service/internal/repository"
	"github.com/verdantis/alerts-service/internal/router"
	"github.com/verdantis/alerts-service/internal/scheduler"
	"github.com/verdantis/alerts-service/internal/secrets"
	"github.com/verdantis/alerts-service/internal/telemetry"
)

const serviceName = "alerts-service"

// deliveryLogRetention is how long live webhook delivery attempts are
// kept in Postgres before the daily prune removes them.
const deliveryLogRetention = 30 * 24 * time.Hour

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logDir := envOr("LOG_DIR", "data/observability/logs")
	logger, logClose, err := telemetry.NewLogger(serviceName, logDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer logClose()

	// ── OpenTelemetry Tracer + Meter ───────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}

		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("OTel meter init failed", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// ── Vault Secret Loading ───────────────────────────────────────────────
	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/verdantis/alerts-service")

	vaultManager, err := secrets.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Warn("Vault connection failed, using env secrets", zap.Error(err))
		vaultManager = nil
	}
	vals := secrets.Load(vaultManager, secretPath, logger)

	// ── Postgres (optional) ────────────────────────────────────────────────
	// An empty PG_URL disables the delivery audit trail; live webhook
	// sends still happen, they just are not recorded.
	var pool *pgxpool.Pool
	var queries *repository.Queries
	if vals.PGURL != "" {
		poolCfg, err := pgxpool.ParseConfig(vals.PGURL)
		if err != nil {
			logger.Fatal("bad PG_URL", zap.Error(err))
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pool, err = pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			logger.Fatal("Postgres connection failed", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("Postgres connected")

		queries = repository.New(pool)
	}

	// ── NATS JetStream ─────────────────────────────────────────────────────
	natsClient, err := natsclient.NewClient(vals.NATSURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}
	logger.Info("NATS JetStream ready")

	// ── Alert Bus ──────────────────────────────────────────────────────────
	eventBus, err := bus.New(bus.Config{
		Backend:  envOr("BUS_BACKEND", bus.BackendNATS),
		FilePath: os.Getenv("BUS_FILE_PATH"),
		RedisURL: vals.RedisURL,
	}, natsClient, logger)
	if err != nil {
		logger.Fatal("alert bus init failed", zap.Error(err))
	}
	defer eventBus.Close()

	// ── Pipeline Wiring ────────────────────────────────────────────────────
	configDir := envOr("CONFIG_DIR", "configs")
	dataDir := envOr("DATA_DIR", "data")

	store, err := config.NewStore(configDir, logger)
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	dedupeCfg, err := dedupe.LoadConfig(filepath.Join(configDir, config.DedupeFile))
	if err != nil {
		logger.Warn("dedupe config unavailable, using defaults", zap.Error(err))
		dedupeCfg = dedupe.DefaultConfig()
	}

	publicCfg := projection.DefaultPublicConfig()
	publicCfgPath := filepath.Join(configDir, config.PublicPortalFile)
	if cfg, err := projection.LoadPublicConfig(publicCfgPath); err == nil {
		publicCfg = cfg
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("public portal config unreadable, using defaults", zap.Error(err))
	}

	// Live webhook channels sign with the shared service secret and
	// record attempts when Postgres is configured. Everything else goes
	// to outbox files.
	// TODO: carry per-channel signing secrets in the routes config
	// instead of reusing the service secret.
	var deliveryRecorder dispatcher.DeliveryRecorder
	if queries != nil {
		deliveryRecorder = repository.NewDeliveryLogRecorder(queries, logger)
	}
	sinks := func(ch router.Channel) (dispatcher.Sink, bool) {
		if ch.Type == "webhook" && ch.Endpoint != "" {
			return dispatcher.NewHTTPWebhook(ch.ID, ch.Endpoint, vals.AuthSecret, deliveryRecorder, logger), true
		}
		return router.OutboxSinks(ch)
	}

	exporter := telemetry.NewExporter(logger)

	svc, err := pipeline.NewService(pipeline.ServiceOptions{
		Store:        store,
		DedupeConfig: dedupeCfg,
		StatePath:    filepath.Join(dataDir, "state", "dedupe_state.json"),
		DataDir:      dataDir,
		Sinks:        sinks,
		Regulator: projection.RegulatorOptions{
			AssetsGeoJSONPath: os.Getenv("ASSETS_GEOJSON"),
			BundlesIndexPath:  os.Getenv("BUNDLES_INDEX"),
		},
		Investor: projection.InvestorOptions{
			CausalSeriesDir: os.Getenv("CAUSAL_SERIES_DIR"),
			NewsPath:        os.Getenv("NEWS_SENTIMENT"),
		},
		Public:           publicCfg,
		PublicConfigPath: publicCfgPath,
		MaskSecret:       vals.MaskSecret,
		Exporter:         exporter,
		Bus:              eventBus,
	}, logger)
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	// Rebuild portal artefacts from the checkpointed snapshot so the
	// HTTP surface serves immediately after a restart.
	if err := svc.RefreshViews(context.Background()); err != nil {
		logger.Warn("initial view refresh failed", zap.Error(err))
	}

	// ── NATS Event Consumer ────────────────────────────────────────────────
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	go func() {
		if err := store.Watch(consumerCtx); err != nil {
			logger.Error("config watcher stopped", zap.Error(err))
		}
	}()

	eventConsumer := consumer.NewEventConsumer(natsClient, svc, logger)
	if err := eventConsumer.Start(consumerCtx); err != nil {
		logger.Fatal("event consumer start failed", zap.Error(err))
	}

	// ── Cron Consumer + Scheduler ──────────────────────────────────────────
	tasks := consumer.MaintenanceTasks{
		RebuildProjections: func(ctx context.Context) error {
			if err := svc.RefreshViews(ctx); err != nil {
				return err
			}
			svc.ResetDeliveryBudgets()
			return nil
		},
		CheckpointState: svc.Checkpoint,
	}
	if queries != nil {
		tasks.PruneLogs = func(ctx context.Context) error {
			cutoff := pgtype.Timestamptz{Time: time.Now().Add(-deliveryLogRetention), Valid: true}
			pruned, err := queries.PruneDeliveryLogs(ctx, cutoff)
			if err != nil {
				return err
			}
			logger.Info("pruned delivery logs", zap.Int64("rows", pruned))
			return nil
		}
	}

	cronConsumer := consumer.NewCronConsumer(natsClient, tasks, logger)
	if err := cronConsumer.Start(consumerCtx); err != nil {
		logger.Fatal("cron consumer start failed", zap.Error(err))
	}

	cronScheduler := scheduler.NewCronScheduler(natsClient, logger)
	if err := cronScheduler.Start(); err != nil {
		logger.Fatal("cron scheduler start failed", zap.Error(err))
	}

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.RegisterRoutes(e, svc, auth.NewVerifier(vals.AuthSecret), exporter, logger)

	port := envOr("PORT", "8080")
	go func() {
		logger.Info("alerts-service listening on :" + port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	consumerCancel()
	cronScheduler.Stop()

	// Persist dedupe state so a restart resumes suppression where the
	// last consumed batch left off.
	if err := svc.Checkpoint(context.Background()); err != nil {
		logger.Error("final state checkpoint failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("alerts-service shut down cleanly")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
