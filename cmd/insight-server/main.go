package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ils/insight/internal/config"
	"github.com/ils/insight/internal/domain/alert"
	"github.com/ils/insight/internal/domain/recommendation"
	"github.com/ils/insight/internal/domain/risk"
	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/auth"
	"github.com/ils/insight/internal/platform/batch"
	"github.com/ils/insight/internal/platform/db"
	"github.com/ils/insight/internal/platform/events"
	"github.com/ils/insight/internal/platform/metrics"
	"github.com/ils/insight/internal/platform/middleware"
	"github.com/ils/insight/internal/platform/openapi"
	"github.com/ils/insight/internal/platform/webhook"
)

const batchRunsPath = "/api/v1/batch-runs"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "insight-server",
		Short:         "Lab insight API: non-adaptation risk and BI recommendations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(assessCmd())
	rootCmd.AddCommand(sandboxCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the nightly batch scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// newLogger writes JSON, or colored console output in development.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "insight").Logger()
}

func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	var fan events.Fanout
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		logger.Info().Strs("brokers", brokers).Str("topic", cfg.KafkaTopic).Msg("publishing domain events to kafka")
		fan = append(fan, events.NewKafkaPublisher(brokers, cfg.KafkaTopic))
	}
	if targets := cfg.WebhookTargets(); len(targets) > 0 {
		wh, err := webhook.NewPublisher(targets, cfg.WebhookSecret,
			webhook.WithMaxRetries(cfg.WebhookMaxRetries),
			webhook.WithHTTPClient(&http.Client{Timeout: cfg.WebhookTimeout}),
			webhook.WithLogger(logger.With().Str("component", "webhook").Logger()))
		if err != nil {
			return nil, err
		}
		logger.Info().Int("targets", len(targets)).Msg("publishing domain events to webhooks")
		fan = append(fan, wh)
	}
	switch len(fan) {
	case 0:
		logger.Info().Msg("no event sinks configured, domain events are discarded")
		return events.NopPublisher{}, nil
	case 1:
		return fan[0], nil
	}
	return fan, nil
}

// services is everything the HTTP layer and the batch commands share.
type services struct {
	alerts *alert.Service
	recs   *recommendation.Service
	runner *batch.Runner
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, pub events.Publisher, reg *metrics.Registry, logger zerolog.Logger) (*services, error) {
	riskCfg, err := cfg.RiskConfig()
	if err != nil {
		return nil, err
	}
	engine, err := risk.NewEngine(riskCfg)
	if err != nil {
		return nil, err
	}
	alertSvc := alert.NewService(alert.NewRepoPG(pool), engine)
	alertSvc.SetPublisher(pub)
	alertSvc.SetMetrics(reg)
	alertSvc.SetLogger(logger.With().Str("component", "alerts").Logger())

	recCfg, err := cfg.RecommendationConfig()
	if err != nil {
		return nil, err
	}
	recSvc, err := recommendation.NewService(recommendation.NewRepoPG(pool), recCfg)
	if err != nil {
		return nil, err
	}
	recSvc.SetPublisher(pub)
	recSvc.SetMetrics(reg)
	recSvc.SetLogger(logger.With().Str("component", "recommendations").Logger())

	history := sales.NewHistoryRepoPG(pool)
	batchLogger := logger.With().Str("component", "batch").Logger()
	runner := batch.NewRunner(sales.NewAggregator(history, batchLogger), recSvc, batchLogger)
	runner.SetScope(func(ctx context.Context, tid db.TenantID) (context.Context, func(), error) {
		return db.AcquireTenant(ctx, pool, tid)
	})
	runner.SetPublisher(pub)
	runner.SetMetrics(reg)

	return &services{alerts: alertSvc, recs: recSvc, runner: runner}, nil
}

// newEcho builds the HTTP surface. Public paths are mounted on e; everything
// under /api/v1 is authenticated and tenant-scoped.
func newEcho(cfg *config.Config, logger zerolog.Logger, reg *metrics.Registry, pool *pgxpool.Pool, svc *services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, reg))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: every request is admin")
		e.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, batchRunsPath))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(pool))
	}
	e.GET("/metrics", echo.WrapHandler(reg.Handler()))

	if svc != nil {
		api := e.Group("/api/v1", db.TenantMiddleware(pool, cfg.DefaultTenant))
		alert.NewHandler(svc.alerts).RegisterRoutes(api)
		recommendation.NewHandler(svc.recs).RegisterRoutes(api)
		batch.NewHandler(svc.runner, cfg.BatchWindowMonths).RegisterRoutes(api)
	}
	openapi.NewGenerator(e, "/api/v1", version).
		Describe(http.MethodPost, "/api/v1/risk-assessments", "Score a prescription and open an alert when risky").
		Describe(http.MethodGet, "/api/v1/alerts", "List risk alerts").
		Describe(http.MethodPost, "/api/v1/alerts/:id/dismiss", "Dismiss an alert").
		Describe(http.MethodPost, "/api/v1/alerts/:id/accept", "Accept an alert").
		Describe(http.MethodGet, "/api/v1/recommendations", "List recommendations").
		Describe(http.MethodPost, "/api/v1/recommendations/:id/transition", "Move a recommendation through its lifecycle").
		Describe(http.MethodPost, batchRunsPath, "Run aggregation and synthesis for the current tenant").
		RegisterRoutes(e)
	return e
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	reg := metrics.NewRegistry()
	pub, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	if c, ok := pub.(io.Closer); ok {
		defer c.Close()
	}

	svc, err := newServices(cfg, pool, pub, reg, logger)
	if err != nil {
		return err
	}

	if cfg.BatchEnabled {
		loc, _ := cfg.BatchLocation()
		sched, err := batch.NewScheduler(cfg.BatchSchedule, svc.runner, func(ctx context.Context) ([]db.TenantID, error) {
			return db.ListTenants(ctx, pool)
		}, cfg.BatchWindowMonths, cfg.BatchConcurrency, logger.With().Str("component", "scheduler").Logger())
		if err != nil {
			return err
		}
		sched.SetLocation(loc)
		go sched.Start(ctx)
		logger.Info().Str("schedule", cfg.BatchSchedule).Time("next_run", sched.Next(time.Now())).Msg("batch scheduler started")
	}

	e := newEcho(cfg, logger, reg, pool, svc)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
