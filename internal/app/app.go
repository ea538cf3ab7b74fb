// Package app assembles the fern service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/handlers"
	"github.com/Ramsey-B/fern/pkg/aggregator"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/connectors"
	"github.com/Ramsey-B/fern/pkg/connectors/adsa"
	"github.com/Ramsey-B/fern/pkg/connectors/adsb"
	"github.com/Ramsey-B/fern/pkg/connectors/analyticsc"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/insights"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/logging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/recommendations"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/vault"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

const (
	depTracing   = "tracing"
	depDatabase  = "database"
	depRedis     = "redis"
	depEvents    = "events"
	depServices  = "services"
	depConsumer  = "consumer"
	depScheduler = "scheduler"
	depHTTP      = "http"

	shutdownTimeout = 30 * time.Second
)

type App struct {
	cfg     *config.Config
	logger  ectologger.Logger
	zap     *zap.Logger
	keys    *vault.Keyring
	startup *startup.Startup
	health  *health.Checker

	tracer    *tracing.Provider
	sqlDB     *sqlx.DB
	db        database.DB
	redis     *redis.Client
	producer  *kafka.Producer
	bus       *events.LocalBus
	publisher events.Publisher
	consumer  *kafka.Consumer

	integrations *repositories.IntegrationRepository
	vault        *vault.Vault
	orchestrator *orchestrator.Orchestrator
	aggregator   *aggregator.Aggregator
	engine       *recommendations.Engine
	reporter     *insights.Reporter
	scheduler    *scheduler.Scheduler
	server       *echo.Echo
}

// New validates what can be checked without the network and registers the startup graph
func New(cfg *config.Config) (*App, error) {
	logger, zapLogger := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.PrettyLogs,
		File:   cfg.LogFile,
	})

	keys, err := vault.NewKeyring(cfg.CredentialsKeyVersion, cfg.CredentialsEncryptionKey, cfg.CredentialsRetiredKeys)
	if err != nil {
		return nil, fmt.Errorf("credential keys: %w", err)
	}

	a := &App{
		cfg:     cfg,
		logger:  logger,
		zap:     zapLogger,
		keys:    keys,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
		health:  health.NewChecker(Version),
	}

	a.health.AddCheck("database", health.PingCheck(func(ctx context.Context) error { return a.db.PingContext(ctx) }))
	a.health.AddCheck("redis", health.PingCheck(func(ctx context.Context) error { return a.redis.Ping(ctx) }))
	if len(cfg.KafkaBrokerList()) > 0 {
		a.health.AddCheck("kafka_consumer", health.FlagCheck(func() bool {
			return a.consumer != nil && a.consumer.Health()
		}, "sync event consumer is not running"))
	}

	a.startup.AddDependency(&startup.Func{Name: depTracing, OnStart: a.startTracing, OnStop: a.stopTracing})
	a.startup.AddDependency(&startup.Func{Name: depDatabase, OnStart: a.startDatabase, OnStop: a.stopDatabase})
	a.startup.AddDependency(&startup.Func{Name: depRedis, OnStart: a.startRedis, OnStop: a.stopRedis})
	a.startup.AddDependency(&startup.Func{Name: depEvents, OnStart: a.startEvents, OnStop: a.stopEvents})
	a.startup.AddDependency(&startup.Func{
		Name:     depServices,
		Requires: []string{depTracing, depDatabase, depRedis, depEvents},
		OnStart:  a.startServices,
		OnStop:   a.stopServices,
	})
	a.startup.AddDependency(&startup.Func{
		Name:     depConsumer,
		Requires: []string{depServices},
		OnStart:  a.startConsumer,
		OnStop:   a.stopConsumer,
	})
	a.startup.AddDependency(&startup.Func{
		Name:     depScheduler,
		Requires: []string{depServices},
		OnStart:  a.startScheduler,
		OnStop:   a.stopScheduler,
	})
	a.startup.AddDependency(&startup.Func{
		Name:     depHTTP,
		Requires: []string{depServices, depConsumer, depScheduler},
		OnStart:  a.startHTTP,
		OnStop:   a.stopHTTP,
	})

	return a, nil
}

func (a *App) Logger() ectologger.Logger {
	return a.logger
}

// Run starts every dependency, serves until ctx is cancelled, then shuts down in reverse order
func (a *App) Run(ctx context.Context) error {
	defer func() { _ = a.zap.Sync() }()

	if err := a.startup.Start(ctx); err != nil {
		a.logger.WithError(err).Error("Startup failed")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.startup.Stop(stopCtx)
		return err
	}
	a.health.SetReady(true)
	a.logger.Infof("%s is ready", a.cfg.AppName)

	<-ctx.Done()
	a.health.SetReady(false)
	a.logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.startup.Stop(stopCtx)
}

func (a *App) startTracing(ctx context.Context) error {
	var otlp *exporters.OTLPConfig
	if a.cfg.OTLPEnabled {
		otlp = &exporters.OTLPConfig{
			Endpoint: a.cfg.OTLPEndpoint,
			Protocol: a.cfg.OTLPProtocol,
			Insecure: a.cfg.OTLPInsecure,
		}
	}
	provider, err := tracing.NewProvider(ctx, a.cfg.AppName, otlp)
	if err != nil {
		return err
	}
	a.tracer = provider
	return nil
}

func (a *App) stopTracing(ctx context.Context) error {
	return a.tracer.Shutdown(ctx)
}

func (a *App) startDatabase(ctx context.Context) error {
	sqlDB, err := database.Connect(ctx, database.ConnectionConfig{
		Host:            a.cfg.DatabaseHost,
		Port:            a.cfg.DatabasePort,
		User:            a.cfg.DatabaseUserName,
		Password:        a.cfg.DatabasePassword,
		Name:            a.cfg.DatabaseName,
		SSLMode:         a.cfg.DatabaseSSLMode,
		MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
	})
	if err != nil {
		return err
	}

	migrations := database.NewMigrationService(a.logger, database.MigrationConfig{
		FolderPath: a.cfg.DatabaseMigrationFolderPath,
		Version:    a.cfg.DatabaseMigrationVersion,
		Force:      a.cfg.DatabaseMigrationForce,
	})
	if err := migrations.Migrate(sqlDB, a.cfg.DatabaseName); err != nil {
		_ = sqlDB.Close()
		return err
	}

	a.sqlDB = sqlDB
	a.db = database.NewDatabaseInstance(sqlDB, a.logger)
	return nil
}

func (a *App) stopDatabase(context.Context) error {
	if a.sqlDB == nil {
		return nil
	}
	return a.sqlDB.Close()
}

func (a *App) startRedis(ctx context.Context) error {
	client, err := redis.NewClient(ctx, redis.Config{
		Host:     a.cfg.RedisHost,
		Port:     a.cfg.RedisPort,
		Password: a.cfg.RedisPassword,
		DB:       a.cfg.RedisDB,
	}, a.logger)
	if err != nil {
		return err
	}
	a.redis = client
	return nil
}

func (a *App) stopRedis(context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}

// startEvents publishes to Kafka when brokers are configured, else to an in-process bus
func (a *App) startEvents(context.Context) error {
	brokers := a.cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		a.bus = events.NewLocalBus(a.logger)
		a.publisher = a.bus
		a.logger.Warn("KAFKA_BROKERS is empty, sync events are delivered in-process")
		return nil
	}

	a.producer = kafka.NewProducer(kafka.Config{
		Brokers: brokers,
		Topic:   a.cfg.KafkaSyncEventsTopic,
	}, a.logger)
	a.publisher = a.producer
	return nil
}

func (a *App) stopEvents(context.Context) error {
	if a.bus != nil {
		a.bus.Wait()
	}
	if a.producer != nil {
		return a.producer.Close()
	}
	return nil
}

func (a *App) startServices(ctx context.Context) error {
	integrations := repositories.NewIntegrationRepository(a.db, a.logger)
	credentials := repositories.NewCredentialRepository(a.db, a.logger)
	runs := repositories.NewSyncRunRepository(a.db, a.logger)
	metricsRepo := repositories.NewMetricsRepository(a.db, a.logger)
	recs := repositories.NewRecommendationRepository(a.db, a.logger)

	registry := a.connectorRegistry()

	a.integrations = integrations
	a.vault = vault.New(credentials, integrations, registry, a.keys, a.logger)
	a.orchestrator = orchestrator.New(
		integrations,
		runs,
		metricsRepo,
		a.vault,
		registry,
		redis.NewLocker(a.redis, "fern:lock:"),
		redis.NewBlocker(a.redis, "fern:block:"),
		events.NewEmitter(a.publisher, a.logger),
		orchestrator.Config{LockTTL: a.cfg.SyncLockTTL},
		a.logger,
	)
	a.aggregator = aggregator.New(metricsRepo, a.logger)
	a.engine = recommendations.NewEngine(recs, metricsRepo, integrations, a.logger)
	a.reporter = insights.NewReporter(a.aggregator, insights.NewClient(insights.Config{
		URL:     a.cfg.InsightsURL,
		Timeout: a.cfg.InsightsTimeout,
	}, a.logger))

	if a.cfg.SchedulerEnabled {
		a.scheduler = scheduler.New(a.orchestrator, integrations, a.engine, scheduler.Config{
			RecommendationInterval: a.cfg.RecommendationInterval,
		}, a.logger)
	}

	recovered, err := a.orchestrator.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		a.logger.WithField("runs", recovered).Warn("Failed sync runs interrupted by a previous shutdown")
	}

	return nil
}

// stopServices lets syncs started over HTTP reach a terminal state before their stores close
func (a *App) stopServices(ctx context.Context) error {
	if a.orchestrator == nil {
		return nil
	}
	return a.orchestrator.Wait(ctx)
}

func (a *App) connectorRegistry() *connectors.Registry {
	tokens := auth.NewTokenCache(a.redis, a.logger)
	client := func(platform models.Platform) *httpclient.Client {
		cfg := httpclient.DefaultConfig(string(platform))
		cfg.MaxRetries = a.cfg.ConnectorMaxRetries
		return httpclient.NewClient(cfg, a.logger)
	}

	registry := connectors.NewRegistry()
	registry.Register(adsa.New(client(models.PlatformAdsA), adsa.Config{
		BaseURL:   a.cfg.AdsABaseURL,
		PageDelay: a.cfg.AdsAPageDelay,
	}, a.logger), a.cfg.ConnectorTimeoutAdsA)
	registry.Register(adsb.New(client(models.PlatformAdsB), tokens, adsb.Config{
		BaseURL:  a.cfg.AdsBBaseURL,
		TokenURL: a.cfg.AdsBTokenURL,
	}, a.logger), a.cfg.ConnectorTimeoutAdsB)
	registry.Register(analyticsc.New(client(models.PlatformAnalyticsC), tokens, analyticsc.Config{
		BaseURL:  a.cfg.AnalyticsCBaseURL,
		TokenURL: a.cfg.AnalyticsCTokenURL,
	}, a.logger), a.cfg.ConnectorTimeoutAnalyticsC)
	return registry
}

// startConsumer feeds sync.completed events to the recommendation engine
func (a *App) startConsumer(ctx context.Context) error {
	if a.bus != nil {
		a.bus.Subscribe(a.engine.HandleSyncCompleted)
		return nil
	}

	a.consumer = kafka.NewConsumer(kafka.Config{
		Brokers:       a.cfg.KafkaBrokerList(),
		Topic:         a.cfg.KafkaSyncEventsTopic,
		ConsumerGroup: a.cfg.KafkaConsumerGroup,
	}, a.logger, events.KafkaHandler(a.engine.HandleSyncCompleted))
	return a.consumer.Start(context.WithoutCancel(ctx))
}

func (a *App) stopConsumer(context.Context) error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Stop()
}

func (a *App) startScheduler(ctx context.Context) error {
	if a.scheduler == nil {
		a.logger.Info("Scheduler disabled")
		return nil
	}
	return a.scheduler.Start(ctx)
}

func (a *App) stopScheduler(ctx context.Context) error {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.Stop(ctx)
}

func (a *App) startHTTP(ctx context.Context) error {
	e, err := a.newServer(ctx)
	if err != nil {
		return err
	}
	a.server = e

	go func() {
		if err := e.Start(fmt.Sprintf(":%d", a.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()
	a.logger.Infof("HTTP server listening on :%d", a.cfg.Port)
	return nil
}

func (a *App) stopHTTP(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *App) newServer(ctx context.Context) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.HTTPErrorHandler = middleware.Error(a.logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(a.cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: a.cfg.AllowOriginList()}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(a.logger))

	a.health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	var authn echo.MiddlewareFunc
	if a.cfg.AuthEnabled {
		verifier, err := middleware.NewOIDCVerifier(ctx, a.cfg.AuthIssuerURL, a.cfg.AuthClientID)
		if err != nil {
			return nil, fmt.Errorf("oidc provider: %w", err)
		}
		authn = middleware.Authentication(a.logger, verifier)
	} else {
		a.logger.Warn("AUTH_ENABLED=false, trusting the X-Workspace-ID header")
		authn = middleware.Headers(a.logger)
	}
	api := e.Group("/api/v1", authn)

	var cadences handlers.CadenceScheduler
	if a.scheduler != nil {
		cadences = a.scheduler
	}
	handlers.NewIntegrationHandler(a.integrations, cadences).RegisterRoutes(api)
	handlers.NewCredentialHandler(a.vault).RegisterRoutes(api)
	handlers.NewSyncHandler(a.orchestrator).RegisterRoutes(api)
	handlers.NewMetricsHandler(a.aggregator, a.reporter).RegisterRoutes(api)
	handlers.NewRecommendationHandler(a.engine).RegisterRoutes(api)

	return e, nil
}
