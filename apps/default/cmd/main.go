package main

import (
	"context"
	"net/http"
	"time"

	gwconfig "github.com/antinvestor/service-wagateway/apps/default/config"
	"github.com/antinvestor/service-wagateway/apps/default/service/business"
	"github.com/antinvestor/service-wagateway/apps/default/service/delivery"
	"github.com/antinvestor/service-wagateway/apps/default/service/handlers"
	"github.com/antinvestor/service-wagateway/apps/default/service/repository"
	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/antinvestor/service-wagateway/internal/health"
	"github.com/antinvestor/service-wagateway/internal/resilience"
	"github.com/joho/godotenv"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/cache"
	"github.com/pitabwire/frame/cache/jetstreamkv"
	"github.com/pitabwire/frame/cache/valkey"
	"github.com/pitabwire/frame/config"
	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"
)

const (
	gracefulShutdownTimeout = 30 * time.Second
	credentialCacheTTL      = 24 * time.Hour
	healthCheckTimeout      = 5 * time.Second

	// A backlog this deep means deliveries fail faster than the reprocessor
	// drains them; readiness reports degraded so operators notice.
	deadLetterBacklogThreshold = 1000
)

// runService initializes and starts the gateway with all dependencies.
func runService(ctx context.Context) error {
	// A local .env is a development convenience, absence is fine
	_ = godotenv.Load()

	cfg, err := config.LoadWithOIDC[gwconfig.GatewayConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return err
	}

	// Fail fast on invalid configuration
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return err
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_wagateway"
	}

	rawCache, err := setupCache(cfg)
	if err != nil {
		util.Log(ctx).WithError(err).Fatal("could not setup cache")
	}

	// Create service
	ctx, svc := frame.NewServiceWithContext(
		ctx,
		frame.WithConfig(&cfg),
		frame.WithDatastore(),
		frame.WithCache(cfg.CacheName, rawCache),
	)
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	workMan := svc.WorkManager()
	dbManager := svc.DatastoreManager()
	dbPool := dbManager.GetPool(ctx, datastore.DefaultPoolName)

	// Handle database migration if requested
	if cfg.DoDatabaseMigrate() {
		if migrateErr := repository.Migrate(ctx, svc, cfg.GetDatabaseMigrationPath()); migrateErr != nil {
			log.WithError(migrateErr).Fatal("main -- Could not migrate successfully")
		}
		return nil
	}

	credentialRepo := repository.NewCredentialRepository(ctx, dbPool, workMan)
	deadLetterRepo := repository.NewDeadLetterRepository(ctx, dbPool, workMan)

	credentialStore := business.NewCredentialStore(
		credentialRepo, rawCache, cfg.CredentialMaxBytes, credentialCacheTTL)

	breakers := resilience.NewRegistry(resilience.Settings{
		FailureThreshold:  int64(cfg.CircuitFailureThreshold),
		Cooldown:          time.Duration(cfg.CircuitCooldownSec) * time.Second,
		HalfOpenSuccesses: int64(cfg.CircuitHalfOpenSuccesses),
	})

	signer := delivery.NewSigner(cfg.WebhookSigningSecret)
	builder := delivery.NewPayloadBuilder(delivery.PayloadConfig{
		MediaMaxBytes:        cfg.MediaMaxBytes,
		MediaDownloadTimeout: time.Duration(cfg.MediaDownloadTimeoutSec) * time.Second,
	})
	pipeline := delivery.NewPipeline(signer, builder, breakers, deadLetterRepo, delivery.PipelineConfig{
		WebhookURL:       cfg.BackendWebhookURL,
		Timeout:          time.Duration(cfg.WebhookTimeoutSec) * time.Second,
		MaxAttempts:      cfg.DeliveryMaxAttempts,
		BaseBackoff:      time.Duration(cfg.DeliveryBackoffMs) * time.Millisecond,
		DLQRetryInterval: time.Duration(cfg.DLQReprocessIntervalSec) * time.Second,
	})
	notifier := delivery.NewNotifier(signer, breakers, cfg.BackendStatusURL,
		time.Duration(cfg.WebhookTimeoutSec)*time.Second)

	dedup := business.NewDedupWindow(
		time.Duration(cfg.DedupTTLSec)*time.Second,
		time.Duration(cfg.DedupSweepSec)*time.Second,
	)
	defer dedup.Stop()

	states := business.NewConversationStateCache(
		cfg.ChatStateMaxEntries,
		time.Duration(cfg.ChatStateMaxAgeSec)*time.Second,
		0,
	)
	defer states.Stop()

	// The business message handler is an external collaborator; the gateway
	// core forwards everything downstream even without one registered.
	intake := business.NewIntake(dedup, states, nil, pipeline, business.IntakeConfig{
		Freshness:   time.Duration(cfg.MessageFreshnessSec) * time.Second,
		PauseWindow: time.Duration(cfg.HumanSupportPauseSec) * time.Second,
	})

	factory, err := waproto.Driver(cfg.ProtocolDriver)
	if err != nil {
		log.WithError(err).Fatal("main -- protocol driver is not linked into this build")
	}

	manager := business.NewManager(factory, credentialStore, notifier, intake, pipeline, states,
		business.ManagerConfig{
			StartTimeout:         time.Duration(cfg.SessionStartTimeoutSec) * time.Second,
			ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
			ReconnectBaseDelay:   time.Duration(cfg.ReconnectBaseDelayMs) * time.Millisecond,
			ReconnectMaxDelay:    time.Duration(cfg.ReconnectMaxDelayMs) * time.Millisecond,
			RateLimitCooldown:    time.Duration(cfg.RateLimitCooldownSec) * time.Second,
			CredentialDebounce:   time.Duration(cfg.CredentialFlushDebounceMs) * time.Millisecond,
		})
	// Defers run LIFO: the manager drains before svc.Stop
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		manager.Shutdown(drainCtx)
	}()

	reprocessor := delivery.NewReprocessor(deadLetterRepo, pipeline, manager, delivery.ReprocessorConfig{
		Interval:   time.Duration(cfg.DLQReprocessIntervalSec) * time.Second,
		MaxRetries: int32(cfg.DLQMaxRetries),
		BatchSize:  cfg.DLQBatchSize,
	})
	go reprocessor.Run(ctx)
	defer reprocessor.Stop()

	mux := setupHTTPHandlers(cfg, dbPool, manager, rawCache, deadLetterRepo)

	svc.Init(ctx, frame.WithHTTPHandler(mux))

	return svc.Run(ctx, "")
}

func main() {
	ctx := context.Background()
	if err := runService(ctx); err != nil {
		util.Log(ctx).WithError(err).Fatal("could not run service")
	}
}

// setupHTTPHandlers mounts health and session-control endpoints.
func setupHTTPHandlers(
	cfg gwconfig.GatewayConfig,
	dbPool pool.Pool,
	manager *business.Manager,
	rawCache cache.RawCache,
	deadLetterRepo repository.DeadLetterRepository,
) *http.ServeMux {
	healthHandler := health.NewHandler()
	healthHandler.AddChecker(health.NewDatabaseChecker(dbPool, healthCheckTimeout))
	healthHandler.AddChecker(health.NewCacheChecker(rawCache, healthCheckTimeout))
	healthHandler.AddChecker(health.NewWebhookChecker(
		&http.Client{Timeout: healthCheckTimeout},
		cfg.BackendWebhookURL,
		healthCheckTimeout,
	))
	healthHandler.AddChecker(health.NewDeadLetterChecker(
		deadLetterRepo.CountPending, deadLetterBacklogThreshold, healthCheckTimeout))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	sessionHandler := handlers.NewSessionHandler(manager)
	sessionHandler.RegisterRoutes(mux)

	return mux
}

// setupCache picks the fast credential tier backend from the cache URI.
func setupCache(cfg gwconfig.GatewayConfig) (cache.RawCache, error) {
	cacheDSN := data.DSN(cfg.CacheURI)

	cacheOptions := []cache.Option{
		cache.WithDSN(cacheDSN),
	}
	if cfg.CacheCredentialsFile != "" {
		cacheOptions = append(cacheOptions, cache.WithCredsFile(cfg.CacheCredentialsFile))
	}

	switch {
	case cacheDSN.IsNats():
		return jetstreamkv.New(cacheOptions...)
	case cacheDSN.IsRedis():
		return valkey.New(cacheOptions...)
	default:
		return cache.NewInMemoryCache(), nil
	}
}
