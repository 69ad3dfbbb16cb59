package main

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-service/internal/credentials"
	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/internal/manager"
	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/internal/platform/apns"
	"github.com/tinywideclouds/go-push-service/internal/platform/fcm"
	statuspubsub "github.com/tinywideclouds/go-push-service/internal/platform/pubsub"
	"github.com/tinywideclouds/go-push-service/internal/platform/web"

	"github.com/tinywideclouds/go-push-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-push-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-service/internal/storage/sqlstore"
	pkgdispatch "github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"

	"github.com/tinywideclouds/go-push-service/pushservice"
	"github.com/tinywideclouds/go-push-service/pushservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-service")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	var psClient *pubsub.Client
	if cfg.SubscriptionID != "" || cfg.StatusTopicID != "" {
		psClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("PubSub client failed", "err", err)
			os.Exit(1)
		}
		defer psClient.Close()
	}

	// --- Registration Storage (optionally cached) ---
	stores, err := newRegistrationStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("Registration storage failed", "err", err)
		os.Exit(1)
	}
	defer stores.close()

	// --- Observers ---
	collector := metrics.NewCollector()
	observers := []dispatch.Option{dispatch.WithObserver(collector)}

	var statusPublisher *statuspubsub.StatusPublisher
	if cfg.StatusTopicID != "" {
		publisher := psClient.Publisher(cfg.StatusTopicID)
		defer publisher.Stop()
		statusPublisher = statuspubsub.NewStatusPublisher(publisher, logger)
		observers = append(observers, dispatch.WithObserver(statusPublisher))
		logger.Info("Status events enabled", "topic", cfg.StatusTopicID)
	}

	// --- Dispatch Services ---
	credentialStore := credentials.NewStore(cfg.CredentialsDir, logger)
	var services []manager.PlatformService
	for _, platform := range cfg.Platforms {
		svc, err := newDispatchService(ctx, cfg, platform, stores, credentialStore, observers, logger)
		if err != nil {
			logger.Error("Dispatch service failed", "platform", platform, "err", err)
			os.Exit(1)
		}
		services = append(services, svc)
		collector.Watch(svc)
	}

	messageManager, err := manager.New(manager.Config{
		Retention:   cfg.MessageRetention,
		SweepPeriod: cfg.MaintenancePeriod,
	}, logger, services...)
	if err != nil {
		logger.Error("Message manager failed", "err", err)
		os.Exit(1)
	}

	// --- Auth ---
	identityURL := cfg.IdentityServiceURL
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	deps := pushservice.Dependencies{
		Manager:     messageManager,
		Topics:      stores.topics,
		Credentials: credentialStore,
		Metrics:     collector,
	}
	if statusPublisher != nil {
		deps.StatusPublisher = statusPublisher
	}
	if cfg.SubscriptionID != "" {
		consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
		if err != nil {
			logger.Error("Ingestion consumer failed", "err", err)
			os.Exit(1)
		}
		deps.Consumer = consumer
	}

	service, err := pushservice.New(cfg, deps, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr)
		if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
			cancel()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-shutdown:
		logger.Info("Received shutdown signal.", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Service shutdown failed.", "err", err)
	}
}

// registrationStores holds the per-platform repositories of the configured backend.
type registrationStores struct {
	devices func(push.Platform) pkgdispatch.RegistrationStore[push.DeviceRegistration]
	webPush pkgdispatch.RegistrationStore[push.WebPushRegistration]
	topics  pkgdispatch.TopicStore
	close   func()
}

func newRegistrationStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*registrationStores, error) {
	stores := &registrationStores{}
	var closers []func() error

	switch cfg.Storage.Backend {
	case config.StorageSQL:
		sqlDB, err := sql.Open(cfg.Storage.Driver, cfg.Storage.DataSourceName())
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", cfg.Storage.Driver, err)
		}
		closers = append(closers, sqlDB.Close)
		if err := sqlDB.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach %s database: %w", cfg.Storage.Driver, err)
		}
		if err := sqlstore.Migrate(ctx, sqlDB, cfg.Storage.Driver, cfg.Storage.TablePrefix); err != nil {
			return nil, err
		}
		db := sqlstore.NewDB(sqlDB, cfg.Storage.Driver, cfg.Storage.TablePrefix, logger)
		stores.devices = func(p push.Platform) pkgdispatch.RegistrationStore[push.DeviceRegistration] {
			return sqlstore.NewDeviceStore(db, p)
		}
		stores.webPush = sqlstore.NewWebPushStore(db)
		stores.topics = db
		logger.Info("Registration storage initialized", "type", "sql", "driver", cfg.Storage.Driver)

	case config.StorageFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client failed: %w", err)
		}
		closers = append(closers, fsClient.Close)
		store := fsStore.NewStore(fsClient, cfg.Storage.Collection, logger)
		stores.devices = func(p push.Platform) pkgdispatch.RegistrationStore[push.DeviceRegistration] {
			return fsStore.NewDeviceStore(store, p)
		}
		stores.webPush = fsStore.NewWebPushStore(store)
		stores.topics = store
		logger.Info("Registration storage initialized", "type", "firestore", "collection", cfg.Storage.Collection)
	}

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		closers = append(closers, redisClient.Close)

		devices := stores.devices
		stores.devices = func(p push.Platform) pkgdispatch.RegistrationStore[push.DeviceRegistration] {
			return cache.NewCachedRegistrationStore(devices(p), redisClient, p, cfg.Redis.TTL, logger)
		}
		stores.webPush = cache.NewCachedRegistrationStore(stores.webPush, redisClient, push.PlatformWebPush, cfg.Redis.TTL, logger)
		logger.Info("Registration storage upgraded", "type", "redis_cached")
	}

	stores.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	return stores, nil
}

func newDispatchService(
	ctx context.Context,
	cfg *config.Config,
	platform push.Platform,
	stores *registrationStores,
	credentialStore *credentials.Store,
	opts []dispatch.Option,
	logger *slog.Logger,
) (manager.PlatformService, error) {
	dcfg := cfg.DispatchConfig(platform)

	switch platform {
	case push.PlatformAPN:
		var token *apns.TokenConfig
		if t := cfg.APNS.Token; t != nil {
			token = &apns.TokenConfig{KeyID: t.KeyID, TeamID: t.TeamID, BundleID: t.BundleID, P8KeyContent: t.P8KeyContent}
		}
		provider, err := apns.NewCredentialProvider(credentialStore, apns.CredentialConfig{
			CertificatePassword: cfg.APNS.CertificatePassword,
			Sandbox:             cfg.APNS.Sandbox,
			Token:               token,
		}, logger)
		if err != nil {
			return nil, err
		}
		return newService(dispatch.New[push.DeviceRegistration, *apns.Client](dcfg, apns.NewSender(logger), stores.devices(platform), provider, logger, opts...))

	case push.PlatformGCM:
		var fallback fcm.MessagingClient
		if cfg.FCM.UseDefaultApp {
			fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
			if err != nil {
				return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
			}
			client, err := fbApp.Messaging(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
			}
			fallback = client
		}
		provider := fcm.NewCredentialProvider(credentialStore, fcm.NewFirebaseClient, fallback, logger)
		return newService(dispatch.New[push.DeviceRegistration, fcm.MessagingClient](dcfg, fcm.NewSender(logger), stores.devices(platform), provider, logger, opts...))

	case push.PlatformWebPush:
		provider := web.NewCredentialProvider(credentialStore, web.VAPIDKeys{
			PublicKey:  cfg.Vapid.PublicKey,
			PrivateKey: cfg.Vapid.PrivateKey,
			Subscriber: cfg.Vapid.SubscriberEmail,
		}, logger)
		return newService(dispatch.New[push.WebPushRegistration, web.VAPIDKeys](dcfg, web.NewSender(nil, logger), stores.webPush, provider, logger, opts...))
	}
	return nil, fmt.Errorf("unsupported platform %q", platform)
}

func newService[R push.Registration, C any](svc *dispatch.Service[R, C], err error) (manager.PlatformService, error) {
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:                  sub,
		Topic:                 topicID,
		AckDeadlineSeconds:    10,
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
