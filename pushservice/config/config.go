package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Storage backends.
const (
	StorageSQL       = "sql"
	StorageFirestore = "firestore"
)

type StorageConfig struct {
	Backend string

	// SQL
	Driver      string
	DSN         string // Used as-is when set, otherwise built from the parts below
	Host        string
	Port        string
	User        string
	Password    string
	Database    string
	TablePrefix string

	// Firestore
	Collection string
}

// DataSourceName returns the driver-specific connection string.
func (s StorageConfig) DataSourceName() string {
	if s.DSN != "" {
		return s.DSN
	}
	switch s.Driver {
	case sqlstore.DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = s.User
		mc.Passwd = s.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(s.Host, s.Port)
		mc.DBName = s.Database
		mc.ParseTime = true
		return mc.FormatDSN()
	case sqlstore.DriverPostgres:
		return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			s.Host, s.Port, s.User, s.Password, s.Database)
	default:
		return s.Database
	}
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type APNSTokenConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
}

type APNSConfig struct {
	CertificatePassword string
	Sandbox             bool
	// Token is nil unless every token auth field is set.
	Token *APNSTokenConfig
}

type FCMConfig struct {
	// UseDefaultApp initializes a project-wide Firebase app for tenants
	// without an uploaded service account.
	UseDefaultApp bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// DispatchTuning overrides the defaults of one platform. Zero fields keep the default.
type DispatchTuning struct {
	Workers          int
	MaxConcurrentBig int
	QueueCapacity    int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityServiceURL     string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	StatusTopicID          string
	NumPipelineWorkers     int

	CorsConfig     middleware.CorsConfig
	CredentialsDir string
	Storage        StorageConfig
	Redis          RedisConfig
	APNS           APNSConfig
	FCM            FCMConfig
	Vapid          VapidConfig

	Platforms         []push.Platform
	Dispatch          map[push.Platform]DispatchTuning
	MaintenancePeriod time.Duration
	MessageRetention  time.Duration

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// DispatchConfig merges the platform defaults with the configured tuning.
func (c *Config) DispatchConfig(p push.Platform) dispatch.Config {
	dc := dispatch.DefaultConfig(p)
	if c.MaintenancePeriod > 0 {
		dc.MaintenancePeriod = c.MaintenancePeriod
	}
	t := c.Dispatch[p]
	if t.Workers > 0 {
		dc.Workers = t.Workers
	}
	if t.MaxConcurrentBig > 0 {
		dc.MaxConcurrentBig = t.MaxConcurrentBig
	}
	if t.QueueCapacity > 0 {
		dc.QueueCapacity = t.QueueCapacity
	}
	return dc
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}
	overrideDuration := func(key string, target *time.Duration) {
		override(key, func(val string) {
			if d, err := time.ParseDuration(val); err == nil {
				*target = d
			} else {
				logger.Warn("Ignoring invalid duration", "key", key, "value", val)
			}
		})
	}

	// 1. Apply Environment Overrides
	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("IDENTITY_SERVICE_URL", func(v string) { cfg.IdentityServiceURL = v })
	override("SUBSCRIPTION_ID", func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.SubscriptionDLQTopicID = v })
	override("STATUS_TOPIC_ID", func(v string) { cfg.StatusTopicID = v })
	override("NUM_PIPELINE_WORKERS", func(v string) {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			cfg.NumPipelineWorkers = workers
		}
	})
	override("CREDENTIALS_DIR", func(v string) { cfg.CredentialsDir = v })

	// Storage Overrides
	override("STORAGE_BACKEND", func(v string) { cfg.Storage.Backend = v })
	override("DB_DRIVER", func(v string) { cfg.Storage.Driver = v })
	override("DB_DSN", func(v string) { cfg.Storage.DSN = v })
	override("DB_HOST", func(v string) { cfg.Storage.Host = v })
	override("DB_PORT", func(v string) { cfg.Storage.Port = v })
	override("DB_USER", func(v string) { cfg.Storage.User = v })
	override("DB_PASSWORD", func(v string) { cfg.Storage.Password = v })
	override("DB_NAME", func(v string) { cfg.Storage.Database = v })
	override("DB_TABLE_PREFIX", func(v string) { cfg.Storage.TablePrefix = v })
	override("FIRESTORE_COLLECTION", func(v string) { cfg.Storage.Collection = v })

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}
	overrideDuration("REDIS_TTL", &cfg.Redis.TTL)

	// APNs Overrides
	override("APNS_CERTIFICATE_PASSWORD", func(v string) { cfg.APNS.CertificatePassword = v })
	override("APNS_SANDBOX", func(v string) {
		sandbox, _ := strconv.ParseBool(v)
		cfg.APNS.Sandbox = sandbox
	})
	token := APNSTokenConfig{}
	if cfg.APNS.Token != nil {
		token = *cfg.APNS.Token
	}
	override("APNS_KEY_ID", func(v string) { token.KeyID = v })
	override("APNS_TEAM_ID", func(v string) { token.TeamID = v })
	override("APNS_BUNDLE_ID", func(v string) { token.BundleID = v })
	override("APNS_P8_KEY", func(v string) { token.P8KeyContent = v })
	cfg.APNS.Token = completeToken(token)

	override("FCM_USE_DEFAULT_APP", func(v string) {
		enabled, _ := strconv.ParseBool(v)
		cfg.FCM.UseDefaultApp = enabled
	})

	// VAPID Overrides
	override("VAPID_PUBLIC_KEY", func(v string) { cfg.Vapid.PublicKey = v })
	override("VAPID_PRIVATE_KEY", func(v string) { cfg.Vapid.PrivateKey = v })
	override("VAPID_SUB_EMAIL", func(v string) { cfg.Vapid.SubscriberEmail = v })

	// Dispatch Overrides
	override("PLATFORMS", func(v string) {
		cfg.Platforms = nil
		for _, p := range splitList(v) {
			cfg.Platforms = append(cfg.Platforms, push.Platform(p))
		}
	})
	overrideDuration("MAINTENANCE_PERIOD", &cfg.MaintenancePeriod)
	overrideDuration("MESSAGE_RETENTION", &cfg.MessageRetention)

	// CORS Overrides
	override("CORS_ALLOWED_ORIGINS", func(v string) { cfg.CorsConfig.AllowedOrigins = splitList(v) })

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.CredentialsDir == "" {
		cfg.CredentialsDir = "credentials"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.MaintenancePeriod <= 0 {
		cfg.MaintenancePeriod = 30 * time.Second
	}
	if len(cfg.Platforms) == 0 {
		cfg.Platforms = append([]push.Platform(nil), push.Platforms...)
	}
	for _, p := range cfg.Platforms {
		if !p.Supported() {
			return fmt.Errorf("unsupported platform %q in platforms", p)
		}
	}

	switch cfg.Storage.Backend {
	case StorageSQL:
		switch cfg.Storage.Driver {
		case sqlstore.DriverMySQL, sqlstore.DriverPostgres, sqlstore.DriverSQLite:
		default:
			return fmt.Errorf("storage driver %q is not supported (mysql, postgres, sqlite3)", cfg.Storage.Driver)
		}
		if cfg.Storage.DSN == "" && cfg.Storage.Database == "" {
			return fmt.Errorf("storage database is required for the sql backend (set via YAML or DB_NAME/DB_DSN env var)")
		}
	case StorageFirestore:
		if cfg.Storage.Collection == "" {
			cfg.Storage.Collection = "push-registrations"
		}
	default:
		return fmt.Errorf("storage backend must be %q or %q, got %q", StorageSQL, StorageFirestore, cfg.Storage.Backend)
	}

	needsProject := cfg.Storage.Backend == StorageFirestore || cfg.SubscriptionID != "" || cfg.StatusTopicID != "" || cfg.FCM.UseDefaultApp
	if needsProject && cfg.ProjectID == "" {
		return fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID != "" && cfg.TopicID == "" {
		return fmt.Errorf("topic_id is required when subscription_id is set")
	}
	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}
	return nil
}

func completeToken(t APNSTokenConfig) *APNSTokenConfig {
	if t.KeyID == "" || t.TeamID == "" || t.BundleID == "" || t.P8KeyContent == "" {
		return nil
	}
	return &t
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
