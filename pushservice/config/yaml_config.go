package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlStorageConfig struct {
	Backend     string `yaml:"backend"`
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	TablePrefix string `yaml:"table_prefix"`
	Collection  string `yaml:"collection"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlAPNSConfig struct {
	CertificatePassword string `yaml:"certificate_password"`
	Sandbox             bool   `yaml:"sandbox"`
	KeyID               string `yaml:"key_id"`
	TeamID              string `yaml:"team_id"`
	BundleID            string `yaml:"bundle_id"`
	P8KeyContent        string `yaml:"p8_key"`
}

type YamlFCMConfig struct {
	UseDefaultApp bool `yaml:"use_default_app"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlDispatchConfig struct {
	Workers          int `yaml:"workers"`
	MaxConcurrentBig int `yaml:"max_concurrent_big"`
	QueueCapacity    int `yaml:"queue_capacity"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                        `yaml:"project_id"`
	ListenAddr             string                        `yaml:"listen_addr"`
	IdentityServiceURL     string                        `yaml:"identity_service_url"`
	TopicID                string                        `yaml:"topic_id"`
	SubscriptionID         string                        `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                        `yaml:"subscription_dlq_topic_id"`
	StatusTopicID          string                        `yaml:"status_topic_id"`
	NumPipelineWorkers     int                           `yaml:"num_pipeline_workers"`
	CorsConfig             YamlCorsConfig                `yaml:"cors"`
	CredentialsDir         string                        `yaml:"credentials_dir"`
	StorageConfig          YamlStorageConfig             `yaml:"storage"`
	RedisConfig            YamlRedisConfig               `yaml:"redis"`
	APNSConfig             YamlAPNSConfig                `yaml:"apns"`
	FCMConfig              YamlFCMConfig                 `yaml:"fcm"`
	VapidConfig            YamlVapidConfig               `yaml:"vapid"`
	Platforms              []string                      `yaml:"platforms"`
	Dispatch               map[string]YamlDispatchConfig `yaml:"dispatch"`
	MaintenancePeriod      string                        `yaml:"maintenance_period"`
	MessageRetention       string                        `yaml:"message_retention"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	redisTTL, err := parseDuration("redis.ttl", baseCfg.RedisConfig.TTL)
	if err != nil {
		return nil, err
	}
	maintenancePeriod, err := parseDuration("maintenance_period", baseCfg.MaintenancePeriod)
	if err != nil {
		return nil, err
	}
	retention, err := parseDuration("message_retention", baseCfg.MessageRetention)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		TopicID:            baseCfg.TopicID,
		SubscriptionID:     baseCfg.SubscriptionID,
		StatusTopicID:      baseCfg.StatusTopicID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		CredentialsDir: baseCfg.CredentialsDir,
		Storage: StorageConfig{
			Backend:     baseCfg.StorageConfig.Backend,
			Driver:      baseCfg.StorageConfig.Driver,
			DSN:         baseCfg.StorageConfig.DSN,
			Host:        baseCfg.StorageConfig.Host,
			Port:        baseCfg.StorageConfig.Port,
			User:        baseCfg.StorageConfig.User,
			Password:    baseCfg.StorageConfig.Password,
			Database:    baseCfg.StorageConfig.Database,
			TablePrefix: baseCfg.StorageConfig.TablePrefix,
			Collection:  baseCfg.StorageConfig.Collection,
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      redisTTL,
		},
		APNS: APNSConfig{
			CertificatePassword: baseCfg.APNSConfig.CertificatePassword,
			Sandbox:             baseCfg.APNSConfig.Sandbox,
			Token: completeToken(APNSTokenConfig{
				KeyID:        baseCfg.APNSConfig.KeyID,
				TeamID:       baseCfg.APNSConfig.TeamID,
				BundleID:     baseCfg.APNSConfig.BundleID,
				P8KeyContent: baseCfg.APNSConfig.P8KeyContent,
			}),
		},
		FCM: FCMConfig{UseDefaultApp: baseCfg.FCMConfig.UseDefaultApp},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
		Dispatch:               make(map[push.Platform]DispatchTuning, len(baseCfg.Dispatch)),
		MaintenancePeriod:      maintenancePeriod,
		MessageRetention:       retention,
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	for _, p := range baseCfg.Platforms {
		cfg.Platforms = append(cfg.Platforms, push.Platform(p))
	}
	for name, d := range baseCfg.Dispatch {
		cfg.Dispatch[push.Platform(name)] = DispatchTuning{
			Workers:          d.Workers,
			MaxConcurrentBig: d.MaxConcurrentBig,
			QueueCapacity:    d.QueueCapacity,
		}
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"storage", cfg.Storage.Backend,
		"subscription_id", cfg.SubscriptionID,
	)

	return cfg, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
