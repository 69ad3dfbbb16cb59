package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
	"gopkg.in/yaml.v3"
)

const sampleYaml = `
project_id: yaml-project
listen_addr: ":9000"
topic_id: yaml-topic
subscription_id: yaml-subscription
subscription_dlq_topic_id: yaml-dlq
status_topic_id: yaml-status
num_pipeline_workers: 5
cors:
  allowed_origins: ["http://yaml.com"]
  role: editor
credentials_dir: /var/push/credentials
storage:
  backend: sql
  driver: mysql
  host: db
  port: "3306"
  database: push
  table_prefix: push_
redis:
  enabled: true
  addr: redis:6379
  ttl: 12h
apns:
  sandbox: true
  key_id: KEY
  team_id: TEAM
  bundle_id: com.example.app
  p8_key: p8
vapid:
  public_key: yaml-public-key
  private_key: yaml-private-key
  subscriber_email: yaml@test.com
platforms: [apn, web_push]
dispatch:
  apn:
    workers: 3
    max_concurrent_big: 2
maintenance_period: 45s
message_retention: 6h
`

func TestNewConfigFromYaml(t *testing.T) {
	logger := newTestLogger()

	t.Run("Success - maps all fields correctly", func(t *testing.T) {
		var yamlCfg config.YamlConfig
		require.NoError(t, yaml.Unmarshal([]byte(sampleYaml), &yamlCfg))

		cfg, err := config.NewConfigFromYaml(&yamlCfg, logger)

		require.NoError(t, err)
		require.NotNil(t, cfg)

		// 1. Direct Field Mapping
		assert.Equal(t, "yaml-project", cfg.ProjectID)
		assert.Equal(t, ":9000", cfg.ListenAddr)
		assert.Equal(t, "yaml-topic", cfg.TopicID)
		assert.Equal(t, "yaml-subscription", cfg.SubscriptionID)
		assert.Equal(t, "yaml-dlq", cfg.SubscriptionDLQTopicID)
		assert.Equal(t, "yaml-status", cfg.StatusTopicID)
		assert.Equal(t, 5, cfg.NumPipelineWorkers)
		assert.Equal(t, "/var/push/credentials", cfg.CredentialsDir)

		// 2. CORS
		assert.Equal(t, []string{"http://yaml.com"}, cfg.CorsConfig.AllowedOrigins)
		assert.Equal(t, middleware.CorsRoleEditor, cfg.CorsConfig.Role)

		// 3. Storage and cache
		assert.Equal(t, config.StorageSQL, cfg.Storage.Backend)
		assert.Equal(t, "push_", cfg.Storage.TablePrefix)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, 12*time.Hour, cfg.Redis.TTL)

		// 4. Platforms
		require.NotNil(t, cfg.APNS.Token)
		assert.Equal(t, "KEY", cfg.APNS.Token.KeyID)
		assert.True(t, cfg.APNS.Sandbox)
		assert.Equal(t, "yaml-public-key", cfg.Vapid.PublicKey)
		assert.Equal(t, "yaml-private-key", cfg.Vapid.PrivateKey)
		assert.Equal(t, "yaml@test.com", cfg.Vapid.SubscriberEmail)
		assert.Equal(t, []push.Platform{push.PlatformAPN, push.PlatformWebPush}, cfg.Platforms)
		assert.Equal(t, config.DispatchTuning{Workers: 3, MaxConcurrentBig: 2}, cfg.Dispatch[push.PlatformAPN])

		// 5. Durations
		assert.Equal(t, 45*time.Second, cfg.MaintenancePeriod)
		assert.Equal(t, 6*time.Hour, cfg.MessageRetention)

		assert.NotNil(t, cfg.PubsubConsumerConfig)
	})

	t.Run("Success - Handles missing optional fields gracefully", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{
			ProjectID: "minimal-project",
		}

		cfg, err := config.NewConfigFromYaml(yamlCfg, logger)

		require.NoError(t, err)
		assert.Equal(t, "minimal-project", cfg.ProjectID)
		assert.Equal(t, 0, cfg.NumPipelineWorkers)
		assert.Empty(t, cfg.ListenAddr)
		assert.Empty(t, cfg.Vapid.PublicKey)
		assert.Nil(t, cfg.APNS.Token)
		assert.Nil(t, cfg.PubsubConsumerConfig)
		assert.Zero(t, cfg.MaintenancePeriod)
	})

	t.Run("Failure - invalid duration", func(t *testing.T) {
		yamlCfg := &config.YamlConfig{MaintenancePeriod: "soon"}

		_, err := config.NewConfigFromYaml(yamlCfg, logger)

		assert.ErrorContains(t, err, "maintenance_period")
	})
}
