//go:build integration

package pushservice_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/internal/manager"
	"github.com/tinywideclouds/go-push-service/internal/storage/sqlstore"
	pkgdispatch "github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
	"google.golang.org/protobuf/types/known/durationpb"
)

// --- Fakes ---

// recordingSender accepts every batch and remembers the tokens it saw.
type recordingSender struct {
	mu     sync.Mutex
	calls  int
	tokens []string
}

func (s *recordingSender) Send(_ context.Context, _ string, _ *push.Message, batch []push.DeviceRegistration) (pkgdispatch.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	for _, reg := range batch {
		s.tokens = append(s.tokens, reg.Token())
	}
	return pkgdispatch.BatchResult{Delivered: len(batch)}, nil
}

func (s *recordingSender) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]string(nil), s.tokens...)
}

type staticCredential string

func (c staticCredential) Credential(context.Context, push.Tenant) (string, error) {
	return string(c), nil
}

// --- Setup ---

type integrationEnv struct {
	ctx       context.Context
	projectID string
	psClient  *pubsub.Client
	store     *sqlstore.RegistrationStore[push.DeviceRegistration]
}

func setupIntegration(t *testing.T, projectID string) *integrationEnv {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	db, err := sql.Open(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlstore.Migrate(ctx, db, sqlstore.DriverSQLite, ""))

	return &integrationEnv{
		ctx:       ctx,
		projectID: projectID,
		psClient:  psClient,
		store:     sqlstore.NewDeviceStore(sqlstore.NewDB(db, sqlstore.DriverSQLite, "", newTestLogger()), push.PlatformGCM),
	}
}

func (e *integrationEnv) newService(t *testing.T, subID string, sender *recordingSender) *pushservice.Wrapper {
	t.Helper()
	logger := newTestLogger()

	dcfg := dispatch.DefaultConfig(push.PlatformGCM)
	dcfg.Workers = 2
	dcfg.StartStagger = 0
	gcm, err := dispatch.New[push.DeviceRegistration, string](dcfg, sender, e.store, staticCredential("server-key"), logger)
	require.NoError(t, err)

	mgr, err := manager.New(manager.Config{}, logger, gcm)
	require.NoError(t, err)

	consumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subID), e.psClient, logger)
	require.NoError(t, err)

	svc, err := pushservice.New(
		&config.Config{ListenAddr: ":0", NumPipelineWorkers: 2},
		pushservice.Dependencies{Manager: mgr, Topics: noopTopics{}, Credentials: new(mockCredentialWriter), Consumer: consumer},
		func(h http.Handler) http.Handler { return h },
		logger,
	)
	require.NoError(t, err)

	svcCtx, svcCancel := context.WithCancel(e.ctx)
	go func() {
		if err := svc.Start(svcCtx); err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("service.Start() returned an error: %v", err)
		}
	}()
	t.Cleanup(func() {
		svcCancel()
		_ = svc.Shutdown(context.Background())
	})
	return svc
}

type noopTopics struct{}

func (noopTopics) Topics(context.Context, push.Tenant, string) ([]string, error) {
	return nil, nil
}

func (noopTopics) SetTopics(context.Context, push.Tenant, string, []string) error {
	return nil
}

// --- Tests ---

func TestPushService_Integration(t *testing.T) {
	env := setupIntegration(t, "test-project-integ")

	t.Run("Full Lifecycle: Register -> Publish -> Dispatch", func(t *testing.T) {
		topicID := "push-success-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, env.ctx, env.psClient, env.projectID, topicID, subID, nil)

		tenant := push.Tenant{PublisherID: "pub", Username: "integ-user", AppID: "app"}
		_, err := env.store.PersistRegistrations(env.ctx, []push.DeviceRegistration{
			{Tenant: tenant, DeviceID: "device-0001", RegistrationID: "android-token-999", Platform: push.PlatformGCM},
		})
		require.NoError(t, err)

		sender := &recordingSender{}
		env.newService(t, subID, sender)

		payload, err := json.Marshal(push.SendRequest{
			PublisherID: tenant.PublisherID,
			Username:    tenant.Username,
			AppID:       tenant.AppID,
			Platform:    push.PlatformGCM,
			Data:        map[string]string{"type": "news", "message": "Hello"},
		})
		require.NoError(t, err)
		_, err = env.psClient.Publisher(topicID).Publish(env.ctx, &pubsub.Message{Data: payload}).Get(env.ctx)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			calls, _ := sender.snapshot()
			return calls == 1
		}, 10*time.Second, 100*time.Millisecond)

		_, tokens := sender.snapshot()
		assert.Equal(t, []string{"android-token-999"}, tokens)
	})
}

func TestPushService_PoisonPill(t *testing.T) {
	env := setupIntegration(t, "test-project-dlq")

	runID := uuid.NewString()
	mainTopicID := "push-main-" + runID
	dlqTopicID := "push-dlq-" + runID
	mainSubID := mainTopicID + "-sub"
	dlqSubID := dlqTopicID + "-sub"

	// Create the DLQ topic and a subscription for it first
	createPubsubResources(t, env.ctx, env.psClient, env.projectID, dlqTopicID, dlqSubID, nil)
	createPubsubResources(t, env.ctx, env.psClient, env.projectID, mainTopicID, mainSubID, &pubsubpb.DeadLetterPolicy{
		DeadLetterTopic:     fmt.Sprintf("projects/%s/topics/%s", env.projectID, dlqTopicID),
		MaxDeliveryAttempts: 5,
	})

	sender := &recordingSender{}
	env.newService(t, mainSubID, sender)

	// Malformed JSON fails in the transformer.
	poisonPayload := []byte(`{"this is not valid json"`)
	_, err := env.psClient.Publisher(mainTopicID).Publish(env.ctx, &pubsub.Message{Data: poisonPayload}).Get(env.ctx)
	require.NoError(t, err)

	var receivedMsg *pubsub.Message
	cctx, cancel := context.WithTimeout(env.ctx, 20*time.Second)
	defer cancel()
	err = env.psClient.Subscriber(dlqSubID).Receive(cctx, func(ctx context.Context, msg *pubsub.Message) {
		msg.Ack()
		receivedMsg = msg
		cancel()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("DLQ Receive returned an unexpected error: %v", err)
	}

	require.NotNil(t, receivedMsg, "Did not receive message on the DLQ subscription")
	assert.Equal(t, poisonPayload, receivedMsg.Data)

	calls, _ := sender.snapshot()
	assert.Equal(t, 0, calls, "Sender should not be called for a poison pill message")
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string, dlq *pubsubpb.DeadLetterPolicy) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy:   dlq,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
