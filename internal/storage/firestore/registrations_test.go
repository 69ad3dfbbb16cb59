//go:build integration

package firestore_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fs "github.com/tinywideclouds/go-push-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

var tenant = push.Tenant{PublisherID: "pub", Username: "owner", AppID: "app"}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupSuite(t *testing.T) (context.Context, *fs.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	projectID := "test-registration-store"
	conn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	client, err := firestore.NewClient(ctx, projectID, conn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return ctx, fs.NewStore(client, "registrations-"+t.Name(), newTestLogger())
}

func tokens[R push.Registration](regs []R) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Token())
	}
	return out
}

func TestRegistrationStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)
	devices := fs.NewDeviceStore(store, push.PlatformAPN)

	reg := func(id, token string) push.DeviceRegistration {
		return push.DeviceRegistration{Tenant: tenant, DeviceID: id, RegistrationID: token, Platform: push.PlatformAPN, SchemaVersion: 1}
	}

	t.Run("Registration Lifecycle", func(t *testing.T) {
		res, err := devices.PersistRegistrations(ctx, []push.DeviceRegistration{
			reg("device-0001", "token-1"),
			reg("device-0002", "token-2"),
			reg("device-0003", "token-3"),
		})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Succeeded)

		regs, err := devices.Registrations(ctx, push.NewMessage(tenant, push.PlatformAPN, nil))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"token-1", "token-2", "token-3"}, tokens(regs))

		// Another tenant sees nothing.
		other := push.NewMessage(push.Tenant{PublisherID: "pub", Username: "owner", AppID: "other"}, push.PlatformAPN, nil)
		regs, err = devices.Registrations(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, regs)
	})

	t.Run("Device id filter", func(t *testing.T) {
		msg := push.NewMessage(tenant, push.PlatformAPN, nil)
		msg.DeviceIDs = []string{"device-0001", "device-0003"}

		regs, err := devices.Registrations(ctx, msg)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"token-1", "token-3"}, tokens(regs))
	})

	t.Run("Topic filter survives re-registration", func(t *testing.T) {
		require.NoError(t, store.SetTopics(ctx, tenant, "device-0002", []string{"sports", "sports", "news"}))
		_, err := devices.PersistRegistrations(ctx, []push.DeviceRegistration{reg("device-0002", "token-2b")})
		require.NoError(t, err)

		msg := push.NewMessage(tenant, push.PlatformAPN, nil)
		msg.Topics = "news"
		regs, err := devices.Registrations(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, []string{"token-2b"}, tokens(regs))

		topics, err := store.Topics(ctx, tenant, "device-0002")
		require.NoError(t, err)
		assert.Equal(t, []string{"news", "sports"}, topics)
	})

	t.Run("Unknown device topics are NotFound", func(t *testing.T) {
		_, err := store.Topics(ctx, tenant, "device-9999")
		assert.ErrorIs(t, err, push.ErrNotFound)
		assert.ErrorIs(t, store.SetTopics(ctx, tenant, "device-9999", []string{"x"}), push.ErrNotFound)
	})

	t.Run("Invalid tokens are deleted idempotently", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			res, err := devices.DeleteInvalidRegistrations(ctx, push.PlatformAPN, []string{"token-1"})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Succeeded)
		}
		regs, err := devices.Registrations(ctx, push.NewMessage(tenant, push.PlatformAPN, nil))
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"token-2b", "token-3"}, tokens(regs))
	})
}

func TestWebPushStore_Integration(t *testing.T) {
	ctx, store := setupSuite(t)
	web := fs.NewWebPushStore(store)

	sub := push.WebPushRegistration{
		DeviceRegistration: push.DeviceRegistration{Tenant: tenant, DeviceID: "browser-0001"},
		Endpoint:           "https://fcm.googleapis.com/fcm/send/abc-123",
		P256dh:             "p256dh-key",
		Auth:               "auth-key",
	}
	_, err := web.PersistRegistrations(ctx, []push.WebPushRegistration{sub})
	require.NoError(t, err)

	regs, err := web.Registrations(ctx, push.NewMessage(tenant, push.PlatformWebPush, nil))
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, sub.Endpoint, regs[0].Endpoint)
	assert.Equal(t, "auth-key", regs[0].Auth)

	// Web uses the endpoint as the token.
	_, err = web.DeleteInvalidRegistrations(ctx, push.PlatformWebPush, []string{sub.Endpoint})
	require.NoError(t, err)
	regs, err = web.Registrations(ctx, push.NewMessage(tenant, push.PlatformWebPush, nil))
	require.NoError(t, err)
	assert.Empty(t, regs)
}
