package fcm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"github.com/tinywideclouds/go-push-service/internal/credentials"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
	"google.golang.org/api/option"
)

// ClientFactory builds a messaging client from a service-account JSON document.
type ClientFactory func(ctx context.Context, serviceAccount []byte) (MessagingClient, error)

// NewFirebaseClient is the production ClientFactory.
func NewFirebaseClient(ctx context.Context, serviceAccount []byte) (MessagingClient, error) {
	var account struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(serviceAccount, &account); err != nil {
		return nil, fmt.Errorf("invalid service account JSON: %w", err)
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: account.ProjectID}, option.WithCredentialsJSON(serviceAccount))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
	}
	return client, nil
}

// CredentialProvider resolves a tenant's messaging client from its uploaded
// service account, falling back to the default Firebase app.
type CredentialProvider struct {
	store    *credentials.Store
	factory  ClientFactory
	fallback MessagingClient
	cache    credentials.Cache[MessagingClient]
	logger   *slog.Logger
}

var _ dispatch.CredentialProvider[MessagingClient] = (*CredentialProvider)(nil)

// NewCredentialProvider wires the provider. fallback may be nil.
func NewCredentialProvider(store *credentials.Store, factory ClientFactory, fallback MessagingClient, logger *slog.Logger) *CredentialProvider {
	p := &CredentialProvider{
		store:    store,
		factory:  factory,
		fallback: fallback,
		logger:   logger.With("component", "FCMCredentials"),
	}
	store.OnChange(func(tenant push.Tenant, name string) {
		if name == credentials.FCMServiceAccount {
			p.cache.Invalidate(tenant)
		}
	})
	return p
}

func (p *CredentialProvider) Credential(ctx context.Context, tenant push.Tenant) (MessagingClient, error) {
	return p.cache.Get(tenant, func() (MessagingClient, error) {
		data, err := p.store.Read(tenant, credentials.FCMServiceAccount)
		if errors.Is(err, push.ErrConfiguration) {
			if p.fallback != nil {
				return p.fallback, nil
			}
			return nil, push.NewError(push.ErrCodeConfiguration, "FCM service account is missing")
		}
		if err != nil {
			return nil, err
		}
		client, err := p.factory(ctx, data)
		if err != nil {
			return nil, push.NewErrorWithCause(push.ErrCodeConfiguration, "FCM service account is invalid", err)
		}
		p.logger.Debug("Loaded FCM service account", "app", tenant.Key())
		return client, nil
	})
}
