package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tinywideclouds/go-push-service/internal/credentials"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// CredentialProvider resolves a tenant's VAPID keys from its uploaded
// vapid.json, falling back to the service-wide keys.
type CredentialProvider struct {
	store    *credentials.Store
	fallback VAPIDKeys
	cache    credentials.Cache[VAPIDKeys]
	logger   *slog.Logger
}

var _ dispatch.CredentialProvider[VAPIDKeys] = (*CredentialProvider)(nil)

func NewCredentialProvider(store *credentials.Store, fallback VAPIDKeys, logger *slog.Logger) *CredentialProvider {
	p := &CredentialProvider{
		store:    store,
		fallback: fallback,
		logger:   logger.With("component", "VAPIDCredentials"),
	}
	if fallback.PublicKey == "" || fallback.PrivateKey == "" {
		p.logger.Warn("VAPID keys missing in configuration. Tenants without vapid.json will fail.")
	}
	store.OnChange(func(tenant push.Tenant, name string) {
		if name == credentials.VAPIDKeysFile {
			p.cache.Invalidate(tenant)
		}
	})
	return p
}

func (p *CredentialProvider) Credential(_ context.Context, tenant push.Tenant) (VAPIDKeys, error) {
	return p.cache.Get(tenant, func() (VAPIDKeys, error) {
		data, err := p.store.Read(tenant, credentials.VAPIDKeysFile)
		if errors.Is(err, push.ErrConfiguration) {
			if p.fallback.PublicKey == "" || p.fallback.PrivateKey == "" {
				return VAPIDKeys{}, push.NewError(push.ErrCodeConfiguration, "VAPID keys are missing")
			}
			return p.fallback, nil
		}
		if err != nil {
			return VAPIDKeys{}, err
		}

		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err != nil {
			return VAPIDKeys{}, push.NewErrorWithCause(push.ErrCodeConfiguration, "vapid.json is invalid", err)
		}
		if keys.PublicKey == "" || keys.PrivateKey == "" {
			return VAPIDKeys{}, push.NewError(push.ErrCodeConfiguration, "vapid.json must contain publicKey and privateKey")
		}
		if keys.Subscriber == "" {
			keys.Subscriber = p.fallback.Subscriber
		}
		return keys, nil
	})
}
