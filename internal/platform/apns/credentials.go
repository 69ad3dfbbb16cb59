package apns

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-push-service/internal/credentials"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const (
	ErrCertificateMissing = "APNs Certificate is missing"
	ErrCertificateExpired = "APNs Certificate has expired"
)

// TokenConfig holds the credentials required to sign APNs tokens.
type TokenConfig struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
}

// CredentialConfig configures client resolution.
type CredentialConfig struct {
	CertificatePassword string
	Sandbox             bool
	// Token, when set, is used for tenants without their own certificate.
	Token *TokenConfig
}

// CredentialProvider resolves a tenant's APNs client from its uploaded
// PKCS#12 certificate, falling back to a shared token-auth client.
type CredentialProvider struct {
	store    *credentials.Store
	cfg      CredentialConfig
	fallback *Client
	cache    credentials.Cache[*Client]
	now      func() time.Time
	logger   *slog.Logger
}

var _ dispatch.CredentialProvider[*Client] = (*CredentialProvider)(nil)

// NewCredentialProvider parses the token key immediately to fail fast on
// startup if the shared credentials are bad.
func NewCredentialProvider(store *credentials.Store, cfg CredentialConfig, logger *slog.Logger) (*CredentialProvider, error) {
	p := &CredentialProvider{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "APNSCredentials"),
	}
	if cfg.Token != nil {
		fallback, err := newTokenClient(*cfg.Token, cfg.Sandbox)
		if err != nil {
			return nil, err
		}
		p.fallback = fallback
	}
	store.OnChange(func(tenant push.Tenant, name string) {
		if name == credentials.APNSCertificateFile {
			p.cache.Invalidate(tenant)
		}
	})
	return p, nil
}

func newTokenClient(cfg TokenConfig, sandbox bool) (*Client, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}
	client := apns2.NewTokenClient(tokenSource)
	if sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}
	return &Client{APNSClient: client, Topic: cfg.BundleID}, nil
}

// Credential returns the tenant's client. A missing or expired certificate
// with no fallback is a configuration error.
func (p *CredentialProvider) Credential(_ context.Context, tenant push.Tenant) (*Client, error) {
	client, err := p.cache.Get(tenant, func() (*Client, error) { return p.load(tenant) })
	if err != nil {
		return nil, err
	}
	if !client.NotAfter.IsZero() && p.now().After(client.NotAfter) {
		p.cache.Invalidate(tenant)
		return nil, push.NewError(push.ErrCodeConfiguration, ErrCertificateExpired)
	}
	return client, nil
}

func (p *CredentialProvider) load(tenant push.Tenant) (*Client, error) {
	data, err := p.store.Read(tenant, credentials.APNSCertificateFile)
	if errors.Is(err, push.ErrConfiguration) {
		if p.fallback != nil {
			return p.fallback, nil
		}
		return nil, push.NewError(push.ErrCodeConfiguration, ErrCertificateMissing)
	}
	if err != nil {
		return nil, err
	}

	cert, err := certificate.FromP12Bytes(data, p.cfg.CertificatePassword)
	if err != nil {
		return nil, push.NewErrorWithCause(push.ErrCodeConfiguration, "APNs Certificate could not be read", err)
	}
	client, err := p.clientFromCertificate(cert)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Loaded APNs certificate", "app", tenant.Key(), "not_after", client.NotAfter)
	return client, nil
}

func (p *CredentialProvider) clientFromCertificate(cert tls.Certificate) (*Client, error) {
	if len(cert.Certificate) == 0 {
		return nil, push.NewError(push.ErrCodeConfiguration, ErrCertificateMissing)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, push.NewErrorWithCause(push.ErrCodeConfiguration, "APNs Certificate could not be parsed", err)
	}
	if p.now().After(leaf.NotAfter) {
		return nil, push.NewError(push.ErrCodeConfiguration, ErrCertificateExpired)
	}

	client := apns2.NewClient(cert)
	if p.cfg.Sandbox {
		client = client.Development()
	} else {
		client = client.Production()
	}
	return &Client{APNSClient: client, NotAfter: leaf.NotAfter}, nil
}
