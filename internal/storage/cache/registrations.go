// Package cache adds Redis read-aside caching in front of a registration store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or a specific error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
}

// CachedRegistrationStore is a decorator that caches unfiltered resolutions
// per tenant. Filtered resolutions (device ids or topics) always go to the
// underlying store.
//
// Persisting registrations drops the affected tenant keys. Deleting invalid
// tokens cannot name a tenant, so it bumps the platform generation instead,
// which orphans every cached entry of the platform.
type CachedRegistrationStore[R push.Registration] struct {
	realStore dispatch.RegistrationStore[R]
	cache     CacheClient
	platform  push.Platform
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedRegistrationStore[R push.Registration](realStore dispatch.RegistrationStore[R], cache CacheClient, platform push.Platform, ttl time.Duration, logger *slog.Logger) *CachedRegistrationStore[R] {
	return &CachedRegistrationStore[R]{
		realStore: realStore,
		cache:     cache,
		platform:  platform,
		ttl:       ttl,
		logger:    logger.With("component", "CachedRegistrationStore", "platform", platform),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedRegistrationStore[R]) Registrations(ctx context.Context, msg *push.Message) ([]R, error) {
	if len(msg.DeviceIDs) > 0 || msg.Topics != "" {
		return s.realStore.Registrations(ctx, msg)
	}

	key := s.cacheKey(ctx, msg.Tenant)
	var cached []R
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.Registrations(ctx, msg)
	if err != nil {
		return nil, err
	}

	// Caching is an optimization; if Redis is down we serve from the store.
	if err := s.cache.Set(ctx, key, fresh, s.ttl); err != nil {
		s.logger.Debug("Failed to cache registrations", "key", key, "err", err)
	}
	return fresh, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedRegistrationStore[R]) PersistRegistrations(ctx context.Context, batch []R) (dispatch.PersistResult, error) {
	result, err := s.realStore.PersistRegistrations(ctx, batch)
	if err != nil {
		return result, err
	}

	seen := make(map[push.Tenant]bool)
	var keys []string
	for _, reg := range batch {
		tenant := reg.Record().Tenant
		if !seen[tenant] {
			seen[tenant] = true
			keys = append(keys, s.cacheKey(ctx, tenant))
		}
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("Failed to invalidate cached registrations", "tenants", len(keys), "err", err)
	}
	return result, nil
}

func (s *CachedRegistrationStore[R]) DeleteInvalidRegistrations(ctx context.Context, platform push.Platform, tokens []string) (dispatch.PersistResult, error) {
	result, err := s.realStore.DeleteInvalidRegistrations(ctx, platform, tokens)
	if err != nil {
		return result, err
	}
	if _, err := s.cache.Incr(ctx, s.generationKey()); err != nil {
		s.logger.Warn("Failed to bump registration cache generation", "err", err)
	}
	return result, nil
}

// --- Helpers ---

func (s *CachedRegistrationStore[R]) generationKey() string {
	return fmt.Sprintf("push:registrations:%s:gen", s.platform)
}

func (s *CachedRegistrationStore[R]) cacheKey(ctx context.Context, tenant push.Tenant) string {
	var gen int64
	_ = s.cache.Get(ctx, s.generationKey(), &gen)
	return fmt.Sprintf("push:registrations:%s:%d:%s", s.platform, gen, tenant.Key())
}
