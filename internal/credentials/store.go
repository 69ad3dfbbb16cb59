// Package credentials stores per-tenant platform credential files on disk
// under {dir}/{publisherId}/{username}/{appId}/.
package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Credential file names.
const (
	APNSCertificateFile = "apns.p12"
	FCMServiceAccount   = "fcm-service-account.json"
	VAPIDKeysFile       = "vapid.json"
)

// FileFor maps a platform to the name of its tenant credential file.
func FileFor(p push.Platform) (string, bool) {
	switch p {
	case push.PlatformAPN:
		return APNSCertificateFile, true
	case push.PlatformGCM:
		return FCMServiceAccount, true
	case push.PlatformWebPush:
		return VAPIDKeysFile, true
	}
	return "", false
}

// ChangeFunc is called after a tenant's credential file was replaced.
type ChangeFunc func(tenant push.Tenant, name string)

// Store reads and writes tenant credential files.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	listeners []ChangeFunc
}

func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: dir, logger: logger.With("component", "CredentialStore")}
}

// OnChange registers fn to be told about every successful Write.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Path returns where the named file lives for tenant.
func (s *Store) Path(tenant push.Tenant, name string) (string, error) {
	for _, part := range []string{tenant.PublisherID, tenant.Username, tenant.AppID, name} {
		if strings.ContainsAny(part, `/\`) || part == ".." {
			return "", push.NewError(push.ErrCodeValidation, fmt.Sprintf("invalid credential path component %q", part))
		}
	}
	if tenant.Username == "" || tenant.AppID == "" {
		return "", push.NewError(push.ErrCodeValidation, "username and appId are required")
	}
	return filepath.Join(s.dir, tenant.PublisherID, tenant.Username, tenant.AppID, name), nil
}

// Exists reports whether the named file is present for tenant.
func (s *Store) Exists(tenant push.Tenant, name string) bool {
	path, err := s.Path(tenant, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Read returns the file content. A missing file is a configuration error.
func (s *Store) Read(tenant push.Tenant, name string) ([]byte, error) {
	path, err := s.Path(tenant, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, push.NewErrorWithCause(push.ErrCodeConfiguration, fmt.Sprintf("%s is missing", name), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential %s: %w", path, err)
	}
	return data, nil
}

// Write replaces the file atomically and notifies listeners.
func (s *Store) Write(tenant push.Tenant, name string, data []byte) error {
	path, err := s.Path(tenant, name)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return push.NewError(push.ErrCodeValidation, "credential file is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create credential file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	s.logger.Info("Credential stored", "app", tenant.Key(), "file", name)
	s.mu.RLock()
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(tenant, name)
	}
	return nil
}

// Cache memoizes one built client per tenant.
type Cache[C any] struct {
	mu    sync.Mutex
	items map[string]C
}

// Get returns the cached value for tenant or builds and stores it. Build
// errors are not cached.
func (c *Cache[C]) Get(tenant push.Tenant, build func() (C, error)) (C, error) {
	key := tenant.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items[key]; ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return v, err
	}
	if c.items == nil {
		c.items = make(map[string]C)
	}
	c.items[key] = v
	return v, nil
}

// Invalidate forgets tenant's cached value.
func (c *Cache[C]) Invalidate(tenant push.Tenant) {
	c.mu.Lock()
	delete(c.items, tenant.Key())
	c.mu.Unlock()
}
