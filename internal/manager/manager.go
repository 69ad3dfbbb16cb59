// Package manager routes messages and device registrations to the dispatch
// service of their platform and keeps the id-keyed message status registry.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// PlatformService is the slice of a dispatch service the manager drives.
type PlatformService interface {
	Platform() push.Platform
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Enqueue(msg *push.Message) bool
	RegisterDevice(reg push.Registration) error
	Stats() dispatch.Stats
}

// Config controls registry eviction.
type Config struct {
	// Retention is how long a finished message stays queryable. Zero keeps
	// messages forever.
	Retention time.Duration
	// SweepPeriod is how often expired messages are evicted.
	SweepPeriod time.Duration
}

// Manager is the entry point for message submission and status queries.
type Manager struct {
	id        string
	cfg       Config
	services  map[push.Platform]PlatformService
	logger    *slog.Logger
	startedAt atomic.Int64

	mu       sync.RWMutex
	messages map[string]*push.Message

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// New creates a Manager over one service per platform.
func New(cfg Config, logger *slog.Logger, services ...PlatformService) (*Manager, error) {
	m := &Manager{
		id:       uuid.NewString(),
		cfg:      cfg,
		services: make(map[push.Platform]PlatformService, len(services)),
		logger:   logger.With("component", "MessageManager"),
		messages: make(map[string]*push.Message),
	}
	for _, svc := range services {
		p := svc.Platform()
		if _, exists := m.services[p]; exists {
			return nil, fmt.Errorf("duplicate dispatch service for platform %q", p)
		}
		m.services[p] = svc
	}
	return m, nil
}

// StartServices starts every dispatch service. A failing service is logged
// and skipped so the others still run.
func (m *Manager) StartServices(ctx context.Context) {
	m.startedAt.Store(time.Now().UnixNano())
	for _, p := range m.platforms() {
		if err := m.services[p].Start(ctx); err != nil {
			m.logger.Error("Failed to start dispatch service", "platform", p, "err", err)
			continue
		}
		m.logger.Info("Dispatch service started", "platform", p)
	}

	if m.cfg.Retention > 0 && m.cfg.SweepPeriod > 0 {
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.stopSweep = cancel
		m.sweepDone = make(chan struct{})
		go m.sweep(sweepCtx)
	}
}

// StopServices stops every dispatch service, logging failures.
func (m *Manager) StopServices(ctx context.Context) {
	if m.stopSweep != nil {
		m.stopSweep()
		<-m.sweepDone
		m.stopSweep = nil
	}
	for _, p := range m.platforms() {
		if err := m.services[p].Stop(ctx); err != nil {
			m.logger.Error("Failed to stop dispatch service", "platform", p, "err", err)
			continue
		}
		m.logger.Info("Dispatch service stopped", "platform", p)
	}
}

// Submit routes msg to its platform's queue. On success the message is
// Queued and can be looked up by id. The error carries the push error code
// of the rejection.
func (m *Manager) Submit(msg *push.Message) error {
	if msg == nil || msg.ID == "" {
		return push.NewError(push.ErrCodeValidation, "message must have an id")
	}
	svc, ok := m.services[msg.Platform]
	if !ok {
		return push.NewError(push.ErrCodeUnsupportedPlatform, fmt.Sprintf("platform %q is not supported", msg.Platform))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.messages[msg.ID]; exists {
		return push.NewError(push.ErrCodeDuplicate, fmt.Sprintf("message %s already submitted", msg.ID))
	}
	if !svc.Enqueue(msg) {
		return push.NewError(push.ErrCodeQueueFull, "Message queue is full. Try again later.")
	}
	m.messages[msg.ID] = msg
	return nil
}

// Enqueue is Submit reduced to accepted or not.
func (m *Manager) Enqueue(msg *push.Message) bool {
	err := m.Submit(msg)
	if err != nil {
		m.logger.Debug("Message rejected", "err", err)
	}
	return err == nil
}

// RegisterDevice routes a registration to its platform's pending backlog.
func (m *Manager) RegisterDevice(reg push.Registration) error {
	platform := reg.Record().Platform
	svc, ok := m.services[platform]
	if !ok {
		return push.NewError(push.ErrCodeUnsupportedPlatform, fmt.Sprintf("platform %q is not supported", platform))
	}
	return svc.RegisterDevice(reg)
}

// Message looks up a submitted message by id.
func (m *Manager) Message(id string) (*push.Message, error) {
	m.mu.RLock()
	msg, ok := m.messages[id]
	m.mu.RUnlock()
	if !ok {
		return nil, push.NewError(push.ErrCodeNotFound, "Message not found.")
	}
	return msg, nil
}

// Supports reports whether a dispatch service exists for p.
func (m *Manager) Supports(p push.Platform) bool {
	_, ok := m.services[p]
	return ok
}

// Evict drops finished messages whose last status change is older than the
// retention. It returns the number removed.
func (m *Manager) Evict(now time.Time) int {
	if m.cfg.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, msg := range m.messages {
		if msg.Status().Terminal() && msg.StatusChangedAt().Before(cutoff) {
			delete(m.messages, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) sweep(ctx context.Context) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.SweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Evict(now); n > 0 {
				m.logger.Info("Evicted finished messages", "count", n)
			}
		}
	}
}

func (m *Manager) platforms() []push.Platform {
	out := make([]push.Platform, 0, len(m.services))
	for p := range m.services {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
