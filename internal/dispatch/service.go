// Package dispatch is the per-platform dispatch engine: a bounded message
// queue, a worker pool with big-message admission control, and a maintenance
// loop that reconciles registration bookkeeping.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Config tunes one Service.
type Config struct {
	Platform          push.Platform
	Workers           int
	MaxConcurrentBig  int
	QueueCapacity     int
	BatchSize         int
	DeleteBatchSize   int
	MaintenancePeriod time.Duration
	// StartStagger delays worker i by i*StartStagger.
	StartStagger time.Duration
	// TestResolveDelay simulates the registration lookup of a test message.
	TestResolveDelay time.Duration
	// TestSendDelay is the simulated send time per test registration.
	TestSendDelay time.Duration
}

// DefaultConfig returns the production defaults for a platform.
func DefaultConfig(platform push.Platform) Config {
	cfg := Config{
		Platform:          platform,
		Workers:           15,
		MaxConcurrentBig:  12,
		QueueCapacity:     1000,
		BatchSize:         1000,
		DeleteBatchSize:   200,
		MaintenancePeriod: 30 * time.Second,
		StartStagger:      41 * time.Millisecond,
		TestResolveDelay:  10 * time.Second,
		TestSendDelay:     time.Millisecond,
	}
	if platform == push.PlatformAPN {
		cfg.Workers = 10
		cfg.MaxConcurrentBig = 7
	}
	return cfg
}

func (c Config) validate() error {
	switch {
	case !c.Platform.Supported():
		return fmt.Errorf("unsupported platform %q", c.Platform)
	case c.Workers <= 0:
		return errors.New("workers must be positive")
	case c.QueueCapacity <= 0:
		return errors.New("queue capacity must be positive")
	case c.BatchSize <= 0 || c.BatchSize > 1000:
		return errors.New("batch size must be between 1 and 1000")
	case c.DeleteBatchSize <= 0:
		return errors.New("delete batch size must be positive")
	case c.MaintenancePeriod <= 0:
		return errors.New("maintenance period must be positive")
	}
	return nil
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	observers Observers
}

// WithObserver adds an observer of message and maintenance events.
func WithObserver(o Observer) Option {
	return func(opts *options) {
		opts.observers = append(opts.observers, o)
	}
}

// Service owns the queues, workers and maintenance loop of one platform.
type Service[R push.Registration, C any] struct {
	cfg         Config
	queue       *MessageQueue[R]
	pending     *Backlog[R]
	invalid     *Backlog[string]
	registry    *Registry
	sender      dispatch.Sender[R, C]
	resolver    dispatch.RegistrationResolver[R]
	credentials dispatch.CredentialProvider[C]
	maintenance *MaintenanceWorker[R]
	observer    Observer
	logger      *slog.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	maintCancel context.CancelFunc
	workersWG   sync.WaitGroup
	maintDone   chan struct{}
	started     atomic.Bool
	stopped     atomic.Bool
	startedAt   atomic.Int64
}

// New assembles a Service. Nothing runs until Start.
func New[R push.Registration, C any](
	cfg Config,
	sender dispatch.Sender[R, C],
	store dispatch.RegistrationStore[R],
	credentials dispatch.CredentialProvider[C],
	logger *slog.Logger,
	opts ...Option,
) (*Service[R, C], error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatch config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With("component", "DispatchService", "platform", string(cfg.Platform))
	s := &Service[R, C]{
		cfg:         cfg,
		queue:       newMessageQueue[R](cfg.QueueCapacity),
		pending:     &Backlog[R]{},
		invalid:     &Backlog[string]{},
		registry:    &Registry{},
		sender:      sender,
		resolver:    store,
		credentials: credentials,
		observer:    o.observers,
		logger:      logger,
	}
	s.maintenance = newMaintenanceWorker[R](cfg, s.pending, s.invalid, store, s.observer, logger)
	return s, nil
}

func (s *Service[R, C]) Platform() push.Platform {
	return s.cfg.Platform
}

// Start launches the worker pool with staggered start-up, then the maintenance loop.
func (s *Service[R, C]) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("dispatch service already started")
	}

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)
	maintCtx, maintCancel := context.WithCancel(base)
	s.cancel = cancel
	s.maintCancel = maintCancel
	s.startedAt.Store(time.Now().UnixNano())

	deps := workerDeps[R, C]{
		cfg:         s.cfg,
		queue:       s.queue,
		invalid:     s.invalid,
		registry:    s.registry,
		sender:      s.sender,
		resolver:    s.resolver,
		credentials: s.credentials,
		observer:    s.observer,
	}
	for i := 0; i < s.cfg.Workers; i++ {
		w := newWorker[R, C](newWorkerID(), deps, s.logger)
		delay := time.Duration(i) * s.cfg.StartStagger
		s.workersWG.Add(1)
		go func() {
			defer s.workersWG.Done()
			w.Run(runCtx, delay)
		}()
	}

	s.maintDone = make(chan struct{})
	go func() {
		defer close(s.maintDone)
		s.maintenance.Run(maintCtx)
	}()

	s.logger.Info("Dispatch service started", "workers", s.cfg.Workers, "queue_capacity", s.cfg.QueueCapacity)
	return nil
}

// Stop closes the queue, then stops the workers and waits for them to finish
// their in-flight and still-queued messages. Only then is maintenance
// cancelled, so its final pass sees every invalid token the workers reported.
// If ctx expires first the wait is abandoned.
func (s *Service[R, C]) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Load() || !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("Stopping dispatch service")
	s.queue.close()
	s.cancel()

	workersDone := make(chan struct{})
	go func() {
		s.workersWG.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		for _, w := range s.registry.Snapshot() {
			if w.Status != WorkerStopped {
				s.logger.Error("Worker did not stop in time", "worker_id", w.ID, "status", w.Status, "message_id", w.MessageID)
			}
		}
		s.maintCancel()
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}

	s.maintCancel()
	select {
	case <-s.maintDone:
	case <-ctx.Done():
		s.logger.Error("Maintenance did not stop in time")
		return fmt.Errorf("waiting for maintenance: %w", ctx.Err())
	}
	s.logger.Info("Dispatch service stopped")
	return nil
}

// Enqueue accepts msg iff the queue is below capacity. On acceptance the
// message is Queued; on rejection nothing changes.
func (s *Service[R, C]) Enqueue(msg *push.Message) bool {
	return s.enqueue(job[R]{msg: msg})
}

// EnqueueWithRegistrations is Enqueue with an explicit registration list,
// which skips the registration lookup.
func (s *Service[R, C]) EnqueueWithRegistrations(msg *push.Message, registrations []R) bool {
	if registrations == nil {
		registrations = []R{}
	}
	return s.enqueue(job[R]{msg: msg, registrations: registrations})
}

func (s *Service[R, C]) enqueue(j job[R]) bool {
	if s.stopped.Load() || j.msg == nil {
		return false
	}
	return s.queue.tryEnqueue(j)
}

// RegisterDevice queues a registration for the next maintenance pass. Intake
// is never rejected for load, only for a registration of the wrong kind or
// with blank required fields.
func (s *Service[R, C]) RegisterDevice(reg push.Registration) error {
	typed, ok := reg.(R)
	if !ok {
		return push.NewError(push.ErrCodeValidation, fmt.Sprintf("registration type %T not accepted by %s", reg, s.cfg.Platform))
	}
	if err := typed.Validate(); err != nil {
		return push.NewErrorWithCause(push.ErrCodeValidation, "invalid device registration", err)
	}
	s.pending.Push(typed)
	return nil
}

func newWorkerID() string {
	return "i-" + uuid.NewString()[:8]
}
