package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// MaintenanceWorker periodically persists pending registrations and deletes
// invalid tokens through the repository.
type MaintenanceWorker[R push.Registration] struct {
	platform    push.Platform
	period      time.Duration
	deleteBatch int
	pending     *Backlog[R]
	invalid     *Backlog[string]
	repo        dispatch.Repository[R]
	observer    Observer
	logger      *slog.Logger

	status    atomic.Int32
	processed atomic.Int64
	deleted   atomic.Int64
}

func newMaintenanceWorker[R push.Registration](
	cfg Config,
	pending *Backlog[R],
	invalid *Backlog[string],
	repo dispatch.Repository[R],
	observer Observer,
	logger *slog.Logger,
) *MaintenanceWorker[R] {
	return &MaintenanceWorker[R]{
		platform:    cfg.Platform,
		period:      cfg.MaintenancePeriod,
		deleteBatch: cfg.DeleteBatchSize,
		pending:     pending,
		invalid:     invalid,
		repo:        repo,
		observer:    observer,
		logger:      logger.With("component", "MaintenanceWorker"),
	}
}

// Run passes once per period until ctx is cancelled, then runs a final pass
// so registrations queued just before shutdown are not dropped.
func (m *MaintenanceWorker[R]) Run(ctx context.Context) {
	m.status.Store(int32(WorkerWaiting))
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.status.Store(int32(WorkerRunning))
			m.Pass(context.WithoutCancel(ctx))
			m.status.Store(int32(WorkerStopped))
			m.logger.Info("Maintenance stopped after final pass")
			return
		case <-ticker.C:
			m.status.Store(int32(WorkerRunning))
			m.Pass(ctx)
			m.status.Store(int32(WorkerWaiting))
		}
	}
}

// Pass drains both backlogs once. A batch the repository fails on goes back
// to the head of its backlog for the next pass.
func (m *MaintenanceWorker[R]) Pass(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport

	if pending := m.pending.Drain(); len(pending) > 0 {
		result, err := m.repo.PersistRegistrations(ctx, pending)
		if err != nil {
			m.pending.PushFront(pending)
			report.Requeued += len(pending)
			m.logger.Error("Failed to persist registrations, will retry", "count", len(pending), "err", err)
		} else {
			report.Persisted = result.Succeeded
			report.PersistFailed = result.Failed
			m.processed.Add(int64(result.Succeeded + result.Failed))
			m.logger.Info("Persisted registrations", "succeeded", result.Succeeded, "failed", result.Failed)
		}
	}

	if tokens := m.invalid.Drain(); len(tokens) > 0 {
		for i := 0; i < len(tokens); i += m.deleteBatch {
			batch := tokens[i:min(i+m.deleteBatch, len(tokens))]
			result, err := m.repo.DeleteInvalidRegistrations(ctx, m.platform, batch)
			if err != nil {
				m.invalid.PushFront(tokens[i:])
				report.Requeued += len(tokens) - i
				m.logger.Error("Failed to delete invalid registrations, will retry", "remaining", len(tokens)-i, "err", err)
				break
			}
			report.Deleted += result.Succeeded
			report.DeleteFailed += result.Failed
			m.deleted.Add(int64(result.Succeeded))
		}
		m.logger.Info("Deleted invalid registrations", "deleted", report.Deleted, "failed", report.DeleteFailed)
	}

	if report != (MaintenanceReport{}) {
		m.observer.MaintenanceCompleted(m.platform, report)
	}
	return report
}

func (m *MaintenanceWorker[R]) Status() WorkerStatus {
	return WorkerStatus(m.status.Load())
}

// Processed is the running total of registrations handed to the repository.
func (m *MaintenanceWorker[R]) Processed() int64 {
	return m.processed.Load()
}

// Deleted is the running total of invalid registrations removed.
func (m *MaintenanceWorker[R]) Deleted() int64 {
	return m.deleted.Load()
}
