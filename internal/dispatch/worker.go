package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const (
	// TestMessageRegistrations is the synthetic fan-out of a test message.
	TestMessageRegistrations = 60000

	overCapacityDetail = "Server is overloaded. Try again later."
)

// workerDeps is what a worker shares with its pool. Workers never hold a
// reference to the Service itself.
type workerDeps[R push.Registration, C any] struct {
	cfg         Config
	queue       *MessageQueue[R]
	invalid     *Backlog[string]
	registry    *Registry
	sender      dispatch.Sender[R, C]
	resolver    dispatch.RegistrationResolver[R]
	credentials dispatch.CredentialProvider[C]
	observer    Observer
}

// Worker processes one message at a time from the shared queue.
type Worker[R push.Registration, C any] struct {
	id     string
	slot   *slot
	deps   workerDeps[R, C]
	logger *slog.Logger
}

func newWorker[R push.Registration, C any](id string, deps workerDeps[R, C], logger *slog.Logger) *Worker[R, C] {
	return &Worker[R, C]{
		id:     id,
		slot:   deps.registry.register(id),
		deps:   deps,
		logger: logger.With("worker_id", id),
	}
}

// Run blocks until ctx is cancelled, then processes whatever is still queued
// and returns. In-flight sends are not interrupted by cancellation.
func (w *Worker[R, C]) Run(ctx context.Context, startDelay time.Duration) {
	defer w.slot.setStatus(WorkerStopped)

	if startDelay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(startDelay):
		}
	}

	work := context.WithoutCancel(ctx)
	w.slot.setStatus(WorkerWaiting)
	for {
		j, ok := w.deps.queue.dequeue(ctx)
		if !ok {
			break
		}
		w.process(work, j)
	}

	for {
		j, ok := w.deps.queue.poll()
		if !ok {
			break
		}
		w.process(work, j)
	}
	w.logger.Debug("Worker stopped")
}

func (w *Worker[R, C]) process(ctx context.Context, j job[R]) {
	msg := j.msg
	w.slot.begin(msg)
	defer w.slot.idle()

	if !msg.MarkProcessing() {
		w.logger.Warn("Skipping message that is not queued", "message_id", msg.ID, "status", msg.Status())
		return
	}
	w.deps.observer.MessageStarted(w.deps.cfg.Platform, msg)
	defer w.deps.observer.MessageFinished(w.deps.cfg.Platform, msg)

	log := w.logger.With("message_id", msg.ID, "app", msg.Tenant.Key())
	log.Debug("Processing message")

	credential, err := w.deps.credentials.Credential(ctx, msg.Tenant)
	if err != nil {
		kind := push.ErrorInternal
		if errors.Is(err, push.ErrConfiguration) {
			kind = push.ErrorConfiguration
		}
		msg.Fail(kind, err.Error())
		log.Warn("Credential unavailable, failing message", "err", err)
		return
	}

	registrations, err := w.resolve(ctx, msg, j.registrations)
	if err != nil {
		msg.Fail(push.ErrorInternal, err.Error())
		log.Error("Registration lookup failed", "err", err)
		return
	}

	if msg.IsBig() && w.deps.registry.BigRunningExcept(w.id) > w.deps.cfg.MaxConcurrentBig {
		msg.Fail(push.ErrorOverCapacity, overCapacityDetail)
		log.Warn("Too many big messages in flight, failing message", "total", msg.RegistrationsTotal())
		return
	}

	if err := w.transmit(ctx, credential, msg, registrations); err != nil {
		kind := push.ErrorInternal
		if errors.Is(err, push.ErrPayloadTooBig) {
			kind = push.ErrorPayloadTooBig
		}
		msg.Fail(kind, err.Error())
		log.Error("Message send aborted", "err", err, "processed", msg.Counters().Processed)
		return
	}

	msg.MarkDelivered()
	log.Info("Message delivered", "total", msg.RegistrationsTotal(), "delivered", msg.Counters().Delivered)
}

// resolve returns the registrations to send to and assigns the total. Test
// messages resolve to nothing after a simulated lookup delay.
func (w *Worker[R, C]) resolve(ctx context.Context, msg *push.Message, preset []R) ([]R, error) {
	switch {
	case preset != nil:
		msg.AssignRegistrations(len(preset))
		return preset, nil
	case msg.IsTestMessage:
		if msg.RegistrationsTotal() < 0 {
			sleep(ctx, w.deps.cfg.TestResolveDelay)
			msg.AssignRegistrations(TestMessageRegistrations)
		}
		return nil, nil
	}

	registrations, err := w.deps.resolver.Registrations(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registrations: %w", err)
	}
	msg.AssignRegistrations(len(registrations))
	return registrations, nil
}

func (w *Worker[R, C]) transmit(ctx context.Context, credential C, msg *push.Message, registrations []R) error {
	size := w.deps.cfg.BatchSize

	if msg.IsTestMessage {
		total := int(msg.RegistrationsTotal())
		for i := 0; i < total; i += size {
			n := min(size, total-i)
			sleep(ctx, time.Duration(n)*w.deps.cfg.TestSendDelay)
			msg.AddProgress(push.Progress{Processed: n, Delivered: n})
		}
		return nil
	}

	for i := 0; i < len(registrations); i += size {
		batch := registrations[i:min(i+size, len(registrations))]
		result, err := w.deps.sender.Send(ctx, credential, msg, batch)
		if result.Detail != "" {
			msg.AppendErrorDetail(result.Detail)
		}
		if len(result.Invalid) > 0 {
			w.deps.invalid.Push(result.Invalid...)
		}
		if err != nil {
			return fmt.Errorf("batch %d of %d failed: %w", i/size+1, (len(registrations)+size-1)/size, err)
		}
		msg.AddProgress(push.Progress{
			Processed:    len(batch),
			Delivered:    result.Delivered,
			Updated:      result.Updated,
			Failed:       result.Failed,
			Unregistered: result.Unregistered,
		})
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
