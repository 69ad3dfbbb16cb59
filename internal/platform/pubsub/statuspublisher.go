// Package pubsub contains concrete adapters for interacting with Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"github.com/tinywideclouds/go-push-service/internal/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// pubsubTopicClient defines the interface for the underlying pubsub.Publisher.
// This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// StatusPublisher publishes the status document of every message that
// reaches a terminal status. Publishing never blocks the dispatch worker;
// results are awaited in the background and failures are logged.
type StatusPublisher struct {
	topic  pubsubTopicClient
	ctx    context.Context
	wg     sync.WaitGroup
	logger *slog.Logger
}

var _ dispatch.Observer = (*StatusPublisher)(nil)

func NewStatusPublisher(topic pubsubTopicClient, logger *slog.Logger) *StatusPublisher {
	return &StatusPublisher{
		topic:  topic,
		ctx:    context.Background(),
		logger: logger.With("component", "StatusPublisher"),
	}
}

func (p *StatusPublisher) MessageStarted(push.Platform, *push.Message) {}

func (p *StatusPublisher) MaintenanceCompleted(push.Platform, dispatch.MaintenanceReport) {}

func (p *StatusPublisher) MessageFinished(platform push.Platform, msg *push.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("Failed to marshal status document", "message_id", msg.ID, "err", err)
		return
	}

	result := p.topic.Publish(p.ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"platform": string(platform),
			"status":   msg.Status().String(),
			"appId":    msg.AppID,
		},
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := result.Get(p.ctx); err != nil {
			p.logger.Error("Failed to publish status event", "message_id", msg.ID, "err", err)
		}
	}()
}

// Flush waits for outstanding publish results or for ctx to end.
func (p *StatusPublisher) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
