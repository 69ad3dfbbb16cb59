package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Submitter accepts a message for dispatch.
type Submitter interface {
	Submit(msg *push.Message) error
}

// NewProcessor hands each decoded message to the manager.
//
// A full queue returns an error so the subscription redelivers the message
// later. Duplicates and unsupported platforms are acknowledged: redelivery
// could never succeed.
func NewProcessor(submitter Submitter, logger *slog.Logger) messagepipeline.StreamProcessor[push.Message] {
	logger = logger.With("component", "IngestionProcessor")

	return func(ctx context.Context, original messagepipeline.Message, msg *push.Message) error {
		procLogger := logger.With(
			"message_id", msg.ID,
			"app", msg.Tenant.Key(),
			"platform", msg.Platform,
			"pubsub_msg_id", original.ID,
		)

		err := submitter.Submit(msg)
		switch {
		case err == nil:
			procLogger.Debug("Message enqueued")
			return nil
		case errors.Is(err, push.ErrQueueFull):
			procLogger.Warn("Queue full; message will be redelivered")
			return err
		case errors.Is(err, push.ErrDuplicate), errors.Is(err, push.ErrUnsupportedPlatform), errors.Is(err, push.ErrValidation):
			procLogger.Warn("Dropping message", "err", err)
			return nil
		default:
			procLogger.Error("Failed to submit message", "err", err)
			return err
		}
	}
}
