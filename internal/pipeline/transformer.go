// Package pipeline contains the Pub/Sub ingestion stages that feed send
// requests into the dispatch engine.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// SendRequestTransformer is a dataflow Transformer that unmarshals and
// validates a raw payload into a push.Message.
//
// Malformed or invalid payloads are returned with skip=true so the
// StreamingService can route them to the dead-letter topic.
func SendRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.Message, bool, error) {
	var req push.SendRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal send request from message %s: %w", msg.ID, err)
	}

	message, err := req.ToMessage()
	if err != nil {
		return nil, true, fmt.Errorf("invalid send request in message %s: %w", msg.ID, err)
	}
	return message, false, nil
}
