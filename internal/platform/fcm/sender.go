// Package fcm sends notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// MaxPayloadSize is the FCM limit on the data payload.
const MaxPayloadSize = 4096

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Sender multicasts one batch per call.
type Sender struct {
	logger *slog.Logger
}

func NewSender(logger *slog.Logger) *Sender {
	return &Sender{logger: logger.With("component", "FCMSender")}
}

var _ dispatch.Sender[push.DeviceRegistration, MessagingClient] = (*Sender)(nil)

// Send multicasts msg.Data to the batch. Garbage tokens are returned as
// invalid. An FCM outage fails the batch without aborting the message; an
// authentication or request error is severe.
func (s *Sender) Send(ctx context.Context, client MessagingClient, msg *push.Message, batch []push.DeviceRegistration) (dispatch.BatchResult, error) {
	var result dispatch.BatchResult
	if len(batch) == 0 {
		return result, nil
	}

	raw, err := json.Marshal(msg.Data)
	if err != nil {
		return result, fmt.Errorf("failed to encode FCM data: %w", err)
	}
	if len(raw) > MaxPayloadSize {
		return result, push.NewError(push.ErrCodePayloadTooBig, "MessageTooBig")
	}

	tokens := make([]string, len(batch))
	for i, reg := range batch {
		tokens[i] = reg.Token()
	}
	mm := &messaging.MulticastMessage{
		Tokens:  tokens,
		Data:    msg.Data,
		Android: &messaging.AndroidConfig{Priority: "high"},
	}

	br, err := client.SendEachForMulticast(ctx, mm)
	if err != nil {
		if messaging.IsUnavailable(err) || messaging.IsInternal(err) {
			s.logger.Warn("FCM unavailable, batch failed", "message_id", msg.ID, "err", err)
			result.Failed = len(batch)
			result.Detail = fmt.Sprintf("FCM unavailable while sending to %d registrations: %v", len(batch), err)
			return result, nil
		}
		return result, fmt.Errorf("fcm transport failed: %w", err)
	}

	rejected := make(map[string]int)
	for idx, resp := range br.Responses {
		if resp.Success {
			result.Delivered++
			continue
		}
		// Check for FATAL errors (The token is garbage)
		if messaging.IsInvalidArgument(resp.Error) || messaging.IsRegistrationTokenNotRegistered(resp.Error) {
			result.Unregistered++
			result.Invalid = append(result.Invalid, tokens[idx])
			continue
		}
		result.Failed++
		rejected[errorReason(resp.Error)]++
	}

	if len(rejected) > 0 {
		lines := make([]string, 0, len(rejected))
		for reason, n := range rejected {
			lines = append(lines, fmt.Sprintf("FCM rejected %d registrations: %s", n, reason))
		}
		sort.Strings(lines)
		result.Detail = strings.Join(lines, "\n")
		s.logger.Warn("FCM partial failure", "message_id", msg.ID, "failed", result.Failed)
	}
	return result, nil
}

func errorReason(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case messaging.IsQuotaExceeded(err):
		return "quota exceeded"
	case messaging.IsSenderIDMismatch(err):
		return "sender id mismatch"
	case messaging.IsUnavailable(err):
		return "unavailable"
	case messaging.IsInternal(err):
		return "internal error"
	default:
		return err.Error()
	}
}
