// Package apns sends notifications through the Apple Push Notification
// service and resolves per-tenant APNs clients.
package apns

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sideshow/apns2"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// Client is the resolved credential of one tenant.
type Client struct {
	APNSClient
	// Topic is used when the message carries no bundle id of its own.
	Topic string
	// NotAfter is the certificate expiry. Zero for token-based clients.
	NotAfter time.Time
}

// Sender delivers one batch of device registrations per call.
type Sender struct {
	logger *slog.Logger
}

func NewSender(logger *slog.Logger) *Sender {
	return &Sender{logger: logger.With("component", "APNSSender")}
}

var _ dispatch.Sender[push.DeviceRegistration, *Client] = (*Sender)(nil)

// Send pushes to each token in turn; the APNs HTTP/2 API has no multicast.
// Dead tokens are returned as invalid. A credential problem reported by APNs
// aborts the batch, as does a batch in which every push failed in transport.
func (s *Sender) Send(ctx context.Context, client *Client, msg *push.Message, batch []push.DeviceRegistration) (dispatch.BatchResult, error) {
	var result dispatch.BatchResult
	if len(batch) == 0 {
		return result, nil
	}

	p, err := BuildPayload(msg.Data)
	if err != nil {
		return result, err
	}
	topic := msg.UniqueAppID
	if topic == "" {
		topic = client.Topic
	}

	rejected := make(map[string]int)
	var lastTransportErr error
	transportFailures := 0

	for _, reg := range batch {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n := &apns2.Notification{
			DeviceToken: reg.Token(),
			Topic:       topic,
			Payload:     p,
			Priority:    apns2.PriorityHigh,
		}
		res, err := client.Push(n)
		if err != nil {
			s.logger.Error("APNs transport failed", "message_id", msg.ID, "device_id", reg.DeviceID, "err", err)
			transportFailures++
			lastTransportErr = err
			result.Failed++
			continue
		}
		if res.Sent() {
			result.Delivered++
			continue
		}

		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			result.Unregistered++
			result.Invalid = append(result.Invalid, reg.Token())
		case apns2.ReasonPayloadTooLarge:
			return result, push.NewError(push.ErrCodePayloadTooBig, "APNs rejected the payload as too large")
		case apns2.ReasonBadCertificate, apns2.ReasonBadCertificateEnvironment, apns2.ReasonForbidden,
			apns2.ReasonExpiredProviderToken, apns2.ReasonInvalidProviderToken, apns2.ReasonMissingProviderToken,
			apns2.ReasonTopicDisallowed, apns2.ReasonBadTopic, apns2.ReasonMissingTopic:
			return result, fmt.Errorf("APNs rejected the credential (%d %s)", res.StatusCode, res.Reason)
		default:
			result.Failed++
			rejected[res.Reason]++
			s.logger.Warn("APNs rejected notification", "message_id", msg.ID, "reason", res.Reason, "status", res.StatusCode)
		}
	}

	if transportFailures == len(batch) {
		return result, fmt.Errorf("APNs unreachable: %w", lastTransportErr)
	}
	result.Detail = rejectionDetail(rejected, transportFailures)
	return result, nil
}

func rejectionDetail(rejected map[string]int, transportFailures int) string {
	var lines []string
	for reason, n := range rejected {
		lines = append(lines, fmt.Sprintf("APNs rejected %d notifications: %s", n, reason))
	}
	sort.Strings(lines)
	if transportFailures > 0 {
		lines = append(lines, fmt.Sprintf("APNs transport failed for %d notifications", transportFailures))
	}
	return strings.Join(lines, "\n")
}
