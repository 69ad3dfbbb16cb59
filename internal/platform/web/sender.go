// Package web delivers Web Push notifications signed with VAPID keys.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// VAPIDKeys is the signing credential of one tenant.
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Subscriber string `json:"subscriber"`
}

// Sender posts one encrypted notification per subscription.
type Sender struct {
	httpClient *http.Client
	ttl        int
	logger     *slog.Logger
}

func NewSender(httpClient *http.Client, logger *slog.Logger) *Sender {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{
		httpClient: httpClient,
		ttl:        60,
		logger:     logger.With("component", "WebPushSender"),
	}
}

var _ dispatch.Sender[push.WebPushRegistration, VAPIDKeys] = (*Sender)(nil)

// BuildPayload maps the message data onto the notification fields the
// service worker expects.
func BuildPayload(data map[string]string) ([]byte, error) {
	out := make(map[string]string)
	for k, v := range data {
		switch k {
		case "button_text":
			out["title"] = v
		case "message":
			out["body"] = v
		case "local_img", "external_img":
			if v != "" {
				out["icon"] = v
				out["image"] = v
			}
		case "action", "external_action":
			if v != "" {
				out["custom_action"] = v
			}
		}
	}
	return json.Marshal(out)
}

// Send delivers to each subscription in turn. 404 and 410 mark the
// subscription invalid; 413 and rejected VAPID credentials are severe.
func (s *Sender) Send(ctx context.Context, keys VAPIDKeys, msg *push.Message, batch []push.WebPushRegistration) (dispatch.BatchResult, error) {
	var result dispatch.BatchResult
	if len(batch) == 0 {
		return result, nil
	}

	payload, err := BuildPayload(msg.Data)
	if err != nil {
		return result, fmt.Errorf("failed to marshal payload: %w", err)
	}

	rejected := make(map[int]int)
	transportFailures := 0
	var lastTransportErr error

	for _, sub := range batch {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}, &webpush.Options{
			Subscriber:      keys.Subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             s.ttl,
			HTTPClient:      s.httpClient,
		})
		if err != nil {
			// Transport error (DNS, Timeout) - Log and skip, don't delete
			s.logger.Error("WebPush transport error", "message_id", msg.ID, "endpoint", sub.Endpoint, "err", err)
			transportFailures++
			lastTransportErr = err
			result.Failed++
			continue
		}
		status := resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case status >= 200 && status < 300:
			result.Delivered++
		case status == http.StatusGone || status == http.StatusNotFound:
			result.Unregistered++
			result.Invalid = append(result.Invalid, sub.Token())
		case status == http.StatusRequestEntityTooLarge:
			return result, push.NewError(push.ErrCodePayloadTooBig, "push service rejected the payload as too large")
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return result, fmt.Errorf("push service rejected the VAPID credentials (%d)", status)
		default:
			s.logger.Warn("WebPush rejected", "message_id", msg.ID, "status", status, "endpoint", sub.Endpoint)
			result.Failed++
			rejected[status]++
		}
	}

	if transportFailures == len(batch) {
		return result, fmt.Errorf("push service unreachable: %w", lastTransportErr)
	}

	var lines []string
	for status, n := range rejected {
		lines = append(lines, fmt.Sprintf("push service returned %d for %d subscriptions", status, n))
	}
	sort.Strings(lines)
	if transportFailures > 0 {
		lines = append(lines, fmt.Sprintf("transport failed for %d subscriptions", transportFailures))
	}
	result.Detail = strings.Join(lines, "\n")
	return result, nil
}
