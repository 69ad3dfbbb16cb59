// Package api holds the HTTP handlers of the push service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-service/internal/manager"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

const (
	// maxCredentialSize bounds credential uploads.
	maxCredentialSize = 1 << 20
	// defaultSyncTimeout applies to sendSynchronously without a quickDeliveryTimeout.
	defaultSyncTimeout = 30 * time.Second
)

// MessageService is the manager surface used by the handlers.
type MessageService interface {
	Submit(msg *push.Message) error
	Message(id string) (*push.Message, error)
	RegisterDevice(reg push.Registration) error
	Stats() manager.Stats
}

// CredentialWriter stores uploaded tenant credential files.
type CredentialWriter interface {
	Write(tenant push.Tenant, name string, data []byte) error
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	messages    MessageService
	topics      dispatch.TopicStore
	credentials CredentialWriter
	logger      *slog.Logger
}

func NewAPI(messages MessageService, topics dispatch.TopicStore, credentials CredentialWriter, logger *slog.Logger) *API {
	return &API{
		messages:    messages,
		topics:      topics,
		credentials: credentials,
		logger:      logger.With("component", "API"),
	}
}

// owner resolves the app owner username from the authenticated user. A URN
// user id contributes its entity id.
func (a *API) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok || userID == "" {
		a.logger.Warn("No user ID in context", "path", r.URL.Path)
		response.WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return "", false
	}
	if userURN, err := urn.Parse(userID); err == nil {
		return userURN.EntityID(), true
	}
	return userID, true
}

// appTenant builds the tenant addressed by an /apps/{appId}/ route.
func (a *API) appTenant(w http.ResponseWriter, r *http.Request) (push.Tenant, bool) {
	owner, ok := a.owner(w, r)
	if !ok {
		return push.Tenant{}, false
	}
	tenant := push.Tenant{
		PublisherID: r.URL.Query().Get("publisherId"),
		Username:    owner,
		AppID:       r.PathValue("appId"),
	}
	if tenant.AppID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing app id")
		return push.Tenant{}, false
	}
	return tenant, true
}

// writeError maps push error codes onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var pe *push.Error
	if !errors.As(err, &pe) {
		a.logger.Error("Unhandled error", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	status := http.StatusInternalServerError
	switch pe.Code {
	case push.ErrCodeValidation, push.ErrCodeUnsupportedPlatform:
		status = http.StatusBadRequest
	case push.ErrCodeNotFound:
		status = http.StatusNotFound
	case push.ErrCodeDuplicate:
		status = http.StatusConflict
	case push.ErrCodeQueueFull:
		status = http.StatusServiceUnavailable
	case push.ErrCodeDatabase, push.ErrCodeConfiguration:
		a.logger.Error("Request failed", "err", err)
	}
	message := pe.Message
	if pe.Code == push.ErrCodeValidation && pe.Err != nil {
		message += ": " + pe.Err.Error()
	}
	response.WriteJSONError(w, status, message)
}

// waitForDelivery blocks until msg is terminal, the timeout passes or the
// client goes away.
func waitForDelivery(ctx context.Context, msg *push.Message, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-msg.Done():
	case <-timer.C:
	case <-ctx.Done():
	}
}
