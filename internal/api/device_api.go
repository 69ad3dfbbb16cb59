package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-service/internal/credentials"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// RegisterDeviceHandler queues a device registration for persistence. The
// body is a registration; web-push registrations carry endpoint and keys.
func (a *API) RegisterDeviceHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}

	var body push.WebPushRegistration
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.logger.Warn("RegisterDevice: JSON decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid registration json")
		return
	}
	body.Username = owner

	var reg push.Registration = body.DeviceRegistration
	if body.Platform == push.PlatformWebPush {
		reg = body
	}
	if err := a.messages.RegisterDevice(reg); err != nil {
		a.logger.Warn("RegisterDevice: rejected", "platform", body.Platform, "err", err)
		a.writeError(w, err)
		return
	}
	a.logger.Debug("RegisterDevice: queued", "app", body.Tenant.Key(), "device", body.DeviceID, "platform", body.Platform)
	w.WriteHeader(http.StatusAccepted)
}

type topicsBody struct {
	Topics []string `json:"topics"`
}

// GetTopicsHandler lists a device's topic subscriptions.
func (a *API) GetTopicsHandler(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.appTenant(w, r)
	if !ok {
		return
	}
	topics, err := a.topics.Topics(r.Context(), tenant, r.PathValue("deviceId"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, topicsBody{Topics: topics})
}

// SetTopicsHandler replaces a device's topic subscriptions.
func (a *API) SetTopicsHandler(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.appTenant(w, r)
	if !ok {
		return
	}
	var body topicsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid topics json")
		return
	}
	if err := a.topics.SetTopics(r.Context(), tenant, r.PathValue("deviceId"), body.Topics); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadCredentialHandler stores the raw credential file of one platform.
func (a *API) UploadCredentialHandler(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.appTenant(w, r)
	if !ok {
		return
	}
	platform := push.Platform(r.PathValue("platform"))
	name, ok := credentials.FileFor(platform)
	if !ok {
		response.WriteJSONError(w, http.StatusBadRequest, "unsupported platform")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxCredentialSize+1))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(data) > maxCredentialSize {
		response.WriteJSONError(w, http.StatusRequestEntityTooLarge, "credential file too large")
		return
	}

	if err := a.credentials.Write(tenant, name, data); err != nil {
		a.writeError(w, err)
		return
	}
	a.logger.Info("Credential uploaded", "app", tenant.Key(), "platform", platform)
	w.WriteHeader(http.StatusNoContent)
}
