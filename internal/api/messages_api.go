package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// SendHandler accepts a send request and queues it for dispatch.
//
// The response is the message status document: 202 once queued, 200 after a
// synchronous wait, 503 when the queue is full.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	log := a.logger.With("user", owner)

	var req push.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn("Failed to decode send request", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid send request")
		return
	}
	if req.Username == "" {
		req.Username = owner
	}
	if req.Username != owner {
		log.Warn("Send request for another owner rejected", "username", req.Username)
		response.WriteJSONError(w, http.StatusForbidden, "cannot send for another app owner")
		return
	}

	msg, err := req.ToMessage()
	if err != nil {
		log.Warn("Invalid send request", "err", err)
		a.writeError(w, err)
		return
	}
	log = log.With("message_id", msg.ID, "platform", msg.Platform)

	if err := a.messages.Submit(msg); err != nil {
		if errors.Is(err, push.ErrQueueFull) {
			msg.Fail(push.ErrorOverCapacity, "Message queue is full. Try again later.")
			log.Warn("Queue full, message rejected")
			response.WriteJSON(w, http.StatusServiceUnavailable, msg)
			return
		}
		log.Warn("Message rejected", "err", err)
		a.writeError(w, err)
		return
	}

	if msg.SendSynchronously || msg.QuickDeliveryTimeout > 0 {
		timeout := msg.QuickDeliveryTimeout
		if timeout <= 0 {
			timeout = defaultSyncTimeout
		}
		waitForDelivery(r.Context(), msg, timeout)
		log.Debug("Synchronous send returned", "status", msg.Status())
		response.WriteJSON(w, http.StatusOK, msg)
		return
	}

	log.Debug("Message queued")
	response.WriteJSON(w, http.StatusAccepted, msg)
}

// GetMessageHandler returns the status document of a message owned by the caller.
func (a *API) GetMessageHandler(w http.ResponseWriter, r *http.Request) {
	owner, ok := a.owner(w, r)
	if !ok {
		return
	}
	msg, err := a.messages.Message(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	// Another owner's message is indistinguishable from a missing one.
	if msg.Username != owner {
		response.WriteJSONError(w, http.StatusNotFound, "Message not found.")
		return
	}
	response.WriteJSON(w, http.StatusOK, msg)
}

// StatsHandler serves the manager's operational snapshot.
func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.owner(w, r); !ok {
		return
	}
	response.WriteJSON(w, http.StatusOK, a.messages.Stats())
}
