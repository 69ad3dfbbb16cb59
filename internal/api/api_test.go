package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/internal/manager"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// --- Mocks ---
type MockMessageService struct {
	mock.Mock
}

func (m *MockMessageService) Submit(msg *push.Message) error {
	return m.Called(msg).Error(0)
}
func (m *MockMessageService) Message(id string) (*push.Message, error) {
	args := m.Called(id)
	msg, _ := args.Get(0).(*push.Message)
	return msg, args.Error(1)
}
func (m *MockMessageService) RegisterDevice(reg push.Registration) error {
	return m.Called(reg).Error(0)
}
func (m *MockMessageService) Stats() manager.Stats {
	return m.Called().Get(0).(manager.Stats)
}

type MockTopicStore struct {
	mock.Mock
}

func (m *MockTopicStore) Topics(ctx context.Context, tenant push.Tenant, deviceID string) ([]string, error) {
	args := m.Called(ctx, tenant, deviceID)
	topics, _ := args.Get(0).([]string)
	return topics, args.Error(1)
}
func (m *MockTopicStore) SetTopics(ctx context.Context, tenant push.Tenant, deviceID string, topics []string) error {
	return m.Called(ctx, tenant, deviceID, topics).Error(0)
}

type MockCredentialWriter struct {
	mock.Mock
}

func (m *MockCredentialWriter) Write(tenant push.Tenant, name string, data []byte) error {
	return m.Called(tenant, name, data).Error(0)
}

// --- Setup ---
type fixture struct {
	api         *api.API
	messages    *MockMessageService
	topics      *MockTopicStore
	credentials *MockCredentialWriter
}

func setupAPI(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		messages:    new(MockMessageService),
		topics:      new(MockTopicStore),
		credentials: new(MockCredentialWriter),
	}
	f.api = api.NewAPI(f.messages, f.topics, f.credentials, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

// Helper to inject UserID into context (simulating Auth Middleware)
func withUser(req *http.Request, userID string) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

const owner = "owner-1"

var tenant = push.Tenant{PublisherID: "pub", Username: owner, AppID: "app"}

func sendRequest(extra map[string]interface{}) map[string]interface{} {
	req := map[string]interface{}{
		"publisherId": "pub",
		"appId":       "app",
		"platform":    "gcm",
		"data":        map[string]string{"type": "news"},
	}
	for k, v := range extra {
		req[k] = v
	}
	return req
}

// --- Tests ---

func TestSendHandler(t *testing.T) {
	t.Run("Success - queued", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Submit", mock.MatchedBy(func(m *push.Message) bool {
			return m.Username == owner && m.AppID == "app" && m.Platform == push.PlatformGCM
		})).Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, sendRequest(nil))), owner)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
		assert.Len(t, doc["id"], 32)
		f.messages.AssertExpectations(t)
	})

	t.Run("Success - URN user id maps to its entity id", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Submit", mock.MatchedBy(func(m *push.Message) bool { return m.Username == "user-bob" })).Return(nil)

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, sendRequest(nil))), "urn:sm:user:user-bob")
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("Success - synchronous send waits for completion", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Submit", mock.Anything).Run(func(args mock.Arguments) {
			msg := args.Get(0).(*push.Message)
			msg.MarkQueued()
			go func() {
				msg.MarkProcessing()
				msg.MarkDelivered()
			}()
		}).Return(nil)

		body := sendRequest(map[string]interface{}{"sendSynchronously": true, "quickDeliveryTimeout": 5})
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, body)), owner)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"delivered"`)
	})

	t.Run("Failure - queue full fails the message", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Submit", mock.Anything).Return(push.NewError(push.ErrCodeQueueFull, "Message queue is full. Try again later."))

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, sendRequest(nil))), owner)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), `"reason":"overCapacity"`)
		assert.Contains(t, w.Body.String(), "Message queue is full. Try again later.")
	})

	t.Run("Failure - unsupported platform", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Submit", mock.Anything).Return(push.NewError(push.ErrCodeUnsupportedPlatform, "platform \"bb\" is not supported"))

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, sendRequest(map[string]interface{}{"platform": "bb"}))), owner)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Failure - invalid request", func(t *testing.T) {
		f := setupAPI(t)
		body := sendRequest(map[string]interface{}{"data": map[string]string{"title": "no type"}})

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, body)), owner)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		f.messages.AssertNotCalled(t, "Submit", mock.Anything)
	})

	t.Run("Failure - another owner", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, sendRequest(map[string]interface{}{"username": "mallory"}))), owner)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("Failure - unauthenticated", func(t *testing.T) {
		f := setupAPI(t)
		w := httptest.NewRecorder()
		f.api.SendHandler(w, httptest.NewRequest(http.MethodPost, "/api/v1/messages", jsonBody(t, sendRequest(nil))))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGetMessageHandler(t *testing.T) {
	msg := push.NewMessage(tenant, push.PlatformAPN, map[string]string{"type": "news"})

	get := func(f *fixture, id, user string) *httptest.ResponseRecorder {
		req := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/messages/"+id, nil), user)
		req.SetPathValue("id", id)
		w := httptest.NewRecorder()
		f.api.GetMessageHandler(w, req)
		return w
	}

	t.Run("Success", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Message", msg.ID).Return(msg, nil)

		w := get(f, msg.ID, owner)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), msg.ID)
	})

	t.Run("Failure - not found", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Message", "missing").Return(nil, push.NewError(push.ErrCodeNotFound, "Message not found."))

		w := get(f, "missing", owner)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), "Message not found.")
	})

	t.Run("Failure - other owner sees not found", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("Message", msg.ID).Return(msg, nil)

		w := get(f, msg.ID, "someone-else")

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRegisterDeviceHandler(t *testing.T) {
	t.Run("Success - token registration", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("RegisterDevice", push.DeviceRegistration{
			Tenant: tenant, DeviceID: "device-0001", RegistrationID: "token-1", Platform: push.PlatformAPN,
		}).Return(nil)

		body := map[string]string{"publisherId": "pub", "appId": "app", "deviceId": "device-0001", "registrationId": "token-1", "platform": "apn"}
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/devices", jsonBody(t, body)), owner)
		w := httptest.NewRecorder()
		f.api.RegisterDeviceHandler(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		f.messages.AssertExpectations(t)
	})

	t.Run("Success - web push registration", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("RegisterDevice", mock.MatchedBy(func(reg push.Registration) bool {
			web, ok := reg.(push.WebPushRegistration)
			return ok && web.Endpoint == "https://push.example.com/x" && web.Auth == "auth"
		})).Return(nil)

		body := map[string]string{"appId": "app", "deviceId": "browser-0001", "platform": "web_push", "endpoint": "https://push.example.com/x", "p256dh": "key", "auth": "auth"}
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/devices", jsonBody(t, body)), owner)
		w := httptest.NewRecorder()
		f.api.RegisterDeviceHandler(w, req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		f.messages.AssertExpectations(t)
	})

	t.Run("Failure - validation", func(t *testing.T) {
		f := setupAPI(t)
		f.messages.On("RegisterDevice", mock.Anything).Return(push.NewError(push.ErrCodeValidation, "invalid registration"))

		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/devices", jsonBody(t, map[string]string{"platform": "gcm"})), owner)
		w := httptest.NewRecorder()
		f.api.RegisterDeviceHandler(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTopicsHandlers(t *testing.T) {
	route := func(req *http.Request) *http.Request {
		req.SetPathValue("appId", "app")
		req.SetPathValue("deviceId", "device-0001")
		return req
	}

	t.Run("Success - get", func(t *testing.T) {
		f := setupAPI(t)
		f.topics.On("Topics", mock.Anything, tenant, "device-0001").Return([]string{"news"}, nil)

		req := route(withUser(httptest.NewRequest(http.MethodGet, "/api/v1/apps/app/devices/device-0001/topics?publisherId=pub", nil), owner))
		w := httptest.NewRecorder()
		f.api.GetTopicsHandler(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"topics":["news"]}`, w.Body.String())
	})

	t.Run("Success - put", func(t *testing.T) {
		f := setupAPI(t)
		f.topics.On("SetTopics", mock.Anything, tenant, "device-0001", []string{"a", "b"}).Return(nil)

		req := route(withUser(httptest.NewRequest(http.MethodPut, "/api/v1/apps/app/devices/device-0001/topics?publisherId=pub", jsonBody(t, map[string][]string{"topics": {"a", "b"}})), owner))
		w := httptest.NewRecorder()
		f.api.SetTopicsHandler(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		f.topics.AssertExpectations(t)
	})

	t.Run("Failure - unknown device", func(t *testing.T) {
		f := setupAPI(t)
		f.topics.On("Topics", mock.Anything, mock.Anything, "device-0001").Return(nil, push.NewError(push.ErrCodeNotFound, "Device not found."))

		req := route(withUser(httptest.NewRequest(http.MethodGet, "/api/v1/apps/app/devices/device-0001/topics", nil), owner))
		w := httptest.NewRecorder()
		f.api.GetTopicsHandler(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestUploadCredentialHandler(t *testing.T) {
	upload := func(f *fixture, platform string, body []byte) *httptest.ResponseRecorder {
		req := withUser(httptest.NewRequest(http.MethodPut, "/api/v1/apps/app/credentials/"+platform+"?publisherId=pub", bytes.NewReader(body)), owner)
		req.SetPathValue("appId", "app")
		req.SetPathValue("platform", platform)
		w := httptest.NewRecorder()
		f.api.UploadCredentialHandler(w, req)
		return w
	}

	t.Run("Success - apns certificate", func(t *testing.T) {
		f := setupAPI(t)
		f.credentials.On("Write", tenant, "apns.p12", []byte("p12-bytes")).Return(nil)

		w := upload(f, "apn", []byte("p12-bytes"))

		assert.Equal(t, http.StatusNoContent, w.Code)
		f.credentials.AssertExpectations(t)
	})

	t.Run("Failure - unsupported platform", func(t *testing.T) {
		f := setupAPI(t)
		w := upload(f, "bb", []byte("x"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Failure - empty file", func(t *testing.T) {
		f := setupAPI(t)
		f.credentials.On("Write", tenant, "vapid.json", mock.Anything).Return(push.NewError(push.ErrCodeValidation, "credential file is empty"))

		w := upload(f, "web_push", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStatsHandler(t *testing.T) {
	f := setupAPI(t)
	f.messages.On("Stats").Return(manager.Stats{ID: "mgr-1", Now: time.Unix(0, 0).UTC()})

	req := withUser(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil), owner)
	w := httptest.NewRecorder()
	f.api.StatsHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"mgr-1"`)
}
