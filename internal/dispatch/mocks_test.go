package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type reg = push.DeviceRegistration

// mockSender records every batch it is asked to send.
type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, credential string, msg *push.Message, batch []reg) (dispatch.BatchResult, error) {
	args := m.Called(ctx, credential, msg, batch)
	return args.Get(0).(dispatch.BatchResult), args.Error(1)
}

type mockCredentials struct {
	mock.Mock
}

func (m *mockCredentials) Credential(ctx context.Context, tenant push.Tenant) (string, error) {
	args := m.Called(ctx, tenant)
	return args.String(0), args.Error(1)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Registrations(ctx context.Context, msg *push.Message) ([]reg, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]reg), args.Error(1)
}

func (m *mockStore) PersistRegistrations(ctx context.Context, batch []reg) (dispatch.PersistResult, error) {
	args := m.Called(ctx, batch)
	return args.Get(0).(dispatch.PersistResult), args.Error(1)
}

func (m *mockStore) DeleteInvalidRegistrations(ctx context.Context, platform push.Platform, tokens []string) (dispatch.PersistResult, error) {
	args := m.Called(ctx, platform, tokens)
	return args.Get(0).(dispatch.PersistResult), args.Error(1)
}

// recordingObserver keeps every event for later assertions.
type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished []string
	reports  []MaintenanceReport
}

func (o *recordingObserver) MessageStarted(_ push.Platform, msg *push.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, msg.ID)
}

func (o *recordingObserver) MessageFinished(_ push.Platform, msg *push.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, msg.ID)
}

func (o *recordingObserver) MaintenanceCompleted(_ push.Platform, report MaintenanceReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, report)
}

func (o *recordingObserver) Reports() []MaintenanceReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]MaintenanceReport(nil), o.reports...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testTenant = push.Tenant{PublisherID: "pub-1", Username: "owner", AppID: "app-1"}

func testConfig() Config {
	cfg := DefaultConfig(push.PlatformGCM)
	cfg.Workers = 2
	cfg.StartStagger = 0
	cfg.MaintenancePeriod = time.Hour
	cfg.TestResolveDelay = 0
	cfg.TestSendDelay = 0
	return cfg
}

func makeRegistrations(n int) []reg {
	regs := make([]reg, n)
	for i := range regs {
		regs[i] = reg{
			Tenant:         testTenant,
			DeviceID:       fmt.Sprintf("device-%06d", i),
			RegistrationID: fmt.Sprintf("token-%06d", i),
			Platform:       push.PlatformGCM,
		}
	}
	return regs
}

func newTestMessage() *push.Message {
	return push.NewMessage(testTenant, push.PlatformGCM, map[string]string{"type": "alert"})
}

// batchOfSize matches a registration batch of exactly n entries.
func batchOfSize(n int) interface{} {
	return mock.MatchedBy(func(batch []reg) bool { return len(batch) == n })
}
