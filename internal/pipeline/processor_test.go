package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(msg *push.Message) error {
	return m.Called(msg).Error(0)
}

func TestProcessor_Outcomes(t *testing.T) {
	ctx := context.Background()
	original := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "ps-1"}}
	tenant := push.Tenant{PublisherID: "pub", Username: "owner", AppID: "app"}

	testCases := []struct {
		name      string
		submitErr error
		expectErr bool
	}{
		{name: "Success - enqueued", submitErr: nil},
		{name: "Failure - queue full is nacked", submitErr: push.NewError(push.ErrCodeQueueFull, "Message queue is full. Try again later."), expectErr: true},
		{name: "Success - duplicate is acked", submitErr: push.NewError(push.ErrCodeDuplicate, "already submitted")},
		{name: "Success - unsupported platform is acked", submitErr: push.NewError(push.ErrCodeUnsupportedPlatform, "no such platform")},
		{name: "Failure - unexpected error is nacked", submitErr: assert.AnError, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			submitter := new(mockSubmitter)
			msg := push.NewMessage(tenant, push.PlatformGCM, map[string]string{"type": "news"})
			submitter.On("Submit", msg).Return(tc.submitErr)

			processor := pipeline.NewProcessor(submitter, newTestLogger())
			err := processor(ctx, original, msg)

			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			submitter.AssertExpectations(t)
		})
	}
}
