package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/events"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	args := m.Called(ctx, channel, payload)
	return args.Get(0).(int64), args.Error(1)
}

func TestPublisher_Publish(t *testing.T) {
	broker := new(mockBroker)
	publisher := NewPublisher(broker, "", zap.NewNop())

	evt := &events.EmailReceived{
		EventID:    "evt-1",
		EmailID:    "email-1",
		InboxID:    "inbox-1",
		Subject:    "hello",
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	broker.On("Publish", mock.Anything, "new_mail:inbox-1", mock.MatchedBy(func(payload []byte) bool {
		var decoded map[string]interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return false
		}
		return decoded["type"] == events.TypeEmailReceived && decoded["emailId"] == "email-1"
	})).Return(int64(2), nil).Once()

	require.NoError(t, publisher.Publish(context.Background(), evt))
	broker.AssertExpectations(t)
}

func TestPublisher_PublishError(t *testing.T) {
	broker := new(mockBroker)
	publisher := NewPublisher(broker, "mailsink", zap.NewNop())

	broker.On("Publish", mock.Anything, "mailsink:inbox-9", mock.Anything).
		Return(int64(0), errors.New("connection refused"))

	err := publisher.Publish(context.Background(), &events.EmailReceived{InboxID: "inbox-9"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
