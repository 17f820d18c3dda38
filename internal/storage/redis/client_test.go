package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsink/backend/internal/config"
)

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(context.Background(), config.RedisConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_UnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, config.RedisConfig{Address: "127.0.0.1:1"}, zap.NewNop())
	assert.Error(t, err)
}

// 设置 MAILSINK_TEST_REDIS_ADDR 后运行
func TestClient_PublishSubscribe(t *testing.T) {
	addr := os.Getenv("MAILSINK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILSINK_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client, err := New(ctx, config.RedisConfig{Address: addr}, zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	sub := client.Subscribe(ctx, "new_mail:test-inbox")
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	receivers, err := client.Publish(ctx, "new_mail:test-inbox", []byte(`{"type":"email.received"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), receivers)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"email.received"}`, msg.Payload)
}
