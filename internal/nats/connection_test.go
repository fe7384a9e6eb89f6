package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://localhost:4222")
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "daedalus", cfg.Name)
	assert.Equal(t, 10, cfg.MaxReconnects)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
}

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), nil, nil)
	assert.Error(t, err)

	_, err = Connect(context.Background(), &ConnectionConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	cfg := DefaultConnectionConfig("nats://127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxReconnects = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Connect(ctx, cfg, nil)
	require.Error(t, err)
	assert.Nil(t, conn)
}

func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
