package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	err  error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, published{subj, data})
	return nil
}

func TestNATSPublisherPublishesJSON(t *testing.T) {
	conn := &fakeConn{}
	p, err := NewNATSPublisher(conn, "", nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), Event{
		Type:       TypeTaskAbandoned,
		Kind:       "torsion",
		Chunk:      "2/4",
		TaskID:     "torsion-2-of-4",
		Attempt:    3,
		ReturnCode: 1,
	})
	require.NoError(t, err)

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "daedalus.task.abandoned", conn.msgs[0].subject)

	var got Event
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &got))
	assert.Equal(t, "2/4", got.Chunk)
	assert.Equal(t, 3, got.Attempt)
	assert.WithinDuration(t, time.Now(), got.Time, time.Minute)
}

func TestNATSPublisherErrors(t *testing.T) {
	_, err := NewNATSPublisher(nil, "x", nil)
	assert.Error(t, err)

	boom := errors.New("boom")
	p, err := NewNATSPublisher(&fakeConn{err: boom}, "prod", nil)
	require.NoError(t, err)
	assert.Equal(t, "prod.merge.failed", p.Subject(TypeMergeFailed))
	assert.ErrorIs(t, p.Publish(context.Background(), Event{Type: TypeMergeFailed}), boom)
	assert.Error(t, p.Publish(context.Background(), Event{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, Event{Type: TypeRunStarted}), context.Canceled)
	assert.NoError(t, p.Close())
}

func TestMemoryAndNop(t *testing.T) {
	var m Memory
	require.NoError(t, m.Publish(context.Background(), Event{Type: TypeTaskFailed}))
	require.NoError(t, m.Publish(context.Background(), Event{Type: TypeTaskFinished}))
	assert.Len(t, m.Events(), 2)
	assert.Len(t, m.OfType(TypeTaskFailed), 1)

	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}

func TestConnectWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Connect(ctx, Config{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond}, nil)
	assert.Error(t, err)
}
