package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	data     [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestPublishWrapsPayload(t *testing.T) {
	fc := &fakeConn{}
	p := &Publisher{nc: fc}

	require.NoError(t, p.Publish(context.Background(), "pms.task.locked", map[string]int64{"taskId": 7}))
	require.Len(t, fc.data, 1)
	assert.Equal(t, "pms.task.locked", fc.subjects[0])

	var env struct {
		ID      string           `json:"id"`
		Subject string           `json:"subject"`
		Payload map[string]int64 `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(fc.data[0], &env))
	_, err := uuid.Parse(env.ID)
	assert.NoError(t, err)
	assert.Equal(t, "pms.task.locked", env.Subject)
	assert.Equal(t, int64(7), env.Payload["taskId"])

	require.NoError(t, p.Close())
	assert.True(t, fc.drained)
}

func TestPublishErrors(t *testing.T) {
	fc := &fakeConn{err: errors.New("nats: connection closed")}
	p := &Publisher{nc: fc}
	assert.ErrorContains(t, p.Publish(context.Background(), "s", 1), "connection closed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, (&Publisher{nc: &fakeConn{}}).Publish(ctx, "s", 1), context.Canceled)

	assert.ErrorContains(t, p.Publish(context.Background(), "s", make(chan int)), "marshal event")
}
