package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rakgateway/command"
	"rakgateway/serialcomm"
)

type stubSink struct {
	code int
	err  error
}

func (s stubSink) Submit(context.Context, serialcomm.SensorRecord) (int, error) {
	return s.code, s.err
}

func newMirror(t *testing.T, next command.Sink, history int) (*MirroredSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := RedisConfig{Addr: mr.Addr(), Channel: "rakgateway:records", History: history}
	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	m := NewMirroredSink(next, client, cfg, serialcomm.RAK4630, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestMirrorStoresAcceptedRecords(t *testing.T) {
	m, mr := newMirror(t, stubSink{code: 201}, 3)
	assert.Equal(t, "rakgateway:239a:8029:records", m.ListKey())

	for i := 1; i <= 5; i++ {
		rec := sample
		rec.RecordID = i
		code, err := m.Submit(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, 201, code)
	}

	items, err := mr.List(m.ListKey())
	require.NoError(t, err)
	require.Len(t, items, 3)

	var newest MirrorMessage
	require.NoError(t, json.Unmarshal([]byte(items[0]), &newest))
	assert.Equal(t, 5, newest.Record.RecordID)
	assert.Equal(t, "239a:8029", newest.Device)
	assert.Equal(t, 201, newest.Code)
}

func TestMirrorPublishes(t *testing.T) {
	m, mr := newMirror(t, stubSink{code: 201}, 10)

	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()
	sub := client.Subscribe(context.Background(), "rakgateway:records")
	defer sub.Close()
	_, err = sub.Receive(context.Background())
	require.NoError(t, err)

	_, err = m.Submit(context.Background(), sample)
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		var got MirrorMessage
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, sample, got.Record)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestMirrorSkipsFailedSubmissions(t *testing.T) {
	for _, next := range []stubSink{
		{code: 409, err: fmt.Errorf("%w: status 409", command.ErrRejected)},
		{err: fmt.Errorf("%w: refused", command.ErrUnavailable)},
	} {
		m, mr := newMirror(t, next, 10)
		code, err := m.Submit(context.Background(), sample)
		assert.Equal(t, next.code, code)
		assert.True(t, errors.Is(err, command.ErrRejected) || errors.Is(err, command.ErrUnavailable))
		assert.False(t, mr.Exists(m.ListKey()))
	}
}

func TestMirrorFailureDoesNotAffectResult(t *testing.T) {
	m, mr := newMirror(t, stubSink{code: 201}, 10)
	mr.Close()

	code, err := m.Submit(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, 201, code)
}

func TestNewRedisClientPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}
