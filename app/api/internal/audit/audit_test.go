package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu      sync.Mutex
	records []Record
	closed  bool
	block   chan struct{}
}

func (m *memRecorder) Record(ctx context.Context, r Record) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memRecorder) History(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *memRecorder) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestInsertStmt(t *testing.T) {
	at := time.Unix(1700000000, 0)
	sql, args, err := insertStmt("session_events", Record{
		SessionID: "abc", Address: "10.0.0.1", Hostname: "pc", Event: EventRegistered, OccurredAt: at,
	}).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"INSERT INTO session_events (session_id,address,hostname,event,occurred_at) VALUES ($1,$2,$3,$4,$5)", sql)
	assert.Equal(t, []any{"abc", "10.0.0.1", "pc", "registered", at}, args)
}

func TestHistoryQuery(t *testing.T) {
	sql, args, err := historyQuery("session_events", "abc", 10).ToSql()
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT session_id, address, hostname, event, occurred_at FROM session_events WHERE session_id = $1 ORDER BY occurred_at DESC, id DESC LIMIT 10", sql)
	assert.Equal(t, []any{"abc"}, args)

	sql, args, err = historyQuery("session_events", "", 0).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, sql, "WHERE")
	assert.NotContains(t, sql, "LIMIT")
	assert.Empty(t, args)
}

func TestAsyncRecords(t *testing.T) {
	inner := &memRecorder{}
	a, err := NewAsync(inner, 2, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Record(ctx, Record{SessionID: "a", Event: EventRegistered}))
	// 调用方 ctx 取消不影响已提交的写入
	cancel()
	require.NoError(t, a.Record(context.Background(), Record{SessionID: "a", Event: EventDisconnected}))

	assert.Eventually(t, func() bool { return inner.len() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.True(t, inner.closed)
}

func TestAsyncDropsWhenFull(t *testing.T) {
	inner := &memRecorder{block: make(chan struct{})}
	a, err := NewAsync(inner, 1, nil)
	require.NoError(t, err)

	require.NoError(t, a.Record(context.Background(), Record{SessionID: "a"}))
	assert.Eventually(t, func() bool { return a.pool.Running() == 1 }, time.Second, 5*time.Millisecond)

	err = a.Record(context.Background(), Record{SessionID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(inner.block)
	require.NoError(t, a.Close())
	assert.Equal(t, 1, inner.len())
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	assert.NoError(t, r.Record(context.Background(), Record{}))
	h, err := r.History(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, h)
	assert.NoError(t, r.Close())
}
