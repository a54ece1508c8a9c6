package messagelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lk2023060901/flock/pkg/logger"
)

// Memory 进程内消息日志，msgs[i].ID == i+1
type Memory struct {
	now    func() time.Time
	logger logger.Logger

	mu   sync.RWMutex
	msgs []Message
}

var _ Log = (*Memory)(nil)

func NewMemory(l logger.Logger, opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		now:    o.now,
		logger: logger.OrNoop(l).Named("messagelog.memory"),
	}
}

func (m *Memory) Append(ctx context.Context, d Draft) (Message, error) {
	d, scope, err := d.normalize()
	if err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	msg := Message{
		ID:        int64(len(m.msgs)) + 1,
		Sender:    d.Sender,
		Body:      d.Body,
		Scope:     scope,
		Target:    d.Target,
		CreatedAt: m.now(),
	}
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()

	m.logger.Debug("message appended", "id", msg.ID, "scope", msg.Scope)
	return msg, nil
}

func (m *Memory) Since(ctx context.Context, cursor int64, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.msgs), func(i int) bool { return m.msgs[i].ID > cursor })
	end := len(m.msgs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]Message, end-start)
	copy(out, m.msgs[start:end])
	return out, nil
}

func (m *Memory) Last(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.msgs)), nil
}
