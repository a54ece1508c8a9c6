package audit

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/flock/pkg/logger"
)

// ErrQueueFull 写入协程池已满，事件被丢弃
var ErrQueueFull = errors.New("audit: queue full")

// Async 在协程池中异步写入，Record 不阻塞请求路径
type Async struct {
	inner   Recorder
	pool    *ants.Pool
	timeout time.Duration
	logger  logger.Logger
}

var _ Recorder = (*Async)(nil)

// NewAsync 包装 inner，size 为并发写入数
func NewAsync(inner Recorder, size int, l logger.Logger) (*Async, error) {
	lg := logger.OrNoop(l).Named("audit")
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			lg.Error("audit worker panic", "panic", p)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "audit: create pool")
	}
	return &Async{inner: inner, pool: pool, timeout: 5 * time.Second, logger: lg}, nil
}

// Record 提交后立即返回，写入失败只记录日志
func (a *Async) Record(ctx context.Context, r Record) error {
	// 请求结束后 ctx 会被取消
	detached := context.WithoutCancel(ctx)
	err := a.pool.Submit(func() {
		wctx, cancel := context.WithTimeout(detached, a.timeout)
		defer cancel()
		if err := a.inner.Record(wctx, r); err != nil {
			a.logger.WarnContext(wctx, "audit write failed", "event", r.Event, "session", r.SessionID, "error", err)
		}
	})
	switch {
	case errors.Is(err, ants.ErrPoolOverload):
		a.logger.Warn("audit event dropped", "event", r.Event, "session", r.SessionID)
		return ErrQueueFull
	case err != nil:
		return errors.Wrap(err, "audit: submit")
	}
	return nil
}

func (a *Async) History(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	return a.inner.History(ctx, sessionID, limit)
}

// Close 等待已提交的写入完成
func (a *Async) Close() error {
	if err := a.pool.ReleaseTimeout(a.timeout); err != nil {
		a.logger.Warn("audit pool release timed out", "error", err)
	}
	return a.inner.Close()
}
