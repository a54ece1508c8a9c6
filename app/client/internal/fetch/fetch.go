// Package fetch 并发执行一组命名的读取任务，逐个报告完成情况。
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/flock/pkg/logger"
)

// Task 一个命名的读取任务
type Task struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

// Result 单个任务的结果
type Result struct {
	Name    string
	Value   any
	Err     error
	Elapsed time.Duration
}

// Batch 一次 Run 的句柄
type Batch struct {
	results chan Result
	done    chan struct{}
	pending atomic.Int32

	mu        sync.Mutex
	completed []Result
}

// Results 每个任务完成时立即送达，全部完成后关闭
func (b *Batch) Results() <-chan Result { return b.results }

// Done 全部任务完成后关闭，恰好一次
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait 等待全部完成，按完成顺序返回结果
func (b *Batch) Wait() []Result {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Result(nil), b.completed...)
}

func (b *Batch) finish(r Result) {
	b.mu.Lock()
	b.completed = append(b.completed, r)
	b.mu.Unlock()

	b.results <- r
	if b.pending.Add(-1) == 0 {
		close(b.results)
		close(b.done)
	}
}

// Coordinator 在 ants 协程池上执行任务
type Coordinator struct {
	pool   *ants.Pool
	logger logger.Logger
}

// New size 为同时执行的任务数上限
func New(size int, l logger.Logger) (*Coordinator, error) {
	lg := logger.OrNoop(l).Named("client.fetch")
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		lg.Error("fetch worker panic", "panic", p)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "fetch: create pool")
	}
	return &Coordinator{pool: pool, logger: lg}, nil
}

// Run 提交全部任务后立即返回，调用方不会被阻塞
func (c *Coordinator) Run(ctx context.Context, tasks ...Task) *Batch {
	b := &Batch{
		results: make(chan Result, len(tasks)),
		done:    make(chan struct{}),
	}
	b.pending.Store(int32(len(tasks)))
	if len(tasks) == 0 {
		close(b.results)
		close(b.done)
		return b
	}

	// 池满时 Submit 会阻塞，放到后台提交
	go func() {
		for _, t := range tasks {
			t := t
			start := time.Now()
			err := c.pool.Submit(func() { b.finish(c.execute(ctx, t)) })
			if err != nil {
				c.logger.Warn("fetch task not submitted", "task", t.Name, "error", err)
				b.finish(Result{Name: t.Name, Err: errors.Wrapf(err, "fetch: submit %s", t.Name), Elapsed: time.Since(start)})
			}
		}
	}()
	return b
}

func (c *Coordinator) execute(ctx context.Context, t Task) (r Result) {
	start := time.Now()
	r.Name = t.Name
	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("fetch: task %s panicked: %v", t.Name, p)
		}
		r.Elapsed = time.Since(start)
		if r.Err != nil {
			c.logger.Debug("fetch task failed", "task", t.Name, "elapsed", r.Elapsed, "error", r.Err)
		}
	}()
	r.Value, r.Err = t.Run(ctx)
	return r
}

// Close 释放协程池
func (c *Coordinator) Close() {
	c.pool.Release()
}

// RecordFetcher 由 protocol.Client 实现
type RecordFetcher interface {
	FetchRecords(ctx context.Context, resource string) (json.RawMessage, error)
}

// RecordTask 读取 /api/v1/<resource> 的任务
func RecordTask(f RecordFetcher, resource string) Task {
	return Task{
		Name: resource,
		Run: func(ctx context.Context) (any, error) {
			return f.FetchRecords(ctx, resource)
		},
	}
}
