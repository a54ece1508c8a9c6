// Package retry 按失败分类执行有上限的指数退避重试。
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/flock/pkg/fault"
	"github.com/lk2023060901/flock/pkg/logger"
)

// Outcome 单次尝试结果
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient-error"
	OutcomePermanent Outcome = "permanent-error"
)

// Attempt 单次尝试的记录，只交给观察者，不持久化
type Attempt struct {
	Op      string
	Number  int
	Elapsed time.Duration
	Outcome Outcome
	Err     error
	// Backoff 下一次尝试前的等待，最后一次为 0
	Backoff time.Duration
}

// Observer 每次尝试结束后调用
type Observer func(Attempt)

// Config 重试配置
type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// DefaultConfig 默认 3 次，200ms 起步，翻倍，上限 2s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2,
	}
}

// Validate 验证配置
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("retry: max_attempts must be >= 1, got %d", c.MaxAttempts)
	case c.InitialBackoff < 0 || c.MaxBackoff < c.InitialBackoff:
		return fmt.Errorf("retry: backoff must satisfy 0 <= initial <= max")
	case c.Multiplier < 1:
		return fmt.Errorf("retry: multiplier must be >= 1")
	}
	return nil
}

// Option 策略选项
type Option func(*Policy)

// WithMaxAttempts 覆盖最大尝试次数
func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.cfg.MaxAttempts = n }
}

// WithBackoff 覆盖退避参数
func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(p *Policy) {
		p.cfg.InitialBackoff = initial
		p.cfg.MaxBackoff = max
		p.cfg.Multiplier = multiplier
	}
}

// WithObserver 设置尝试观察者
func WithObserver(o Observer) Option {
	return func(p *Policy) { p.observer = o }
}

// WithLogger 设置日志
func WithLogger(l logger.Logger) Option {
	return func(p *Policy) { p.logger = logger.OrNoop(l).Named("retry") }
}

// Policy 不可变的重试策略，可被多个 goroutine 共享；
// 每次 Do 都持有独立的计数与退避状态
type Policy struct {
	cfg      Config
	observer Observer
	logger   logger.Logger
}

// New 创建策略，非法配置返回错误
func New(cfg Config, opts ...Option) (*Policy, error) {
	p := &Policy{cfg: cfg, logger: logger.NewNoop()}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// MustNew 创建策略，失败时 panic
func MustNew(cfg Config, opts ...Option) *Policy {
	p, err := New(cfg, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// With 派生一个覆盖了部分选项的新策略，原策略不变
func (p *Policy) With(opts ...Option) *Policy {
	cp := *p
	for _, opt := range opts {
		opt(&cp)
	}
	if err := cp.cfg.Validate(); err != nil {
		return p
	}
	return &cp
}

// Config 返回配置副本
func (p *Policy) Config() Config {
	return p.cfg
}

// Backoff 第 n 次失败后的等待：min(initial * multiplier^(n-1), max)
func (p *Policy) Backoff(n int) time.Duration {
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          p.cfg.Multiplier,
		MaxInterval:         p.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do 执行 fn，暂时性失败按退避重试，其他结果立即返回。
// 返回的错误总是 *fault.Error（未分类的错误按永久失败处理），并带有尝试次数
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := p.newBackOff()
	start := time.Now()

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return interrupted(op, err, n-1)
		}

		attemptStart := time.Now()
		err := fn(ctx)
		elapsed := time.Since(attemptStart)

		if err == nil {
			p.observe(Attempt{Op: op, Number: n, Elapsed: elapsed, Outcome: OutcomeSuccess})
			return nil
		}

		fe, ok := fault.As(err)
		if !ok {
			fe = &fault.Error{Kind: fault.Permanent, Cause: fault.CauseRejected, Op: op, Err: err}
		}

		if !fe.Retryable() || n >= p.cfg.MaxAttempts {
			p.observe(Attempt{Op: op, Number: n, Elapsed: elapsed, Outcome: outcomeOf(fe), Err: fe})
			if fe.Retryable() {
				p.logger.WarnContext(ctx, "retries exhausted",
					"op", op, "attempts", n, "cause", string(fe.Cause), "total", time.Since(start))
			}
			return fe.WithAttempts(n)
		}

		wait := b.NextBackOff()
		p.observe(Attempt{Op: op, Number: n, Elapsed: elapsed, Outcome: OutcomeTransient, Err: fe, Backoff: wait})
		p.logger.DebugContext(ctx, "transient failure, retrying",
			"op", op, "attempt", n, "cause", string(fe.Cause), "backoff", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return interrupted(op, ctx.Err(), n)
		case <-timer.C:
		}
	}
}

// interrupted 调用方 context 结束时的结果：
// 主动取消为 Canceled，截止时间到达按超时处理，仍是暂时性失败
func interrupted(op string, err error, attempts int) *fault.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.NewTransient(op, fault.CauseTimeout, err).WithAttempts(attempts)
	}
	return fault.NewCanceled(op, err).WithAttempts(attempts)
}

func (p *Policy) observe(a Attempt) {
	if p.observer != nil {
		p.observer(a)
	}
}

func outcomeOf(fe *fault.Error) Outcome {
	if fe.Kind == fault.Transient {
		return OutcomeTransient
	}
	return OutcomePermanent
}
