// Package sweeper 定时清理空闲会话。
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/lk2023060901/flock/app/api/internal/registry"
	"github.com/lk2023060901/flock/pkg/logger"
)

// Sweeper 由 service.Service 实现
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]registry.Session, error)
}

// Config 调度配置
type Config struct {
	Schedule string `mapstructure:"schedule"`
	// Timeout 单次清理超时
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Schedule: "@every 30s",
		Timeout:  10 * time.Second,
	}
}

// Validate 校验 cron 表达式
func (c *Config) Validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return errors.Wrapf(err, "sweeper: invalid schedule %q", c.Schedule)
	}
	if c.Timeout <= 0 {
		return errors.New("sweeper: timeout must be positive")
	}
	return nil
}

// Job 周期执行 Sweep，实现 app.Server
type Job struct {
	cfg    *Config
	target Sweeper
	cron   *cron.Cron
	logger logger.Logger
	now    func() time.Time

	mu      sync.Mutex
	started bool
}

// New 创建清理任务
func New(cfg *Config, target Sweeper, l logger.Logger) (*Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	lg := logger.OrNoop(l).Named("sweeper")
	cl := cronLogger{lg}
	j := &Job{
		cfg:    cfg,
		target: target,
		logger: lg,
		now:    time.Now,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := j.cron.AddFunc(cfg.Schedule, j.run); err != nil {
		return nil, errors.Wrap(err, "sweeper: schedule")
	}
	return j, nil
}

func (j *Job) run() {
	if _, err := j.RunOnce(context.Background()); err != nil {
		j.logger.Error("sweep failed", "error", err)
	}
}

// RunOnce 立即执行一次清理
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()
	removed, err := j.target.Sweep(ctx, j.now())
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		j.logger.Debug("sweep finished", "removed", len(removed))
	}
	return len(removed), nil
}

func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return nil
	}
	j.started = true
	j.cron.Start()
	j.logger.Info("sweeper started", "schedule", j.cfg.Schedule)
	return nil
}

// Stop 停止调度并等待正在执行的清理结束
func (j *Job) Stop() error {
	j.mu.Lock()
	if !j.started {
		j.mu.Unlock()
		return nil
	}
	j.started = false
	j.mu.Unlock()

	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("sweeper stopped")
		return nil
	case <-time.After(j.cfg.Timeout):
		return errors.New("sweeper: timed out waiting for running sweep")
	}
}

// cronLogger 适配 cron.Logger
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
