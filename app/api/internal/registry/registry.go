// Package registry 维护服务端的会话表：注册、刷新、移除以及空闲清理。
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/idgen"
	"github.com/lk2023060901/flock/pkg/logger"
)

var (
	ErrSessionNotFound = errors.New("registry: session not found")
	ErrAddressMismatch = errors.New("registry: client address does not match session")
	ErrSessionLimit    = errors.New("registry: session limit reached")
)

// Status 会话状态
type Status string

const (
	StatusActive      Status = "active"
	StatusIdleTimeout Status = "idle-timeout"
	StatusRemoved     Status = "removed"
)

// Session 一个客户端会话，RegisteredAt 不可变，LastActivity 只增不减
type Session struct {
	ID           string
	Address      string
	Hostname     string
	RegisteredAt time.Time
	LastActivity time.Time
}

// Entry ListActive 的结果行
type Entry struct {
	Session
	IsLive bool
	Status Status
}

// Registry 会话表
type Registry interface {
	// Register 总是铸造新的会话 ID，同一地址重复注册也会得到新会话
	Register(ctx context.Context, address, hostname string) (Session, error)
	// Touch 刷新活跃时间
	Touch(ctx context.Context, id, address string) error
	// Remove 移除会话并返回被移除的记录
	Remove(ctx context.Context, id, address string) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	ListActive(ctx context.Context) ([]Entry, error)
	// Sweep 移除 LastActivity 严格早于 now-IdleThreshold 的会话
	Sweep(ctx context.Context, now time.Time) ([]Session, error)
	Count(ctx context.Context) (int, error)
	IdleThreshold() time.Duration
}

// 存储后端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config 会话表配置
type Config struct {
	Backend       string        `mapstructure:"backend"`
	IdleThreshold time.Duration `mapstructure:"idle_threshold"`
	// 0 表示不限制
	MaxSessions           int `mapstructure:"max_sessions"`
	MaxSessionsPerAddress int `mapstructure:"max_sessions_per_address"`
	// SkipAddressCheck 关闭 Touch/Remove 的地址校验（例如客户端位于会变换出口的 NAT 后）
	SkipAddressCheck bool   `mapstructure:"skip_address_check"`
	KeyPrefix        string `mapstructure:"key_prefix"`
}

// DefaultConfig 默认内存后端，空闲阈值 5 分钟，不限制会话数
func DefaultConfig() *Config {
	return &Config{
		Backend:       BackendMemory,
		IdleThreshold: 5 * time.Minute,
		KeyPrefix:     "{flock}:",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("registry: unknown backend %q", c.Backend)
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("registry: idle_threshold must be positive")
	}
	if c.MaxSessions < 0 || c.MaxSessionsPerAddress < 0 {
		return fmt.Errorf("registry: session limits must not be negative")
	}
	return nil
}

// Option 可选项
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 注入时钟
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New 按配置创建会话表，redis 后端需要 rdb
func New(cfg *Config, ids idgen.Generator, rdb *redis.Client, l logger.Logger, opts ...Option) (Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendRedis:
		if rdb == nil {
			return nil, errors.New("registry: redis backend requires a redis client")
		}
		return NewRedis(cfg, ids, rdb, l, opts...), nil
	default:
		return NewMemory(cfg, ids, l, opts...), nil
	}
}

func entryFor(s Session, now time.Time, threshold time.Duration) Entry {
	e := Entry{Session: s, IsLive: now.Sub(s.LastActivity) < threshold}
	if e.IsLive {
		e.Status = StatusActive
	} else {
		e.Status = StatusIdleTimeout
	}
	return e
}
