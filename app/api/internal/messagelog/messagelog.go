// Package messagelog 追加写、单调编号的消息日志。
package messagelog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/protocol"
)

var ErrEmptyBody = errors.New("messagelog: message body is empty")

// Message 追加后不可变
type Message struct {
	ID        int64
	Sender    string
	Body      string
	Scope     protocol.Scope
	Target    string
	CreatedAt time.Time
}

// Draft 待追加的消息，Target 非空即为定向消息
type Draft struct {
	Sender string
	Body   string
	Target string
}

// Log 消息日志。ID 从 1 开始严格递增，读者不会看到空洞
type Log interface {
	Append(ctx context.Context, d Draft) (Message, error)
	// Since 返回 ID 大于 cursor 的消息，按 ID 升序，最多 limit 条
	Since(ctx context.Context, cursor int64, limit int) ([]Message, error)
	// Last 当前最大 ID，空日志为 0
	Last(ctx context.Context) (int64, error)
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config 消息日志配置
type Config struct {
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Backend:   BackendMemory,
		KeyPrefix: "{flock}:",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
		return nil
	default:
		return fmt.Errorf("messagelog: unknown backend %q", c.Backend)
	}
}

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

// New 按配置创建消息日志
func New(cfg *Config, rdb *redis.Client, l logger.Logger, opts ...Option) (Log, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == BackendRedis {
		if rdb == nil {
			return nil, errors.New("messagelog: redis backend requires a redis client")
		}
		return NewRedis(cfg, rdb, l, opts...), nil
	}
	return NewMemory(l, opts...), nil
}

func (d Draft) normalize() (Draft, protocol.Scope, error) {
	d.Body = strings.TrimSpace(d.Body)
	if d.Body == "" {
		return d, "", ErrEmptyBody
	}
	d.Target = strings.TrimSpace(d.Target)
	if d.Target != "" {
		return d, protocol.ScopeTargeted, nil
	}
	return d, protocol.ScopeBroadcast, nil
}
