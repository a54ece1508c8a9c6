// Package audit 记录会话生命周期事件，会话被会话表遗忘后历史仍可查询。
package audit

import (
	"context"
	"time"
)

// Event 生命周期事件
type Event string

const (
	EventRegistered   Event = "registered"
	EventDisconnected Event = "disconnected"
	EventExpired      Event = "expired"
)

// Record 一条审计记录
type Record struct {
	SessionID  string    `db:"session_id"`
	Address    string    `db:"address"`
	Hostname   string    `db:"hostname"`
	Event      Event     `db:"event"`
	OccurredAt time.Time `db:"occurred_at"`
}

// Recorder 审计记录器
type Recorder interface {
	Record(ctx context.Context, r Record) error
	// History 按时间倒序返回某会话的事件，sessionID 为空时返回全部，limit<=0 不限制
	History(ctx context.Context, sessionID string, limit int) ([]Record, error)
	Close() error
}

// Config 审计配置
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// PoolSize 异步写入协程数
	PoolSize int `mapstructure:"pool_size"`
	// EnsureSchema 启动时建表
	EnsureSchema bool   `mapstructure:"ensure_schema"`
	Table        string `mapstructure:"table"`
}

// DefaultConfig 默认关闭
func DefaultConfig() *Config {
	return &Config{
		PoolSize:     8,
		EnsureSchema: true,
		Table:        "session_events",
	}
}

// Noop 丢弃所有事件
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) Record(context.Context, Record) error { return nil }
func (Noop) History(context.Context, string, int) ([]Record, error) {
	return []Record{}, nil
}
func (Noop) Close() error { return nil }
