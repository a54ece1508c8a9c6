// Package connection 客户端的逻辑连接：注册、轮询与心跳循环、断开以及事件流。
package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lk2023060901/flock/pkg/fault"
	"github.com/lk2023060901/flock/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("connection: not connected")
	ErrInvalidState = errors.New("connection: operation not allowed in current state")
	ErrClosed       = errors.New("connection: closed")
)

// State 连接状态
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnecting
	Disconnected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventType 事件类型
type EventType string

const (
	EventConnected      EventType = "connected"
	EventConnectFailed  EventType = "connect failed"
	EventMessage        EventType = "message"
	EventHeartbeatOK    EventType = "heartbeat ok"
	EventTransientError EventType = "transient error"
	// EventPollRejected 轮询被服务端拒绝或响应异常，不计入心跳失败
	EventPollRejected   EventType = "poll rejected"
	EventSessionRenewed EventType = "session renewed"
	EventDisconnecting  EventType = "disconnecting"
	EventDisconnected   EventType = "disconnected"
	EventFailed         EventType = "failed"

	// 一次性操作的结果
	EventSent         EventType = "sent"
	EventUploaded     EventType = "uploaded"
	EventActionFailed EventType = "action failed"
)

// Terminal 该事件之后同一连接实例不再有事件
func (t EventType) Terminal() bool {
	switch t {
	case EventDisconnected, EventFailed, EventConnectFailed:
		return true
	}
	return false
}

// Event 发给使用方的事件
type Event struct {
	Type      EventType
	State     State
	SessionID string
	// Text 可直接展示的状态行
	Text    string
	Message *protocol.Message
	// MessageID EventSent 时为新消息 ID
	MessageID  int64
	DocumentID string
	Err        error
	At         time.Time
}

// API 连接所需的服务端调用，由 protocol.Client 实现
type API interface {
	Register(ctx context.Context, hostname string) (*protocol.RegisterResponse, error)
	Heartbeat(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	Messages(ctx context.Context, since int64, sessionID string) (*protocol.MessagesResponse, error)
	Send(ctx context.Context, req protocol.SendRequest) (*protocol.PostResponse, error)
	Upload(ctx context.Context, name string, content []byte) (*protocol.UploadResponse, error)
}

var _ API = (*protocol.Client)(nil)

// Config 连接配置
type Config struct {
	Hostname     string        `mapstructure:"hostname"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CallTimeout 循环内单个操作（含重试）的上限
	CallTimeout          time.Duration `mapstructure:"call_timeout"`
	MaxHeartbeatFailures int           `mapstructure:"max_heartbeat_failures"`
	DisconnectTimeout    time.Duration `mapstructure:"disconnect_timeout"`
	// DisableReregister 会话失效时不自动重新注册，直接进入 Failed。
	// 默认在 Connected 内原地换新会话并保留游标，代价是状态流里看不到重新 Connect
	DisableReregister bool `mapstructure:"disable_reregister"`
}

func DefaultConfig() *Config {
	return &Config{
		PollInterval:         2 * time.Second,
		CallTimeout:          30 * time.Second,
		MaxHeartbeatFailures: 3,
		DisconnectTimeout:    5 * time.Second,
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Hostname == "":
		return errors.New("connection: hostname is required")
	case c.PollInterval <= 0:
		return errors.New("connection: poll_interval must be positive")
	case c.CallTimeout <= 0 || c.DisconnectTimeout <= 0:
		return errors.New("connection: timeouts must be positive")
	case c.MaxHeartbeatFailures < 1:
		return errors.New("connection: max_heartbeat_failures must be >= 1")
	}
	return nil
}

// describe 面向用户的原因
func describe(err error) string {
	if fe, ok := fault.As(err); ok {
		return fe.UserMessage()
	}
	return err.Error()
}
