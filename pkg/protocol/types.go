// Package protocol 定义客户端与服务端之间的路径和报文。
package protocol

import "time"

// 接口路径
const (
	PathRegister   = "/client/register"
	PathHeartbeat  = "/client/heartbeat"
	PathDisconnect = "/client/disconnect"
	PathMessages   = "/client/messages"
	PathActive     = "/client/active"
	PathSend       = "/client/send"
	PathBroadcast  = "/admin/broadcast"

	// 外部协作方
	PathRecords   = "/api/v1/"
	PathDocuments = "/api/v1/documents"
)

// Scope 消息可见范围
type Scope string

const (
	ScopeBroadcast Scope = "broadcast"
	ScopeTargeted  Scope = "targeted"
)

// 会话状态
const (
	StatusActive      = "active"
	StatusIdleTimeout = "idle-timeout"
	StatusRemoved     = "removed"
)

type RegisterRequest struct {
	Hostname string `json:"hostname" binding:"required,notblank,max=255"`
}

type RegisterResponse struct {
	SessionID string `json:"session_id"`
	// Address 服务端看到的客户端地址，定向消息按此匹配
	Address              string `json:"address"`
	IdleThresholdSeconds int    `json:"idle_threshold_seconds"`
}

type SessionRequest struct {
	SessionID string `json:"session_id" binding:"required,notblank"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// Message 消息日志中的一条记录
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	Scope     Scope     `json:"scope"`
	Target    string    `json:"target,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VisibleTo 广播对所有人可见，定向消息只对目标地址可见
func (m Message) VisibleTo(address string) bool {
	return m.Scope != ScopeTargeted || m.Target == address
}

type MessagesResponse struct {
	Cursor   int64     `json:"cursor"`
	Messages []Message `json:"messages"`
}

type Session struct {
	SessionID    string    `json:"session_id"`
	Address      string    `json:"address"`
	Hostname     string    `json:"hostname"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       string    `json:"status"`
	IsLive       bool      `json:"is_live"`
}

type ActiveResponse struct {
	Sessions []Session `json:"sessions"`
}

type BroadcastRequest struct {
	Message string `json:"message" binding:"required,notblank"`
	Target  string `json:"target,omitempty"`
	Sender  string `json:"sender,omitempty"`
}

type SendRequest struct {
	SessionID string `json:"session_id" binding:"required,notblank"`
	Message   string `json:"message" binding:"required,notblank"`
	Target    string `json:"target,omitempty"`
}

type PostResponse struct {
	OK        bool  `json:"ok"`
	MessageID int64 `json:"message_id"`
}

type UploadResponse struct {
	DocumentID string `json:"document_id"`
	Size       int64  `json:"size"`
}
