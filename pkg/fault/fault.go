// Package fault 定义跨层共享的失败分类：执行器负责分类，重试策略只看分类，
// 状态机决定哪些失败可在循环内容忍。
package fault

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/cockroachdb/errors"
)

// Kind 失败类别
type Kind int

const (
	// Transient 暂时性网络失败，可重试
	Transient Kind = iota + 1
	// Permanent 服务端拒绝，不重试
	Permanent
	// Protocol 响应不符合协议
	Protocol
	// StaleSession 服务端已不认识该会话
	StaleSession
	// Canceled 调用方取消
	Canceled
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Protocol:
		return "protocol"
	case StaleSession:
		return "stale-session"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Cause 具体原因
type Cause string

const (
	CauseDNS          Cause = "dns"
	CauseRefused      Cause = "refused"
	CauseTimeout      Cause = "timeout"
	CauseNetwork      Cause = "network"
	CauseUnavailable  Cause = "unavailable"
	CauseRateLimited  Cause = "rate limited"
	CauseRejected     Cause = "rejected"
	CauseProtocol     Cause = "protocol"
	CauseStaleSession Cause = "stale session"
	CauseCanceled     Cause = "canceled"
)

// Error 已分类的失败
type Error struct {
	Kind  Kind
	Cause Cause
	// Op 操作名，例如 "register"、"poll"
	Op string
	// Status HTTP 状态码，网络层失败为 0
	Status int
	// Code 服务端业务码
	Code    int
	Message string
	// Attempts 重试策略填写的尝试次数
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Cause)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d", e.Status)
		if e.Code != 0 {
			msg += fmt.Sprintf(", code %d", e.Code)
		}
		msg += ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable 只有暂时性失败可重试
func (e *Error) Retryable() bool {
	return e.Kind == Transient
}

// UserMessage 面向用户的提示，区分无网络、服务端拒绝和超时
func (e *Error) UserMessage() string {
	switch e.Cause {
	case CauseDNS, CauseRefused, CauseNetwork:
		return "could not reach the server, check your internet connection"
	case CauseTimeout:
		return "the server did not answer in time, try again later"
	case CauseUnavailable, CauseRateLimited:
		return "the server is temporarily unavailable, try again later"
	case CauseRejected:
		if e.Message != "" {
			return "the server rejected the request: " + e.Message
		}
		return "the server rejected the request"
	case CauseStaleSession:
		return "the server no longer knows this session, reconnect"
	case CauseProtocol:
		return "the server sent an unexpected response"
	case CauseCanceled:
		return "the operation was cancelled"
	default:
		return e.Error()
	}
}

// WithAttempts 返回填写了尝试次数的副本
func (e *Error) WithAttempts(n int) *Error {
	cp := *e
	cp.Attempts = n
	return &cp
}

func newError(kind Kind, cause Cause, op string, err error) *Error {
	return &Error{Kind: kind, Cause: cause, Op: op, Err: err}
}

// NewTransient 暂时性失败
func NewTransient(op string, cause Cause, err error) *Error {
	return newError(Transient, cause, op, err)
}

// NewPermanent 服务端拒绝
func NewPermanent(op string, status, code int, message string) *Error {
	return &Error{Kind: Permanent, Cause: CauseRejected, Op: op, Status: status, Code: code, Message: message}
}

// NewProtocol 协议违例
func NewProtocol(op string, err error) *Error {
	return newError(Protocol, CauseProtocol, op, err)
}

// NewStale 会话已失效
func NewStale(op string, status, code int, message string) *Error {
	return &Error{Kind: StaleSession, Cause: CauseStaleSession, Op: op, Status: status, Code: code, Message: message}
}

// NewCanceled 调用方取消
func NewCanceled(op string, err error) *Error {
	return newError(Canceled, CauseCanceled, op, err)
}

// As 提取 *Error
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf 未分类的错误返回 0
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return 0
}

func IsTransient(err error) bool { return KindOf(err) == Transient }
func IsPermanent(err error) bool { return KindOf(err) == Permanent }
func IsProtocol(err error) bool  { return KindOf(err) == Protocol }
func IsStale(err error) bool     { return KindOf(err) == StaleSession }
func IsCanceled(err error) bool  { return KindOf(err) == Canceled }

// ClassifyTransport 将传输层错误归类，parent 为调用方的 context
func ClassifyTransport(parent context.Context, op string, err error) *Error {
	if fe, ok := As(err); ok {
		return fe
	}

	// 调用方主动取消优先于超时判定
	if parent != nil && errors.Is(parent.Err(), context.Canceled) {
		return NewCanceled(op, err)
	}

	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return NewTransient(op, CauseTimeout, err)
		}
		return NewTransient(op, CauseDNS, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return NewTransient(op, CauseRefused, err)
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return NewTransient(op, CauseTimeout, err)
	case errors.Is(err, context.Canceled):
		return NewCanceled(op, err)
	default:
		return NewTransient(op, CauseNetwork, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
