package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lk2023060901/flock/pkg/httpclient"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/retry"
)

// Doer 执行单次请求，由 httpclient.Executor 实现
type Doer interface {
	Do(ctx context.Context, req *httpclient.Request, out any) error
}

// Client 类型化的 API 客户端，每个调用都经过 重试策略 -> 请求执行器
type Client struct {
	exec       Doer
	policy     *retry.Policy
	disconnect *retry.Policy
	logger     logger.Logger
}

// NewClient 创建客户端，policy 由调用方构造并共享
func NewClient(exec Doer, policy *retry.Policy, l logger.Logger) *Client {
	return &Client{
		exec:   exec,
		policy: policy,
		// 断开连接最多重试一次
		disconnect: policy.With(retry.WithMaxAttempts(2)),
		logger:     logger.OrNoop(l).Named("protocol"),
	}
}

func (c *Client) call(ctx context.Context, p *retry.Policy, req *httpclient.Request, out any) error {
	return p.Do(ctx, req.Op, func(ctx context.Context) error {
		return c.exec.Do(ctx, req, out)
	})
}

// Register 注册新会话
func (c *Client) Register(ctx context.Context, hostname string) (*RegisterResponse, error) {
	var out RegisterResponse
	err := c.call(ctx, c.policy, &httpclient.Request{
		Op:     "register",
		Method: http.MethodPost,
		Path:   PathRegister,
		Body:   RegisterRequest{Hostname: hostname},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat 刷新会话活跃时间
func (c *Client) Heartbeat(ctx context.Context, sessionID string) error {
	return c.call(ctx, c.policy, &httpclient.Request{
		Op:     "heartbeat",
		Method: http.MethodPost,
		Path:   PathHeartbeat,
		Body:   SessionRequest{SessionID: sessionID},
	}, nil)
}

// Disconnect 通知服务端断开
func (c *Client) Disconnect(ctx context.Context, sessionID string) error {
	return c.call(ctx, c.disconnect, &httpclient.Request{
		Op:     "disconnect",
		Method: http.MethodPost,
		Path:   PathDisconnect,
		Body:   SessionRequest{SessionID: sessionID},
	}, nil)
}

// Messages 拉取 since 之后的消息，sessionID 非空时顺带刷新会话
func (c *Client) Messages(ctx context.Context, since int64, sessionID string) (*MessagesResponse, error) {
	q := map[string]string{"since": strconv.FormatInt(since, 10)}
	if sessionID != "" {
		q["session_id"] = sessionID
	}
	var out MessagesResponse
	err := c.call(ctx, c.policy, &httpclient.Request{
		Op:     "poll",
		Method: http.MethodGet,
		Path:   PathMessages,
		Query:  q,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActive 列出当前会话
func (c *Client) ListActive(ctx context.Context) (*ActiveResponse, error) {
	var out ActiveResponse
	err := c.call(ctx, c.policy, &httpclient.Request{
		Op:     "active",
		Method: http.MethodGet,
		Path:   PathActive,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Broadcast 管理端广播，Target 非空时为定向消息
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) (*PostResponse, error) {
	var out PostResponse
	err := c.call(ctx, c.policy, &httpclient.Request{
		Op:     "broadcast",
		Method: http.MethodPost,
		Path:   PathBroadcast,
		Body:   req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Send 以会话身份发送消息
func (c *Client) Send(ctx context.Context, req SendRequest) (*PostResponse, error) {
	var out PostResponse
	err := c.call(ctx, c.policy, &httpclient.Request{
		Op:     "send",
		Method: http.MethodPost,
		Path:   PathSend,
		Body:   req,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload 上传文档，content 整体保存在内存中以便重试时重放
func (c *Client) Upload(ctx context.Context, name string, content []byte) (*UploadResponse, error) {
	var out UploadResponse
	err := c.policy.Do(ctx, "upload", func(ctx context.Context) error {
		return c.exec.Do(ctx, &httpclient.Request{
			Op:     "upload",
			Method: http.MethodPost,
			Path:   PathDocuments,
			Body:   map[string]string{"name": name},
			File:   &httpclient.File{Field: "file", Name: name, Reader: bytes.NewReader(content)},
		}, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchRecords 读取外部记录资源，返回原始 data
func (c *Client) FetchRecords(ctx context.Context, resource string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, c.policy, &httpclient.Request{
		Op:     "fetch " + resource,
		Method: http.MethodGet,
		Path:   PathRecords + resource,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}
