package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/lk2023060901/flock/pkg/config"
	"github.com/lk2023060901/flock/pkg/fault"
	"github.com/lk2023060901/flock/pkg/logger"
	codes "github.com/lk2023060901/flock/pkg/web/errors"
)

// Request 一次出站调用的描述
type Request struct {
	// Op 操作名，用于日志和错误
	Op     string
	Method string
	Path   string
	Query  map[string]string
	Body   any
	// Timeout 覆盖默认超时，0 表示使用配置值
	Timeout time.Duration
	File    *File
}

// File multipart 上传的文件
type File struct {
	Field  string
	Name   string
	Reader io.Reader
}

// envelope 服务端统一响应结构
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Executor 执行单次 HTTP 请求并归类结果，不做任何重试
type Executor struct {
	client *resty.Client
	cfg    *Config
	logger logger.Logger
}

// New 创建执行器
func New(cfg *Config, l logger.Logger) (*Executor, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	l = logger.OrNoop(l).Named("httpclient")

	client := resty.New().
		SetBaseURL(merged.BaseURL).
		SetHeader("User-Agent", merged.UserAgent).
		SetHeader("Accept", "application/json").
		SetRetryCount(0).
		SetLogger(restyLogger{l})

	return &Executor{client: client, cfg: merged, logger: l}, nil
}

// Timeout 默认单次超时
func (e *Executor) Timeout() time.Duration {
	return e.cfg.Timeout
}

// Do 执行一次请求，成功时把 data 解码到 out（out 可为 nil）
func (e *Executor) Do(ctx context.Context, req *Request, out any) error {
	op := req.Op
	if op == "" {
		op = req.Method + " " + req.Path
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := e.client.R().SetContext(callCtx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.File != nil {
		r.SetFileReader(req.File.Field, req.File.Name, req.File.Reader)
		if fields, ok := req.Body.(map[string]string); ok {
			r.SetFormData(fields)
		}
	} else if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}

	start := time.Now()
	resp, err := r.Execute(req.Method, req.Path)
	if err != nil {
		fe := fault.ClassifyTransport(ctx, op, err)
		e.logger.DebugContext(ctx, "request failed",
			"op", op, "cause", string(fe.Cause), "elapsed", time.Since(start), "error", err)
		return fe
	}

	return e.classify(op, resp.StatusCode(), resp.Body(), out)
}

// classify 按状态码和响应体归类
func (e *Executor) classify(op string, status int, body []byte, out any) error {
	var env envelope
	envErr := json.Unmarshal(body, &env)
	validEnv := envErr == nil && env.Code != nil

	switch {
	case status == http.StatusTooManyRequests:
		return fault.NewTransient(op, fault.CauseRateLimited, fmt.Errorf("status %d", status))
	case status == http.StatusBadGateway, status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return fault.NewTransient(op, fault.CauseUnavailable, fmt.Errorf("status %d", status))
	case status >= 400:
		code, msg := 0, http.StatusText(status)
		if validEnv {
			code, msg = *env.Code, env.Message
		}
		if status == http.StatusNotFound && code == codes.CodeSessionNotFound {
			return fault.NewStale(op, status, code, msg)
		}
		return fault.NewPermanent(op, status, code, msg)
	case status < 200 || status >= 300:
		return fault.NewProtocol(op, fmt.Errorf("unexpected status %d", status))
	}

	if !validEnv {
		if envErr == nil {
			envErr = errors.New("missing code field")
		}
		return fault.NewProtocol(op, errors.Wrap(envErr, "invalid response envelope"))
	}
	if *env.Code != codes.CodeOK {
		return fault.NewPermanent(op, status, *env.Code, env.Message)
	}
	if out == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fault.NewProtocol(op, errors.New("response has no data"))
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fault.NewProtocol(op, errors.Wrap(err, "invalid response data"))
	}
	return nil
}

// restyLogger 将 resty 日志接入 pkg/logger
type restyLogger struct {
	l logger.Logger
}

func (r restyLogger) Errorf(format string, v ...interface{}) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...interface{})  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...interface{}) { r.l.Debug(fmt.Sprintf(format, v...)) }
