// Package service 把会话表、消息日志、审计和指标组合成对外的各项操作。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lk2023060901/flock/app/api/internal/audit"
	"github.com/lk2023060901/flock/app/api/internal/messagelog"
	"github.com/lk2023060901/flock/app/api/internal/metrics"
	"github.com/lk2023060901/flock/app/api/internal/registry"
	"github.com/lk2023060901/flock/pkg/logger"
)

// Config 服务配置
type Config struct {
	// PollLimit 未指定 limit 时每页条数
	PollLimit    int `mapstructure:"poll_limit"`
	MaxPollLimit int `mapstructure:"max_poll_limit"`
	// AdminSender 广播未指定发送者时使用
	AdminSender string `mapstructure:"admin_sender"`
}

func DefaultConfig() *Config {
	return &Config{
		PollLimit:    100,
		MaxPollLimit: 500,
		AdminSender:  "admin",
	}
}

func (c *Config) Validate() error {
	if c.PollLimit <= 0 || c.MaxPollLimit < c.PollLimit {
		return fmt.Errorf("service: invalid poll limits %d/%d", c.PollLimit, c.MaxPollLimit)
	}
	return nil
}

// Service 会话存活服务
type Service struct {
	cfg      *Config
	registry registry.Registry
	log      messagelog.Log
	audit    audit.Recorder
	metrics  *metrics.Liveness
	logger   logger.Logger
	now      func() time.Time
}

// New 创建服务，rec 为空时不审计，m 为空时使用未注册的指标
func New(cfg *Config, reg registry.Registry, log messagelog.Log, rec audit.Recorder, m *metrics.Liveness, l logger.Logger) *Service {
	if rec == nil {
		rec = audit.Noop{}
	}
	if m == nil {
		m = metrics.NewLiveness("")
	}
	return &Service{
		cfg:      cfg,
		registry: reg,
		log:      log,
		audit:    rec,
		metrics:  m,
		logger:   logger.OrNoop(l).Named("service"),
		now:      time.Now,
	}
}

// IdleThreshold 会话空闲阈值
func (s *Service) IdleThreshold() time.Duration {
	return s.registry.IdleThreshold()
}

// Register 注册新会话
func (s *Service) Register(ctx context.Context, address, hostname string) (registry.Session, error) {
	sess, err := s.registry.Register(ctx, address, hostname)
	if err != nil {
		s.metrics.Registrations.WithLabelValues(result(err)).Inc()
		s.logger.WarnContext(ctx, "register failed", "address", address, "error", err)
		return registry.Session{}, err
	}
	s.metrics.Registrations.WithLabelValues("ok").Inc()
	s.refreshGauge(ctx)

	ctx = logger.WithSessionID(ctx, sess.ID)
	s.logger.InfoContext(ctx, "session registered", "address", address, "hostname", hostname)
	s.record(ctx, sess, audit.EventRegistered, sess.RegisteredAt)
	return sess, nil
}

// Heartbeat 刷新会话
func (s *Service) Heartbeat(ctx context.Context, sessionID, address string) error {
	err := s.registry.Touch(ctx, sessionID, address)
	s.metrics.Heartbeats.WithLabelValues(result(err)).Inc()
	if err != nil {
		s.logger.DebugContext(logger.WithSessionID(ctx, sessionID), "heartbeat rejected", "address", address, "error", err)
	}
	return err
}

// Disconnect 主动断开
func (s *Service) Disconnect(ctx context.Context, sessionID, address string) error {
	sess, err := s.registry.Remove(ctx, sessionID, address)
	if err != nil {
		return err
	}
	s.metrics.Removals.WithLabelValues("disconnect").Inc()
	s.refreshGauge(ctx)

	ctx = logger.WithSessionID(ctx, sessionID)
	s.logger.InfoContext(ctx, "session disconnected", "address", address)
	s.record(ctx, sess, audit.EventDisconnected, s.now())
	return nil
}

// PollRequest 拉取参数
type PollRequest struct {
	Since int64
	// SessionID 非空时顺带刷新会话
	SessionID string
	Address   string
	Limit     int
}

// Page 一页消息
type Page struct {
	// Cursor 本页最后一条消息的 ID，无消息时等于 Since
	Cursor   int64
	Messages []messagelog.Message
}

// Poll 返回 Since 之后对 Address 可见的消息
func (s *Service) Poll(ctx context.Context, req PollRequest) (Page, error) {
	if req.SessionID != "" {
		if err := s.registry.Touch(ctx, req.SessionID, req.Address); err != nil {
			return Page{}, err
		}
	}
	if req.Since < 0 {
		req.Since = 0
	}

	msgs, err := s.log.Since(ctx, req.Since, s.limit(req.Limit))
	if err != nil {
		return Page{}, err
	}
	s.metrics.Polls.Inc()

	page := Page{Cursor: req.Since, Messages: make([]messagelog.Message, 0, len(msgs))}
	for _, m := range msgs {
		// 不可见的消息同样推进游标
		page.Cursor = m.ID
		if m.Target == "" || m.Target == req.Address {
			page.Messages = append(page.Messages, m)
		}
	}
	s.metrics.Delivered.Add(float64(len(page.Messages)))
	return page, nil
}

func (s *Service) limit(n int) int {
	switch {
	case n <= 0:
		return s.cfg.PollLimit
	case n > s.cfg.MaxPollLimit:
		return s.cfg.MaxPollLimit
	default:
		return n
	}
}

// ListActive 当前会话表
func (s *Service) ListActive(ctx context.Context) ([]registry.Entry, error) {
	return s.registry.ListActive(ctx)
}

// Broadcast 管理员发布消息，target 为空即广播
func (s *Service) Broadcast(ctx context.Context, sender, body, target string) (messagelog.Message, error) {
	if sender == "" {
		sender = s.cfg.AdminSender
	}
	return s.append(ctx, messagelog.Draft{Sender: sender, Body: body, Target: target})
}

// Send 已连接客户端发布消息，发送者为其主机名
func (s *Service) Send(ctx context.Context, sessionID, address, body, target string) (messagelog.Message, error) {
	if err := s.registry.Touch(ctx, sessionID, address); err != nil {
		return messagelog.Message{}, err
	}
	sess, err := s.registry.Get(ctx, sessionID)
	if err != nil {
		return messagelog.Message{}, err
	}
	sender := sess.Hostname
	if sender == "" {
		sender = sess.Address
	}
	return s.append(logger.WithSessionID(ctx, sessionID), messagelog.Draft{Sender: sender, Body: body, Target: target})
}

func (s *Service) append(ctx context.Context, d messagelog.Draft) (messagelog.Message, error) {
	msg, err := s.log.Append(ctx, d)
	if err != nil {
		return messagelog.Message{}, err
	}
	s.metrics.Messages.WithLabelValues(string(msg.Scope)).Inc()
	s.logger.InfoContext(ctx, "message appended", "id", msg.ID, "sender", msg.Sender, "scope", msg.Scope)
	return msg, nil
}

// Sweep 清理空闲会话
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]registry.Session, error) {
	start := time.Now()
	removed, err := s.registry.Sweep(ctx, now)
	s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return removed, nil
	}

	s.metrics.Removals.WithLabelValues("expired").Add(float64(len(removed)))
	s.refreshGauge(ctx)
	for _, sess := range removed {
		s.logger.Info("session expired", "session_id", sess.ID, "address", sess.Address, "last_activity", sess.LastActivity)
		s.record(ctx, sess, audit.EventExpired, now)
	}
	return removed, nil
}

func (s *Service) refreshGauge(ctx context.Context) {
	n, err := s.registry.Count(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "count sessions failed", "error", err)
		return
	}
	s.metrics.Sessions.Set(float64(n))
}

// record 审计失败不影响请求
func (s *Service) record(ctx context.Context, sess registry.Session, ev audit.Event, at time.Time) {
	err := s.audit.Record(ctx, audit.Record{
		SessionID:  sess.ID,
		Address:    sess.Address,
		Hostname:   sess.Hostname,
		Event:      ev,
		OccurredAt: at,
	})
	if err != nil {
		s.logger.DebugContext(ctx, "audit record failed", "event", ev, "error", err)
	}
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, registry.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, registry.ErrAddressMismatch):
		return "address_mismatch"
	case errors.Is(err, registry.ErrSessionLimit):
		return "limit"
	default:
		return "error"
	}
}
