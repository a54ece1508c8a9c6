package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lk2023060901/flock/app/api/internal/messagelog"
	"github.com/lk2023060901/flock/app/api/internal/registry"
	"github.com/lk2023060901/flock/app/api/internal/service"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/protocol"
	"github.com/lk2023060901/flock/pkg/web"
	codes "github.com/lk2023060901/flock/pkg/web/errors"
)

// SessionHandler 会话与消息接口
type SessionHandler struct {
	svc    *service.Service
	logger logger.Logger
}

// NewSessionHandler 创建处理器
func NewSessionHandler(svc *service.Service, l logger.Logger) *SessionHandler {
	return &SessionHandler{
		svc:    svc,
		logger: logger.OrNoop(l).Named("handler.session"),
	}
}

// Register 注册路由，metrics 非空时挂载 /metrics
func (h *SessionHandler) Register(r *gin.Engine, metrics http.Handler) {
	client := r.Group("/client")
	{
		client.POST("/register", h.RegisterSession)
		client.POST("/heartbeat", h.Heartbeat)
		client.POST("/disconnect", h.Disconnect)
		client.GET("/messages", h.Messages)
		client.GET("/active", h.Active)
		client.POST("/send", h.Send)
	}
	admin := r.Group("/admin")
	{
		admin.POST("/broadcast", h.Broadcast)
	}
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
}

// RegisterSession 注册会话
// @Summary 注册客户端会话
// @Tags client
// @Accept json
// @Produce json
// @Param request body protocol.RegisterRequest true "注册请求"
// @Success 200 {object} web.Response{data=protocol.RegisterResponse}
// @Failure 409 {object} web.Response
// @Router /client/register [post]
func (h *SessionHandler) RegisterSession(c *gin.Context) {
	var req protocol.RegisterRequest
	if !web.BindAndValidate(c, &req) {
		return
	}

	sess, err := h.svc.Register(c.Request.Context(), c.ClientIP(), req.Hostname)
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, protocol.RegisterResponse{
		SessionID:            sess.ID,
		Address:              sess.Address,
		IdleThresholdSeconds: int(h.svc.IdleThreshold().Seconds()),
	})
}

// Heartbeat 刷新会话
// @Router /client/heartbeat [post]
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	var req protocol.SessionRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	if err := h.svc.Heartbeat(c.Request.Context(), req.SessionID, c.ClientIP()); err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, protocol.OKResponse{OK: true})
}

// Disconnect 断开会话
// @Router /client/disconnect [post]
func (h *SessionHandler) Disconnect(c *gin.Context) {
	var req protocol.SessionRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	if err := h.svc.Disconnect(c.Request.Context(), req.SessionID, c.ClientIP()); err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, protocol.OKResponse{OK: true})
}

// Messages 拉取消息
// @Param since query int false "游标"
// @Param session_id query string false "会话 ID"
// @Param limit query int false "条数"
// @Router /client/messages [get]
func (h *SessionHandler) Messages(c *gin.Context) {
	since, err := web.GetQueryInt64(c, "since", 0)
	if err != nil || since < 0 {
		web.Error(c, http.StatusBadRequest, codes.CodeInvalidParams, "since must be a non-negative integer")
		return
	}
	limit, err := web.GetQueryInt64(c, "limit", 0)
	if err != nil || limit < 0 {
		web.Error(c, http.StatusBadRequest, codes.CodeInvalidParams, "limit must be a non-negative integer")
		return
	}

	page, err := h.svc.Poll(c.Request.Context(), service.PollRequest{
		Since:     since,
		SessionID: c.Query("session_id"),
		Address:   c.ClientIP(),
		Limit:     int(limit),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := protocol.MessagesResponse{
		Cursor:   page.Cursor,
		Messages: make([]protocol.Message, len(page.Messages)),
	}
	for i, m := range page.Messages {
		resp.Messages[i] = toMessage(m)
	}
	web.Success(c, resp)
}

// Active 会话列表
// @Router /client/active [get]
func (h *SessionHandler) Active(c *gin.Context) {
	entries, err := h.svc.ListActive(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := protocol.ActiveResponse{Sessions: make([]protocol.Session, len(entries))}
	for i, e := range entries {
		resp.Sessions[i] = protocol.Session{
			SessionID:    e.ID,
			Address:      e.Address,
			Hostname:     e.Hostname,
			RegisteredAt: e.RegisteredAt,
			LastActivity: e.LastActivity,
			Status:       string(e.Status),
			IsLive:       e.IsLive,
		}
	}
	web.Success(c, resp)
}

// Broadcast 管理员发布消息
// @Param request body protocol.BroadcastRequest true "消息"
// @Success 200 {object} web.Response{data=protocol.PostResponse}
// @Router /admin/broadcast [post]
func (h *SessionHandler) Broadcast(c *gin.Context) {
	var req protocol.BroadcastRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	msg, err := h.svc.Broadcast(c.Request.Context(), req.Sender, req.Message, req.Target)
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, protocol.PostResponse{OK: true, MessageID: msg.ID})
}

// Send 客户端发布消息
// @Router /client/send [post]
func (h *SessionHandler) Send(c *gin.Context) {
	var req protocol.SendRequest
	if !web.BindAndValidate(c, &req) {
		return
	}
	msg, err := h.svc.Send(c.Request.Context(), req.SessionID, c.ClientIP(), req.Message, req.Target)
	if err != nil {
		h.fail(c, err)
		return
	}
	web.Success(c, protocol.PostResponse{OK: true, MessageID: msg.ID})
}

func (h *SessionHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		web.ErrorCode(c, codes.CodeSessionNotFound, "session not found")
	case errors.Is(err, registry.ErrAddressMismatch):
		web.ErrorCode(c, codes.CodeAddressMismatch, "client address does not match session")
	case errors.Is(err, registry.ErrSessionLimit):
		web.ErrorCode(c, codes.CodeSessionLimit, "session limit reached")
	case errors.Is(err, messagelog.ErrEmptyBody):
		web.ErrorCode(c, codes.CodeInvalidParams, "message body is empty")
	default:
		h.logger.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		web.ErrorCode(c, codes.CodeInternalError, "internal error")
	}
}

func toMessage(m messagelog.Message) protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Body:      m.Body,
		Scope:     m.Scope,
		Target:    m.Target,
		CreatedAt: m.CreatedAt,
	}
}
