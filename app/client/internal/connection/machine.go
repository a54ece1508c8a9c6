package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/flock/pkg/fault"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/protocol"
)

// Machine 一个客户端的连接状态机。
//
// 所有网络调用都在内部协程上执行，结果通过 Events 送达。
// 状态变更与事件入队在同一把锁内完成，事件顺序与状态顺序一致。
type Machine struct {
	cfg    *Config
	api    API
	logger logger.Logger
	events *queue
	now    func() time.Time

	wg sync.WaitGroup

	mu            sync.Mutex
	state         State
	sessionID     string
	address       string
	cursor        int64
	failures      int
	gen           uint64
	terminated    bool
	closed        bool
	cancelLoop    context.CancelFunc
	cancelConnect context.CancelFunc
}

// New 创建状态机，初始为 Idle
func New(cfg *Config, api API, l logger.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Machine{
		cfg:    cfg,
		api:    api,
		logger: logger.OrNoop(l).Named("client.connection"),
		events: newQueue(),
		now:    time.Now,
	}, nil
}

// Events 事件流，Close 后关闭。使用方需持续读取
func (m *Machine) Events() <-chan Event {
	return m.events.out
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Cursor 已处理的最大消息 ID
func (m *Machine) Cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// emitLocked 调用方持有 mu。连接实例已结束或已被替换时丢弃
func (m *Machine) emitLocked(gen uint64, e Event) {
	if gen != m.gen || m.terminated {
		return
	}
	if e.Type.Terminal() {
		m.terminated = true
	}
	e.State = m.state
	if e.SessionID == "" {
		e.SessionID = m.sessionID
	}
	e.At = m.now()
	m.events.push(e)
}

// failLocked 进入 Failed 并停止循环
func (m *Machine) failLocked(gen uint64, err error) {
	m.state = Failed
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	m.logger.Warn("connection failed", "session_id", m.sessionID, "error", err)
	m.emitLocked(gen, Event{Type: EventFailed, Err: err, Text: "connection lost: " + describe(err)})
}

// Connect 从 Idle、Disconnected 或 Failed 开始新的连接，注册在后台进行
func (m *Machine) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	switch m.state {
	case Idle, Disconnected, Failed:
	default:
		return fmt.Errorf("%w: connect from %s", ErrInvalidState, m.state)
	}

	m.gen++
	m.terminated = false
	m.state = Connecting
	m.sessionID = ""
	m.address = ""
	m.cursor = 0
	m.failures = 0

	cctx, cancel := context.WithCancel(ctx)
	m.cancelConnect = cancel
	gen := m.gen

	m.wg.Add(1)
	go m.connect(cctx, cancel, gen)
	return nil
}

func (m *Machine) connect(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer m.wg.Done()
	defer cancel()

	resp, err := m.api.Register(ctx, m.cfg.Hostname)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelConnect = nil
	if gen != m.gen || m.state != Connecting {
		return
	}
	if err == nil && m.closed {
		err = ErrClosed
	}
	if err != nil {
		m.state = Failed
		m.logger.Warn("connect failed", "error", err)
		m.emitLocked(gen, Event{Type: EventConnectFailed, Err: err, Text: "could not connect: " + describe(err)})
		return
	}

	m.state = Connected
	m.sessionID = resp.SessionID
	m.address = resp.Address
	m.logger.Info("connected", "session_id", resp.SessionID, "address", resp.Address)
	m.emitLocked(gen, Event{
		Type: EventConnected,
		Text: fmt.Sprintf("connected as %s (%s)", m.cfg.Hostname, resp.Address),
	})

	loopCtx, stop := context.WithCancel(context.Background())
	m.cancelLoop = stop
	m.wg.Add(1)
	go m.loop(loopCtx, gen)
}

func (m *Machine) loop(ctx context.Context, gen uint64) {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !m.iterate(ctx, gen) {
			return
		}
		timer.Reset(m.cfg.PollInterval)
	}
}

// iterate 并发执行一次轮询和心跳并处理结果，返回是否继续
func (m *Machine) iterate(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return false
	}
	id, cursor := m.sessionID, m.cursor
	m.mu.Unlock()

	// 断开时不打断已发出的请求
	callCtx := context.WithoutCancel(ctx)
	var (
		page           *protocol.MessagesResponse
		pollErr, hbErr error
		g              errgroup.Group
	)
	g.Go(func() error {
		c, cancel := context.WithTimeout(callCtx, m.cfg.CallTimeout)
		defer cancel()
		page, pollErr = m.api.Messages(c, cursor, id)
		return nil
	})
	g.Go(func() error {
		c, cancel := context.WithTimeout(callCtx, m.cfg.CallTimeout)
		defer cancel()
		hbErr = m.api.Heartbeat(c, id)
		return nil
	})
	_ = g.Wait()

	m.mu.Lock()
	if gen != m.gen || m.state != Connected || m.sessionID != id {
		m.mu.Unlock()
		return false
	}

	stale := fault.IsStale(pollErr) || fault.IsStale(hbErr)
	switch {
	case pollErr == nil:
		m.deliverLocked(gen, page)
	case fault.IsTransient(pollErr):
		m.logger.Warn("poll failed", "session_id", id, "error", pollErr)
		m.emitLocked(gen, Event{Type: EventTransientError, Err: pollErr, Text: "poll failed: " + describe(pollErr)})
	case !fault.IsStale(pollErr):
		// 轮询被拒绝不改变状态，心跳决定连接是否存活
		m.logger.Error("poll rejected", "session_id", id, "error", pollErr)
		m.emitLocked(gen, Event{Type: EventPollRejected, Err: pollErr, Text: "poll rejected: " + describe(pollErr)})
	}

	if !stale {
		ok := m.heartbeatResultLocked(gen, hbErr)
		m.mu.Unlock()
		return ok
	}

	if m.cfg.DisableReregister {
		m.failLocked(gen, firstStale(pollErr, hbErr))
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	return m.reregister(callCtx, gen, id)
}

func (m *Machine) deliverLocked(gen uint64, page *protocol.MessagesResponse) {
	for i := range page.Messages {
		msg := page.Messages[i]
		if msg.ID <= m.cursor {
			continue
		}
		m.cursor = msg.ID
		if !msg.VisibleTo(m.address) {
			continue
		}
		m.emitLocked(gen, Event{Type: EventMessage, Message: &msg, Text: fmt.Sprintf("%s: %s", msg.Sender, msg.Body)})
	}
	if page.Cursor > m.cursor {
		m.cursor = page.Cursor
	}
}

func (m *Machine) heartbeatResultLocked(gen uint64, err error) bool {
	switch {
	case err == nil:
		m.failures = 0
		m.emitLocked(gen, Event{Type: EventHeartbeatOK})
		return true
	case fault.IsTransient(err):
		m.failures++
		m.logger.Warn("heartbeat failed", "session_id", m.sessionID, "failures", m.failures, "error", err)
		if m.failures >= m.cfg.MaxHeartbeatFailures {
			m.failLocked(gen, err)
			return false
		}
		m.emitLocked(gen, Event{
			Type: EventTransientError,
			Err:  err,
			Text: fmt.Sprintf("heartbeat failed (%d/%d): %s", m.failures, m.cfg.MaxHeartbeatFailures, describe(err)),
		})
		return true
	default:
		m.failLocked(gen, err)
		return false
	}
}

// reregister 会话失效后重新注册，保留游标
func (m *Machine) reregister(ctx context.Context, gen uint64, oldID string) bool {
	c, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	resp, err := m.api.Register(c, m.cfg.Hostname)
	cancel()

	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		// 注册期间已断开，新会话无人持有
		if err == nil {
			m.release(ctx, resp.SessionID)
		}
		return false
	}
	defer m.mu.Unlock()
	if err != nil {
		m.failLocked(gen, err)
		return false
	}

	m.sessionID = resp.SessionID
	m.address = resp.Address
	m.failures = 0
	m.logger.Info("session renewed", "old_session_id", oldID, "session_id", resp.SessionID)
	m.emitLocked(gen, Event{
		Type: EventSessionRenewed,
		Text: fmt.Sprintf("session expired on the server, renewed as %s", resp.SessionID),
	})
	return true
}

// release 尽力通知服务端移除不再使用的会话
func (m *Machine) release(ctx context.Context, id string) {
	c, cancel := context.WithTimeout(ctx, m.cfg.DisconnectTimeout)
	defer cancel()
	if err := m.api.Disconnect(c, id); err != nil {
		m.logger.Warn("failed to release orphaned session", "session_id", id, "error", err)
		return
	}
	m.logger.Info("released orphaned session", "session_id", id)
}

func firstStale(errs ...error) error {
	for _, err := range errs {
		if fault.IsStale(err) {
			return err
		}
	}
	return nil
}

// Disconnect 从 Connected 断开。循环在本调用内停止，服务端通知在后台尽力完成
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return ErrNotConnected
	}
	m.disconnectLocked(ctx)
	return nil
}

func (m *Machine) disconnectLocked(ctx context.Context) {
	gen, id := m.gen, m.sessionID
	m.state = Disconnecting
	if m.cancelLoop != nil {
		m.cancelLoop()
		m.cancelLoop = nil
	}
	m.emitLocked(gen, Event{Type: EventDisconnecting, Text: "disconnecting"})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DisconnectTimeout)
		err := m.api.Disconnect(c, id)
		cancel()
		if err != nil {
			m.logger.Warn("disconnect notification failed", "session_id", id, "error", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.gen || m.state != Disconnecting {
			return
		}
		m.state = Disconnected
		m.emitLocked(gen, Event{Type: EventDisconnected, SessionID: id, Err: err, Text: "disconnected"})
	}()
}

// Send 以当前会话发送消息，结果以 EventSent 或 EventActionFailed 送达
func (m *Machine) Send(ctx context.Context, body, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return ErrNotConnected
	}
	gen, id := m.gen, m.sessionID

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		resp, err := m.api.Send(c, protocol.SendRequest{SessionID: id, Message: body, Target: target})
		cancel()

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.emitLocked(gen, Event{Type: EventActionFailed, Err: err, Text: "send failed: " + describe(err)})
			return
		}
		m.emitLocked(gen, Event{Type: EventSent, MessageID: resp.MessageID, Text: fmt.Sprintf("message %d sent", resp.MessageID)})
	}()
	return nil
}

// Upload 上传文档，结果以 EventUploaded 或 EventActionFailed 送达
func (m *Machine) Upload(ctx context.Context, name string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return ErrNotConnected
	}
	gen := m.gen

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		resp, err := m.api.Upload(c, name, content)
		cancel()

		m.mu.Lock()
		defer m.mu.Unlock()
		if err != nil {
			m.emitLocked(gen, Event{Type: EventActionFailed, Err: err, Text: "upload failed: " + describe(err)})
			return
		}
		m.emitLocked(gen, Event{
			Type:       EventUploaded,
			DocumentID: resp.DocumentID,
			Text:       fmt.Sprintf("%s uploaded (%d bytes)", name, resp.Size),
		})
	}()
	return nil
}

// Close 需要时先断开，等待后台协程结束后关闭事件流
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	switch m.state {
	case Connected:
		m.disconnectLocked(context.Background())
	case Connecting:
		if m.cancelConnect != nil {
			m.cancelConnect()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.events.close()
	return nil
}
