package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/flock/app/api/internal/messagelog"
	"github.com/lk2023060901/flock/app/api/internal/metrics"
	"github.com/lk2023060901/flock/app/api/internal/registry"
	"github.com/lk2023060901/flock/app/api/internal/service"
	"github.com/lk2023060901/flock/pkg/fault"
	"github.com/lk2023060901/flock/pkg/httpclient"
	"github.com/lk2023060901/flock/pkg/idgen"
	"github.com/lk2023060901/flock/pkg/protocol"
	"github.com/lk2023060901/flock/pkg/retry"
	"github.com/lk2023060901/flock/pkg/web"
	codes "github.com/lk2023060901/flock/pkg/web/errors"
)

type stack struct {
	svc    *service.Service
	client *protocol.Client
	url    string
}

func newStack(t *testing.T, regCfg *registry.Config) *stack {
	t.Helper()
	ids, err := idgen.NewSonyflake(1)
	require.NoError(t, err)
	if regCfg == nil {
		regCfg = registry.DefaultConfig()
	}
	reg := registry.NewMemory(regCfg, ids, nil)
	m := metrics.NewLiveness("")
	promReg := prometheus.NewRegistry()
	require.NoError(t, m.Register(promReg))
	svc := service.New(service.DefaultConfig(), reg, messagelog.NewMemory(nil), nil, m, nil)

	srv, err := web.NewServer(&web.Config{Mode: gin.TestMode}, nil)
	require.NoError(t, err)
	NewSessionHandler(svc, nil).Register(srv.Router(), promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	exec, err := httpclient.New(&httpclient.Config{BaseURL: ts.URL, Timeout: 2 * time.Second}, nil)
	require.NoError(t, err)
	policy := retry.MustNew(retry.Config{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Multiplier:     2,
	})
	return &stack{svc: svc, client: protocol.NewClient(exec, policy, nil), url: ts.URL}
}

func TestBroadcastPollScenario(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	reg, err := s.client.Register(ctx, "office-pc")
	require.NoError(t, err)
	assert.NotEmpty(t, reg.SessionID)
	assert.Equal(t, "127.0.0.1", reg.Address)
	assert.Equal(t, 300, reg.IdleThresholdSeconds)

	post, err := s.client.Broadcast(ctx, protocol.BroadcastRequest{Message: "Service at 9am"})
	require.NoError(t, err)
	assert.True(t, post.OK)
	assert.Equal(t, int64(1), post.MessageID)

	page, err := s.client.Messages(ctx, 0, reg.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Cursor)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(1), page.Messages[0].ID)
	assert.Equal(t, "Service at 9am", page.Messages[0].Body)
	assert.Equal(t, protocol.ScopeBroadcast, page.Messages[0].Scope)

	page, err = s.client.Messages(ctx, 1, reg.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Cursor)
	assert.Empty(t, page.Messages)
}

func TestSessionLifecycle(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	reg, err := s.client.Register(ctx, "office-pc")
	require.NoError(t, err)
	require.NoError(t, s.client.Heartbeat(ctx, reg.SessionID))

	active, err := s.client.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active.Sessions, 1)
	assert.Equal(t, reg.SessionID, active.Sessions[0].SessionID)
	assert.Equal(t, "office-pc", active.Sessions[0].Hostname)
	assert.True(t, active.Sessions[0].IsLive)
	assert.Equal(t, protocol.StatusActive, active.Sessions[0].Status)

	sent, err := s.client.Send(ctx, protocol.SendRequest{SessionID: reg.SessionID, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sent.MessageID)

	require.NoError(t, s.client.Disconnect(ctx, reg.SessionID))

	err = s.client.Heartbeat(ctx, reg.SessionID)
	require.Error(t, err)
	assert.True(t, fault.IsStale(err))

	_, err = s.client.Messages(ctx, 0, reg.SessionID)
	assert.True(t, fault.IsStale(err))
}

func TestAddressMismatch(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	other, err := s.svc.Register(ctx, "10.9.9.9", "elsewhere")
	require.NoError(t, err)

	err = s.client.Heartbeat(ctx, other.ID)
	require.Error(t, err)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.Permanent, fe.Kind)
	assert.Equal(t, http.StatusForbidden, fe.Status)
	assert.Equal(t, codes.CodeAddressMismatch, fe.Code)
	assert.Equal(t, 1, fe.Attempts)
}

func TestSessionLimit(t *testing.T) {
	cfg := registry.DefaultConfig()
	cfg.MaxSessionsPerAddress = 1
	s := newStack(t, cfg)
	ctx := context.Background()

	_, err := s.client.Register(ctx, "pc")
	require.NoError(t, err)
	_, err = s.client.Register(ctx, "pc")
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, fe.Status)
	assert.Equal(t, codes.CodeSessionLimit, fe.Code)
}

func TestInvalidParams(t *testing.T) {
	s := newStack(t, nil)
	ctx := context.Background()

	_, err := s.client.Register(ctx, "   ")
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, fe.Status)
	assert.Equal(t, codes.CodeInvalidParams, fe.Code)

	resp, err := http.Get(s.url + protocol.PathMessages + "?since=-4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(s.url + protocol.PathMessages + "?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t, nil)
	_, err := s.client.Register(context.Background(), "pc")
	require.NoError(t, err)

	resp, err := http.Get(s.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
