package web

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/flock/pkg/web/errors"
	"github.com/lk2023060901/flock/pkg/web/metrics"
	"github.com/lk2023060901/flock/pkg/web/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	s, err := NewServer(&Config{Mode: gin.TestMode}, nil, opts...)
	require.NoError(t, err)
	return s
}

func decode(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthEnvelope(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Equal(t, errors.CodeOK, resp.Code)
	assert.Equal(t, "ok", resp.Message)
	assert.Equal(t, "req-1", resp.TraceID)
	assert.Equal(t, "req-1", w.Header().Get(middleware.RequestIDHeader))
}

func TestRequestIDGenerated(t *testing.T) {
	s := newTestServer(t)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, w.Header().Get(middleware.RequestIDHeader), 36)
}

type bindReq struct {
	Hostname string `json:"hostname" binding:"required,notblank"`
}

func TestBindAndValidate(t *testing.T) {
	s := newTestServer(t)
	s.Router().POST("/bind", func(c *gin.Context) {
		var req bindReq
		if !BindAndValidate(c, &req) {
			return
		}
		Success(c, req)
	})

	tests := []struct {
		name   string
		body   string
		status int
		code   int
	}{
		{"ok", `{"hostname":"pc-1"}`, http.StatusOK, errors.CodeOK},
		{"missing", `{}`, http.StatusBadRequest, errors.CodeInvalidParams},
		{"blank", `{"hostname":"   "}`, http.StatusBadRequest, errors.CodeInvalidParams},
		{"malformed", `{`, http.StatusBadRequest, errors.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/bind", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			s.Handler().ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decode(t, w).Code)
		})
	}
}

func TestRecoveryReturnsEnvelope(t *testing.T) {
	s := newTestServer(t)
	s.Router().GET("/panic", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, errors.CodeInternalError, decode(t, w).Code)
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.NewHTTPMetrics("flock_test")
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	s := newTestServer(t, WithMetrics(m))
	for i := 0; i < 3; i++ {
		s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("/health", "GET", "200")))
}

func TestCodeToStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, errors.CodeToStatus(errors.CodeSessionNotFound))
	assert.Equal(t, http.StatusForbidden, errors.CodeToStatus(errors.CodeAddressMismatch))
	assert.Equal(t, http.StatusConflict, errors.CodeToStatus(errors.CodeSessionLimit))
	assert.Equal(t, http.StatusTooManyRequests, errors.CodeToStatus(errors.CodeRateLimited))
	assert.Equal(t, http.StatusBadRequest, errors.CodeToStatus(errors.CodeInvalidParams))
	assert.Equal(t, http.StatusInternalServerError, errors.CodeToStatus(errors.CodeInternalError))
}

func TestConfigValidate(t *testing.T) {
	_, err := NewServer(&Config{Mode: "weird"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewServer(&Config{Mode: gin.TestMode, EnableTLS: true}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStartStop(t *testing.T) {
	s, err := NewServer(&Config{Mode: gin.TestMode, Host: "127.0.0.1", Port: freePort(t)}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Stop(), ErrServerNotStarted)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrServerAlreadyStarted)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop())
}
