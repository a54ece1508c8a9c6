package protocol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lk2023060901/flock/pkg/fault"
	"github.com/lk2023060901/flock/pkg/httpclient"
	"github.com/lk2023060901/flock/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	exec, err := httpclient.New(&httpclient.Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
	require.NoError(t, err)
	policy := retry.MustNew(retry.Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	})
	return NewClient(exec, policy, nil)
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "ok", "data": data})
}

func TestRegisterAndMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(PathRegister, func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeOK(w, RegisterResponse{SessionID: "s-" + req.Hostname, Address: "127.0.0.1", IdleThresholdSeconds: 300})
	})
	mux.HandleFunc(PathMessages, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "4", r.URL.Query().Get("since"))
		assert.Equal(t, "s-pc", r.URL.Query().Get("session_id"))
		writeOK(w, MessagesResponse{Cursor: 5, Messages: []Message{{ID: 5, Body: "hi", Scope: ScopeBroadcast}}})
	})
	c := newClient(t, mux)

	reg, err := c.Register(context.Background(), "pc")
	require.NoError(t, err)
	assert.Equal(t, "s-pc", reg.SessionID)
	assert.Equal(t, 300, reg.IdleThresholdSeconds)

	msgs, err := c.Messages(context.Background(), 4, reg.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), msgs.Cursor)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "hi", msgs.Messages[0].Body)
}

func TestHeartbeatRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeOK(w, OKResponse{OK: true})
	}))

	require.NoError(t, c.Heartbeat(context.Background(), "s-1"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDisconnectRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := c.Disconnect(context.Background(), "s-1")
	assert.True(t, fault.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestStaleHeartbeat(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":40401,"message":"session not found"}`)
	}))

	err := c.Heartbeat(context.Background(), "gone")
	assert.True(t, fault.IsStale(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadReplaysBody(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		b, _ := io.ReadAll(f)
		assert.Equal(t, "minutes", string(b))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeOK(w, UploadResponse{DocumentID: "d-1", Size: int64(len(b))})
	}))

	out, err := c.Upload(context.Background(), "minutes.txt", []byte("minutes"))
	require.NoError(t, err)
	assert.Equal(t, "d-1", out.DocumentID)
	assert.Equal(t, int64(7), out.Size)
}

func TestFetchRecords(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/members", r.URL.Path)
		writeOK(w, []map[string]any{{"id": 1}})
	}))

	raw, err := c.FetchRecords(context.Background(), "members")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":1}]`, string(raw))
}

func TestVisibleTo(t *testing.T) {
	assert.True(t, Message{Scope: ScopeBroadcast}.VisibleTo("10.0.0.1"))
	assert.True(t, Message{Scope: ScopeTargeted, Target: "10.0.0.1"}.VisibleTo("10.0.0.1"))
	assert.False(t, Message{Scope: ScopeTargeted, Target: "10.0.0.2"}.VisibleTo("10.0.0.1"))
}
