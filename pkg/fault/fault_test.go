package fault

import (
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyTransport(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	dns := &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}

	tests := []struct {
		name  string
		err   error
		kind  Kind
		cause Cause
	}{
		{"dns", fmt.Errorf("get: %w", dns), Transient, CauseDNS},
		{"dns timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, Transient, CauseTimeout},
		{"refused", fmt.Errorf("post: %w", refused), Transient, CauseRefused},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), Transient, CauseTimeout},
		{"other", errors.New("connection reset"), Transient, CauseNetwork},
		{"canceled", context.Canceled, Canceled, CauseCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := ClassifyTransport(context.Background(), "poll", tt.err)
			assert.Equal(t, tt.kind, fe.Kind)
			assert.Equal(t, tt.cause, fe.Cause)
			assert.Equal(t, "poll", fe.Op)
			assert.ErrorIs(t, fe, tt.err)
		})
	}
}

func TestClassifyTransportParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fe := ClassifyTransport(ctx, "heartbeat", context.DeadlineExceeded)
	assert.Equal(t, Canceled, fe.Kind)
}

func TestClassifyKeepsClassified(t *testing.T) {
	orig := NewStale("heartbeat", 404, 40401, "session not found")
	fe := ClassifyTransport(context.Background(), "other", fmt.Errorf("wrap: %w", orig))
	assert.Same(t, orig, fe)
}

func TestPredicates(t *testing.T) {
	wrapped := errors.Wrap(NewPermanent("register", 400, 40001, "bad hostname"), "register")
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))

	fe, ok := As(wrapped)
	require.True(t, ok)
	assert.False(t, fe.Retryable())
	assert.True(t, NewTransient("x", CauseTimeout, nil).Retryable())
	assert.True(t, IsStale(NewStale("x", 404, 0, "")))
	assert.True(t, IsProtocol(NewProtocol("x", errors.New("bad json"))))
	assert.True(t, IsCanceled(NewCanceled("x", context.Canceled)))
}

func TestUserMessage(t *testing.T) {
	assert.Contains(t, NewTransient("x", CauseDNS, nil).UserMessage(), "internet connection")
	assert.Contains(t, NewTransient("x", CauseRefused, nil).UserMessage(), "internet connection")
	assert.Contains(t, NewTransient("x", CauseTimeout, nil).UserMessage(), "did not answer in time")
	assert.Contains(t, NewPermanent("x", 400, 40001, "hostname required").UserMessage(), "rejected the request: hostname required")
}

func TestErrorString(t *testing.T) {
	fe := NewPermanent("broadcast", 400, 40001, "message required").WithAttempts(1)
	assert.Equal(t, "broadcast: rejected (status 400, code 40001): message required", fe.Error())

	tr := NewTransient("poll", CauseTimeout, context.DeadlineExceeded).WithAttempts(3)
	assert.Equal(t, "poll: timeout: context deadline exceeded after 3 attempts", tr.Error())
	assert.Equal(t, "transient", tr.Kind.String())
}
