package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/idgen"
)

var t0 = time.Unix(1700000000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type factory func(t *testing.T, cfg *Config, clock *fakeClock) Registry

func backends() map[string]factory {
	return map[string]factory{
		BackendMemory: func(t *testing.T, cfg *Config, clock *fakeClock) Registry {
			ids, err := idgen.NewSonyflake(1)
			require.NoError(t, err)
			return NewMemory(cfg, ids, nil, WithClock(clock.Now))
		},
		BackendRedis: func(t *testing.T, cfg *Config, clock *fakeClock) Registry {
			mr := miniredis.RunT(t)
			rcfg, err := redis.StandaloneConfig(mr.Addr())
			require.NoError(t, err)
			rc, err := redis.NewClient(rcfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = rc.Close() })

			ids, err := idgen.NewSonyflake(1)
			require.NoError(t, err)
			cfg.Backend = BackendRedis
			r, err := New(cfg, ids, rc, nil, WithClock(clock.Now))
			require.NoError(t, err)
			return r
		},
	}
}

func eachBackend(t *testing.T, cfg func() *Config, fn func(t *testing.T, r Registry, clock *fakeClock)) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: t0}
			fn(t, mk(t, cfg(), clock), clock)
		})
	}
}

func TestRegisterAlwaysMintsNewID(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		a, err := r.Register(ctx, "10.0.0.1", "office-pc")
		require.NoError(t, err)
		b, err := r.Register(ctx, "10.0.0.1", "office-pc")
		require.NoError(t, err)

		assert.NotEmpty(t, a.ID)
		assert.NotEqual(t, a.ID, b.ID)
		assert.Equal(t, t0, a.RegisteredAt)
		assert.Equal(t, a.RegisteredAt, a.LastActivity)

		n, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		got, err := r.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "office-pc", got.Hostname)
		assert.Equal(t, "10.0.0.1", got.Address)
	})
}

func TestTouch(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		s, err := r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)

		clock.Set(t0.Add(time.Minute))
		require.NoError(t, r.Touch(ctx, s.ID, "10.0.0.1"))
		got, err := r.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Minute), got.LastActivity)
		assert.Equal(t, t0, got.RegisteredAt)

		// 时钟回拨不会让 last_activity 减小
		clock.Set(t0.Add(30 * time.Second))
		require.NoError(t, r.Touch(ctx, s.ID, "10.0.0.1"))
		got, err = r.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(time.Minute), got.LastActivity)

		assert.ErrorIs(t, r.Touch(ctx, s.ID, "10.0.0.2"), ErrAddressMismatch)
		assert.ErrorIs(t, r.Touch(ctx, "nope", "10.0.0.1"), ErrSessionNotFound)
	})
}

func TestSkipAddressCheck(t *testing.T) {
	cfg := func() *Config {
		c := DefaultConfig()
		c.SkipAddressCheck = true
		return c
	}
	eachBackend(t, cfg, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		s, err := r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)
		assert.NoError(t, r.Touch(ctx, s.ID, "192.168.1.9"))
		_, err = r.Remove(ctx, s.ID, "192.168.1.9")
		assert.NoError(t, err)
	})
}

func TestRemove(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		s, err := r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)

		_, err = r.Remove(ctx, s.ID, "10.0.0.2")
		assert.ErrorIs(t, err, ErrAddressMismatch)

		removed, err := r.Remove(ctx, s.ID, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, s.ID, removed.ID)
		assert.Equal(t, "pc", removed.Hostname)

		_, err = r.Remove(ctx, s.ID, "10.0.0.1")
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.ErrorIs(t, r.Touch(ctx, s.ID, "10.0.0.1"), ErrSessionNotFound)
		_, err = r.Get(ctx, s.ID)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestSweepBoundary(t *testing.T) {
	const eps = time.Millisecond
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		s, err := r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)
		threshold := r.IdleThreshold()

		removed, err := r.Sweep(ctx, t0.Add(threshold-eps))
		require.NoError(t, err)
		assert.Empty(t, removed)

		// 恰好等于阈值时保留
		removed, err = r.Sweep(ctx, t0.Add(threshold))
		require.NoError(t, err)
		assert.Empty(t, removed)

		removed, err = r.Sweep(ctx, t0.Add(threshold+eps))
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, s.ID, removed[0].ID)

		assert.ErrorIs(t, r.Touch(ctx, s.ID, "10.0.0.1"), ErrSessionNotFound)
		n, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestSweepKeepsTouched(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		idle, err := r.Register(ctx, "10.0.0.1", "idle")
		require.NoError(t, err)
		busy, err := r.Register(ctx, "10.0.0.2", "busy")
		require.NoError(t, err)

		clock.Set(t0.Add(4 * time.Minute))
		require.NoError(t, r.Touch(ctx, busy.ID, "10.0.0.2"))

		removed, err := r.Sweep(ctx, t0.Add(6*time.Minute))
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, idle.ID, removed[0].ID)

		_, err = r.Get(ctx, busy.ID)
		assert.NoError(t, err)
	})
}

func TestListActive(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		first, err := r.Register(ctx, "10.0.0.1", "first")
		require.NoError(t, err)
		clock.Set(t0.Add(time.Second))
		second, err := r.Register(ctx, "10.0.0.2", "second")
		require.NoError(t, err)

		clock.Set(t0.Add(r.IdleThreshold()))
		entries, err := r.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)

		assert.Equal(t, first.ID, entries[0].ID)
		assert.False(t, entries[0].IsLive)
		assert.Equal(t, StatusIdleTimeout, entries[0].Status)

		assert.Equal(t, second.ID, entries[1].ID)
		assert.True(t, entries[1].IsLive)
		assert.Equal(t, StatusActive, entries[1].Status)
	})
}

func TestListActiveEmpty(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		entries, err := r.ListActive(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, entries)
		assert.Empty(t, entries)
	})
}

func TestSessionLimits(t *testing.T) {
	perAddr := func() *Config {
		c := DefaultConfig()
		c.MaxSessionsPerAddress = 2
		return c
	}
	eachBackend(t, perAddr, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		a, err := r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)
		_, err = r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)
		_, err = r.Register(ctx, "10.0.0.1", "pc")
		assert.ErrorIs(t, err, ErrSessionLimit)

		_, err = r.Register(ctx, "10.0.0.2", "other")
		assert.NoError(t, err)

		// 释放名额后可再次注册
		_, err = r.Remove(ctx, a.ID, "10.0.0.1")
		require.NoError(t, err)
		_, err = r.Register(ctx, "10.0.0.1", "pc")
		assert.NoError(t, err)
	})

	total := func() *Config {
		c := DefaultConfig()
		c.MaxSessions = 1
		return c
	}
	eachBackend(t, total, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		_, err := r.Register(ctx, "10.0.0.1", "pc")
		require.NoError(t, err)
		_, err = r.Register(ctx, "10.0.0.2", "pc")
		assert.ErrorIs(t, err, ErrSessionLimit)

		_, err = r.Sweep(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		_, err = r.Register(ctx, "10.0.0.2", "pc")
		assert.NoError(t, err)
	})
}

func TestConcurrentRegisterTouchSweep(t *testing.T) {
	eachBackend(t, DefaultConfig, func(t *testing.T, r Registry, clock *fakeClock) {
		ctx := context.Background()
		const n = 20

		ids := make([]string, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := r.Register(ctx, "10.0.0.1", "pc")
				assert.NoError(t, err)
				ids[i] = s.ID
			}(i)
		}
		wg.Wait()

		clock.Set(t0.Add(time.Minute))
		for i := 0; i < n; i++ {
			wg.Add(2)
			go func(id string) {
				defer wg.Done()
				assert.NoError(t, r.Touch(ctx, id, "10.0.0.1"))
			}(ids[i])
			go func() {
				defer wg.Done()
				_, err := r.Sweep(ctx, t0.Add(time.Minute))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		count, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, n, count)
		for _, id := range ids {
			s, err := r.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, t0.Add(time.Minute), s.LastActivity)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"redis", func(c *Config) { c.Backend = BackendRedis }, false},
		{"unknown backend", func(c *Config) { c.Backend = "etcd" }, true},
		{"zero threshold", func(c *Config) { c.IdleThreshold = 0 }, true},
		{"negative limit", func(c *Config) { c.MaxSessions = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			if tt.wantErr {
				assert.Error(t, c.Validate())
			} else {
				assert.NoError(t, c.Validate())
			}
		})
	}
}

func TestNewRedisRequiresClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendRedis
	_, err := New(cfg, nil, nil, nil)
	assert.Error(t, err)
}
