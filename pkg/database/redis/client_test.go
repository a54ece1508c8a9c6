package redis

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standaloneFor(t *testing.T, mr *miniredis.Miniredis) *Config {
	t.Helper()
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &Config{
		Standalone: &NodeConfig{Host: host, Port: p},
		Pool:       DefaultPoolConfig(),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		err  error
	}{
		{"nil", nil, ErrNilConfig},
		{"none", &Config{}, ErrInvalidConfig},
		{"both", &Config{Standalone: &NodeConfig{}, Cluster: &ClusterConfig{Addrs: []string{"a:1"}}}, ErrInvalidConfig},
		{"empty cluster", &Config{Cluster: &ClusterConfig{}}, ErrInvalidConfig},
		{"standalone", &Config{Standalone: &NodeConfig{Host: "localhost", Port: 6379}}, nil},
		{"cluster", &Config{Cluster: &ClusterConfig{Addrs: []string{"a:1", "b:2"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestClientAgainstMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewClient(standaloneFor(t, mr))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	require.NoError(t, c.Universal().Set(ctx, "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.GreaterOrEqual(t, c.PoolStats().TotalConns, uint32(1))
}

func TestPingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := standaloneFor(t, mr)
	mr.Close()

	c, err := NewClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.Error(t, c.Ping(context.Background()))
}

func TestStandaloneConfig(t *testing.T) {
	cfg, err := StandaloneConfig("127.0.0.1:6380")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Standalone.Host)
	assert.Equal(t, 6380, cfg.Standalone.Port)
	assert.NoError(t, cfg.Validate())

	_, err = StandaloneConfig("no-port")
	assert.Error(t, err)
}
