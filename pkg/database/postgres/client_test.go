package postgres

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"default", func(c *Config) {}, true},
		{"no standalone", func(c *Config) { c.Standalone = nil }, false},
		{"empty host", func(c *Config) { c.Standalone.Host = "" }, false},
		{"bad port", func(c *Config) { c.Standalone.Port = 70000 }, false},
		{"empty db", func(c *Config) { c.Standalone.DBName = "" }, false},
		{"min > max", func(c *Config) { c.Pool.MinConns = 20 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrNilConfig)
}

func TestBuildConnString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Standalone.Password = "secret"
	s := buildConnString(cfg)
	assert.Contains(t, s, "host=localhost")
	assert.Contains(t, s, "dbname=flock")
	assert.Contains(t, s, "password=secret")
	assert.Contains(t, s, "connect_timeout=10")
}

func TestNewUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = New(context.Background(), &Config{
		Standalone:     &DBConfig{Host: "127.0.0.1", Port: port, User: "u", DBName: "d", SSLMode: "disable"},
		ConnectTimeout: time.Second,
	})
	assert.Error(t, err)
}

func TestQueryBuilderDollar(t *testing.T) {
	sql, args, err := QueryBuilder.Select("id").From("t").Where(squirrel.Eq{"a": 1}).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM t WHERE a = $1", sql)
	assert.Equal(t, []any{1}, args)
}
