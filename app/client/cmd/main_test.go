package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/flock/pkg/app"
	"github.com/lk2023060901/flock/pkg/fault"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.HTTP.Validate())
	require.NoError(t, cfg.Retry.Validate())
	require.NoError(t, cfg.Connection.Validate())
	assert.Equal(t, 4, cfg.Fetch.Workers)
	assert.Len(t, cfg.Fetch.Resources, 3)
}

func TestShippedConfigLoads(t *testing.T) {
	cfg := defaultConfig()
	_, err := app.LoadConfigFile("config.yaml", cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8080", cfg.HTTP.BaseURL)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Connection.MaxHeartbeatFailures)
	assert.NotEmpty(t, cfg.Connection.Hostname)
	require.NoError(t, cfg.Connection.Validate())
}

func TestUserError(t *testing.T) {
	assert.NoError(t, userError(nil))

	err := userError(fault.NewPermanent("broadcast", 400, 40001, "message is required"))
	assert.EqualError(t, err, "the server rejected the request: message is required")

	assert.EqualError(t, userError(errors.New("boom")), "boom")
}
