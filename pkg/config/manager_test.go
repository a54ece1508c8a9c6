package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServerConfig struct {
	Web struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"web"`
	Registry struct {
		IdleThreshold time.Duration `mapstructure:"idle_threshold"`
		Backend       string        `mapstructure:"backend"`
	} `mapstructure:"registry"`
	Cors struct {
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"cors"`
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// 测试加载并解析配置文件
func TestManager_LoadFileAndUnmarshal(t *testing.T) {
	path := writeConfigFile(t, `
web:
  port: 8080
registry:
  idle_threshold: 5m
  backend: redis
cors:
  origins: "http://a.example,http://b.example"
`)

	mgr := NewManager()
	require.NoError(t, mgr.LoadFile(path))

	var cfg testServerConfig
	require.NoError(t, mgr.Unmarshal(&cfg))

	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, 5*time.Minute, cfg.Registry.IdleThreshold)
	assert.Equal(t, "redis", cfg.Registry.Backend)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Cors.Origins)
	assert.Equal(t, 5*time.Minute, mgr.GetDuration("registry.idle_threshold"))
}

// 测试文件不存在
func TestManager_LoadFileMissing(t *testing.T) {
	mgr := NewManager()
	err := mgr.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

// 测试环境变量覆盖配置文件
func TestManager_EnvOverride(t *testing.T) {
	path := writeConfigFile(t, "web:\n  port: 8080\n")
	t.Setenv("FLOCKTEST_WEB_PORT", "9191")

	mgr := NewManager(WithEnvPrefix("FLOCKTEST"))
	require.NoError(t, mgr.LoadFile(path))

	var cfg testServerConfig
	require.NoError(t, mgr.Unmarshal(&cfg))
	assert.Equal(t, 9191, cfg.Web.Port)
}

// 测试默认值与 UnmarshalKey
func TestManager_DefaultsAndUnmarshalKey(t *testing.T) {
	path := writeConfigFile(t, "web:\n  port: 8080\n")

	mgr := NewManager(WithDefaults(map[string]any{"registry.backend": "memory"}))
	require.NoError(t, mgr.LoadFile(path))

	var backend string
	require.NoError(t, mgr.UnmarshalKey("registry.backend", &backend))
	assert.Equal(t, "memory", backend)
	assert.True(t, mgr.IsSet("web.port"))
	assert.Equal(t, "8080", mgr.GetString("web.port"))
}

// 测试配置文件变更回调
func TestManager_Watch(t *testing.T) {
	path := writeConfigFile(t, "web:\n  port: 8080\n")

	mgr := NewManager()
	require.NoError(t, mgr.LoadFile(path))

	changed := make(chan string, 4)
	require.NoError(t, mgr.Watch(func(p string) { changed <- p }))

	require.NoError(t, os.WriteFile(path, []byte("web:\n  port: 9090\n"), 0o644))

	select {
	case <-changed:
		assert.Eventually(t, func() bool { return mgr.GetString("web.port") == "9090" }, 2*time.Second, 20*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Skip("file system notifications unavailable")
	}
}
