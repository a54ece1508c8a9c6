package prometheus

import "time"

// Config Prometheus 配置
type Config struct {
	// 命名空间（应用名称）
	Namespace string `mapstructure:"namespace"`

	// 独立 HTTP 服务器，默认关闭，指标挂在 web 服务的 /metrics 上
	HTTPServer HTTPServerConfig `mapstructure:"http_server"`

	DisableGoCollector      bool `mapstructure:"disable_go_collector"`
	DisableProcessCollector bool `mapstructure:"disable_process_collector"`
	// 主机 CPU/内存占用
	DisableHostCollector bool `mapstructure:"disable_host_collector"`
}

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Namespace: "flock",
		HTTPServer: HTTPServerConfig{
			Addr:    ":9090",
			Path:    "/metrics",
			Timeout: 10 * time.Second,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Namespace == "" {
		return ErrInvalidConfig
	}
	if c.HTTPServer.Enabled && (c.HTTPServer.Addr == "" || c.HTTPServer.Path == "") {
		return ErrInvalidConfig
	}
	return nil
}
