package httpclient

import (
	"errors"
	"net/url"
	"time"
)

// Config 请求执行器配置
type Config struct {
	// BaseURL 服务端根地址，例如 http://127.0.0.1:8080
	BaseURL string `mapstructure:"base_url"`
	// Timeout 单次请求超时
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:   "http://127.0.0.1:8080",
		Timeout:   10 * time.Second,
		UserAgent: "flock-client/1.0",
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("httpclient: base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("httpclient: base_url must be an absolute url")
	}
	if c.Timeout <= 0 {
		return errors.New("httpclient: timeout must be positive")
	}
	return nil
}
