package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lk2023060901/flock/pkg/logger"
	codes "github.com/lk2023060901/flock/pkg/web/errors"
	"golang.org/x/time/rate"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RequestsPerSecond 每秒请求数
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	// Burst 突发容量
	Burst int `mapstructure:"burst"`
	// PerIP 是否按 IP 限流
	PerIP bool `mapstructure:"per_ip"`
	// PerPath 是否按路径限流
	PerPath bool `mapstructure:"per_path"`
	// SkipPaths 跳过的路径
	SkipPaths []string `mapstructure:"skip_paths"`
	// WaitMode 等待模式（true=等待，false=拒绝）
	WaitMode bool `mapstructure:"wait_mode"`
	// WaitTimeout 等待超时
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	// MaxLimiters 最大限流器数量
	MaxLimiters int `mapstructure:"max_limiters"`
	// LimiterTTL 限流器过期时间
	LimiterTTL time.Duration `mapstructure:"limiter_ttl"`

	// KeyFunc 自定义限流键生成函数
	KeyFunc func(*gin.Context) string `mapstructure:"-"`
}

// DefaultRateLimitConfig 默认按 IP 限流
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
		PerIP:             true,
		SkipPaths:         []string{"/health", "/metrics"},
		WaitTimeout:       time.Second,
		MaxLimiters:       10000,
		LimiterTTL:        10 * time.Minute,
	}
}

// RateLimiter 限流器
type RateLimiter struct {
	cfg      *RateLimitConfig
	global   *rate.Limiter
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	logger   logger.Logger
}

// NewRateLimiter 创建限流器
func NewRateLimiter(l logger.Logger, cfg *RateLimitConfig) *RateLimiter {
	if cfg == nil {
		cfg = DefaultRateLimitConfig()
	}
	l = logger.OrNoop(l)

	return &RateLimiter{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		limiters: expirable.NewLRU[string, *rate.Limiter](cfg.MaxLimiters, func(key string, _ *rate.Limiter) {
			l.Debug("rate limiter evicted", "key", key)
		}, cfg.LimiterTTL),
		logger: l,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	if key == "" {
		return rl.global.Allow()
	}
	return rl.getLimiter(key).Allow()
}

// Wait 等待直到允许请求
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	if key == "" {
		return rl.global.Wait(ctx)
	}
	return rl.getLimiter(key).Wait(ctx)
}

// getLimiter 获取或创建限流器
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if lim, ok := rl.limiters.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)
	rl.limiters.Add(key, lim)
	return lim
}

// Len 当前缓存的限流器数量
func (rl *RateLimiter) Len() int {
	return rl.limiters.Len()
}

// RateLimit 限流中间件
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	skipPaths := make(map[string]struct{})
	for _, path := range limiter.cfg.SkipPaths {
		skipPaths[path] = struct{}{}
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if _, skip := skipPaths[path]; skip {
			c.Next()
			return
		}

		key := generateKey(c, limiter.cfg)

		if limiter.cfg.WaitMode {
			ctx := c.Request.Context()
			if limiter.cfg.WaitTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, limiter.cfg.WaitTimeout)
				defer cancel()
			}
			if err := limiter.Wait(ctx, key); err != nil {
				limiter.logger.Warn("rate limit wait timeout", "key", key, "path", path, "error", err)
				abortWithRateLimitError(c)
				return
			}
		} else if !limiter.Allow(key) {
			limiter.logger.Warn("rate limit exceeded", "key", key, "path", path)
			abortWithRateLimitError(c)
			return
		}

		c.Next()
	}
}

// generateKey 生成限流键
func generateKey(c *gin.Context, cfg *RateLimitConfig) string {
	if cfg.KeyFunc != nil {
		return cfg.KeyFunc(c)
	}

	var key string
	if cfg.PerIP {
		key = "ip:" + c.ClientIP()
	}
	if cfg.PerPath {
		if key != "" {
			key += ":path:" + c.Request.URL.Path
		} else {
			key = "path:" + c.Request.URL.Path
		}
	}
	return key
}

// abortWithRateLimitError 返回限流错误
func abortWithRateLimitError(c *gin.Context) {
	c.Header("Retry-After", strconv.Itoa(1))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"code":    codes.CodeRateLimited,
		"message": "too many requests",
		"data":    nil,
	})
}
