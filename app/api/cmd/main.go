package main

import (
	"errors"

	"github.com/lk2023060901/flock/app/api/internal/audit"
	"github.com/lk2023060901/flock/app/api/internal/messagelog"
	"github.com/lk2023060901/flock/app/api/internal/registry"
	"github.com/lk2023060901/flock/app/api/internal/service"
	"github.com/lk2023060901/flock/app/api/internal/sweeper"
	"github.com/lk2023060901/flock/pkg/app"
	"github.com/lk2023060901/flock/pkg/database/postgres"
	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/prometheus"
	"github.com/lk2023060901/flock/pkg/web"
	"github.com/lk2023060901/flock/pkg/web/middleware"
)

// IDGenConfig 会话 ID 生成器配置
type IDGenConfig struct {
	// MachineID 多实例部署时每个实例必须不同
	MachineID uint16 `mapstructure:"machine_id"`
}

// Config 定义 API 服务的完整配置结构
type Config struct {
	Log logger.Config `mapstructure:"log"`

	// Web Server 配置
	Web       web.Config                 `mapstructure:"web"`
	RateLimit middleware.RateLimitConfig `mapstructure:"rate_limit"`

	// 会话表与消息日志
	Registry   registry.Config   `mapstructure:"registry"`
	MessageLog messagelog.Config `mapstructure:"message_log"`
	Service    service.Config    `mapstructure:"service"`
	Sweeper    sweeper.Config    `mapstructure:"sweeper"`
	IDGen      IDGenConfig       `mapstructure:"idgen"`

	// Redis 配置，registry 或 message_log 使用 redis 后端时必填
	Redis redis.Config `mapstructure:"redis"`

	// 审计，启用时写入 PostgreSQL
	Audit    audit.Config    `mapstructure:"audit"`
	Postgres postgres.Config `mapstructure:"postgres"`

	// Prometheus 配置
	Prometheus prometheus.Config `mapstructure:"prometheus"`
}

// defaultConfig 配置文件只需覆盖需要修改的项
func defaultConfig() *Config {
	return &Config{
		Log:        *logger.DefaultConfig(),
		Web:        *web.DefaultConfig(),
		RateLimit:  *middleware.DefaultRateLimitConfig(),
		Registry:   *registry.DefaultConfig(),
		MessageLog: *messagelog.DefaultConfig(),
		Service:    *service.DefaultConfig(),
		Sweeper:    *sweeper.DefaultConfig(),
		IDGen:      IDGenConfig{MachineID: 1},
		Audit:      *audit.DefaultConfig(),
		Postgres:   *postgres.DefaultConfig(),
		Prometheus: *prometheus.DefaultConfig(),
	}
}

// Validate 启动前校验
func (c *Config) Validate() error {
	errs := []error{
		c.Web.Validate(),
		c.Registry.Validate(),
		c.MessageLog.Validate(),
		c.Service.Validate(),
		c.Sweeper.Validate(),
		c.Prometheus.Validate(),
	}
	if c.needsRedis() {
		errs = append(errs, c.Redis.Validate())
	}
	if c.Audit.Enabled {
		errs = append(errs, c.Postgres.Validate())
		if c.Audit.PoolSize <= 0 {
			errs = append(errs, errors.New("audit: pool_size must be positive"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) needsRedis() bool {
	return c.Registry.Backend == registry.BackendRedis || c.MessageLog.Backend == messagelog.BackendRedis
}

func main() {
	cfg := defaultConfig()

	// 1. 加载配置
	if err := app.LoadConfig(cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	// 2. 初始化主日志
	l, err := logger.New(&cfg.Log)
	if err != nil {
		panic(err)
	}

	// 3. 通过 Wire 初始化应用
	application, cleanup, err := InitApp(cfg, l)
	if err != nil {
		l.Error("failed to initialize application", "error", err)
		return
	}
	defer cleanup()

	// 4. 运行服务
	if err := application.Run(); err != nil {
		l.Error("application exited with error", "error", err)
	}
}
