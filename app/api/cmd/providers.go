package main

import (
	"context"

	"github.com/lk2023060901/flock/app/api/internal/audit"
	"github.com/lk2023060901/flock/app/api/internal/handler"
	"github.com/lk2023060901/flock/app/api/internal/messagelog"
	"github.com/lk2023060901/flock/app/api/internal/metrics"
	"github.com/lk2023060901/flock/app/api/internal/registry"
	"github.com/lk2023060901/flock/app/api/internal/service"
	"github.com/lk2023060901/flock/app/api/internal/sweeper"
	"github.com/lk2023060901/flock/pkg/app"
	"github.com/lk2023060901/flock/pkg/database/postgres"
	"github.com/lk2023060901/flock/pkg/database/redis"
	"github.com/lk2023060901/flock/pkg/idgen"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/prometheus"
	"github.com/lk2023060901/flock/pkg/web"
	webmetrics "github.com/lk2023060901/flock/pkg/web/metrics"
	"github.com/lk2023060901/flock/pkg/web/middleware"
)

// provideIDGenerator 提供会话 ID 生成器
func provideIDGenerator(cfg *Config) (idgen.Generator, error) {
	return idgen.NewSonyflake(cfg.IDGen.MachineID)
}

// provideRedis 仅在有组件使用 redis 后端时创建客户端
func provideRedis(cfg *Config, l logger.Logger) (*redis.Client, func(), error) {
	if !cfg.needsRedis() {
		return nil, func() {}, nil
	}
	c, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Ping(context.Background()); err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			l.Warn("failed to close redis client", "error", err)
		}
	}, nil
}

// provideRegistry 提供会话表
func provideRegistry(cfg *Config, ids idgen.Generator, rdb *redis.Client, l logger.Logger) (registry.Registry, error) {
	return registry.New(&cfg.Registry, ids, rdb, l)
}

// provideMessageLog 提供消息日志
func provideMessageLog(cfg *Config, rdb *redis.Client, l logger.Logger) (messagelog.Log, error) {
	return messagelog.New(&cfg.MessageLog, rdb, l)
}

// providePrometheus 提供 Prometheus 客户端
func providePrometheus(cfg *Config, l logger.Logger) (*prometheus.Client, func(), error) {
	c, err := prometheus.New(&cfg.Prometheus, l)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

// provideLivenessMetrics 创建并注册会话指标
func provideLivenessMetrics(prom *prometheus.Client) (*metrics.Liveness, error) {
	m := metrics.NewLiveness(prom.Config().Namespace)
	if err := m.Register(prom.Registry()); err != nil {
		return nil, err
	}
	return m, nil
}

// provideHTTPMetrics 创建并注册 HTTP 指标
func provideHTTPMetrics(prom *prometheus.Client) (*webmetrics.HTTPMetrics, error) {
	m := webmetrics.NewHTTPMetrics(prom.Config().Namespace)
	if err := m.Register(prom.Registry()); err != nil {
		return nil, err
	}
	return m, nil
}

// provideAuditRecorder 审计关闭时返回 Noop
func provideAuditRecorder(cfg *Config, l logger.Logger) (audit.Recorder, func(), error) {
	if !cfg.Audit.Enabled {
		return audit.Noop{}, func() {}, nil
	}

	ctx := context.Background()
	db, err := postgres.New(ctx, &cfg.Postgres)
	if err != nil {
		return nil, nil, err
	}
	pg, err := audit.NewPostgres(ctx, db, &cfg.Audit, l)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	rec, err := audit.NewAsync(pg, cfg.Audit.PoolSize, l)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return rec, func() {
		_ = rec.Close()
		db.Close()
	}, nil
}

// provideServiceConfig 提供服务配置
func provideServiceConfig(cfg *Config) *service.Config {
	return &cfg.Service
}

// provideSweeper 提供空闲清理任务
func provideSweeper(cfg *Config, svc *service.Service, l logger.Logger) (*sweeper.Job, error) {
	return sweeper.New(&cfg.Sweeper, svc, l)
}

// provideWebServer 创建 Web 服务并挂载路由
func provideWebServer(
	cfg *Config,
	l logger.Logger,
	h *handler.SessionHandler,
	httpMetrics *webmetrics.HTTPMetrics,
	prom *prometheus.Client,
) (*web.Server, error) {
	opts := []web.ServerOption{web.WithMetrics(httpMetrics)}
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(l.Named("web.ratelimit"), &cfg.RateLimit)
		opts = append(opts, web.WithMiddleware(middleware.RateLimit(limiter)))
	}

	srv, err := web.NewServer(&cfg.Web, l, opts...)
	if err != nil {
		return nil, err
	}
	h.Register(srv.Router(), prom.Handler())
	return srv, nil
}

// provideAppOptions 提供应用选项
func provideAppOptions(l logger.Logger) []app.Option {
	return []app.Option{
		app.WithName(app.AppName),
		app.WithLogger(l),
	}
}

// provideAppComponents 提供应用组件
func provideAppComponents(srv *web.Server, job *sweeper.Job) app.Components {
	return app.Components{
		Servers: []app.Server{srv, job},
	}
}
