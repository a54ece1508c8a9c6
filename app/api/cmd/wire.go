//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"

	"github.com/lk2023060901/flock/app/api/internal/handler"
	"github.com/lk2023060901/flock/app/api/internal/service"
	"github.com/lk2023060901/flock/pkg/app"
	"github.com/lk2023060901/flock/pkg/logger"
)

func InitApp(cfg *Config, l logger.Logger) (app.Application, func(), error) {
	panic(wire.Build(
		// 1. 基础框架 (BaseApp)
		app.ProviderSet,
		provideAppOptions,

		// 2. 存储
		provideIDGenerator,
		provideRedis,
		provideRegistry,
		provideMessageLog,
		provideAuditRecorder,

		// 3. 指标
		providePrometheus,
		provideLivenessMetrics,
		provideHTTPMetrics,

		// 4. 服务层
		provideServiceConfig,
		service.New,
		provideSweeper,

		// 5. 接口层
		handler.NewSessionHandler,
		provideWebServer,

		// 6. 组装
		provideAppComponents,
		app.InitApp,
	))
}
