package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/flock/pkg/config"
	"github.com/lk2023060901/flock/pkg/logger"
	"github.com/lk2023060901/flock/pkg/web/metrics"
	"github.com/lk2023060901/flock/pkg/web/middleware"
	"github.com/lk2023060901/flock/pkg/web/validator"
)

// Server Web 服务核心结构，实现 app.Server
type Server struct {
	engine *gin.Engine
	config *Config
	logger logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// ServerOption Server 可选项
type ServerOption func(*serverOptions)

type serverOptions struct {
	metrics     *metrics.HTTPMetrics
	middlewares []gin.HandlerFunc
}

// WithMetrics 挂载 HTTP 指标中间件
func WithMetrics(m *metrics.HTTPMetrics) ServerOption {
	return func(o *serverOptions) { o.metrics = m }
}

// WithMiddleware 在基础中间件之后挂载额外中间件
func WithMiddleware(h ...gin.HandlerFunc) ServerOption {
	return func(o *serverOptions) { o.middlewares = append(o.middlewares, h...) }
}

// NewServer 创建 Web 服务
func NewServer(cfg *Config, l logger.Logger, opts ...ServerOption) (*Server, error) {
	merged, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	l = logger.OrNoop(l)

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	gin.SetMode(merged.Mode)
	validator.Init()

	engine := gin.New()
	if err := engine.SetTrustedProxies(merged.TrustedProxies); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// 挂载基础中间件
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger(l.Named("web.access")))
	engine.Use(middleware.Recovery(l.Named("web.recovery")))
	if len(merged.CORSOrigins) > 0 {
		engine.Use(middleware.CORS(merged.CORSOrigins))
	}
	if o.metrics != nil {
		engine.Use(middleware.Metrics(o.metrics))
	}
	engine.Use(o.middlewares...)

	engine.GET("/health", func(c *gin.Context) {
		Success(c, gin.H{"status": "ok"})
	})

	return &Server{
		engine: engine,
		config: merged,
		logger: l.Named("web.server"),
	}, nil
}

// Router 返回 Gin 引擎，用于注册路由
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Handler 返回 http.Handler 接口
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 绑定端口并在后台提供服务
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrServerAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.config.Addr(), err)
	}

	s.server = &http.Server{
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}
	s.listener = ln
	s.serveErr = make(chan error, 1)

	srv, errCh := s.server, s.serveErr
	go func() {
		var err error
		if s.config.EnableTLS {
			s.logger.Info("starting https server", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			s.logger.Info("starting http server", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped unexpectedly", "error", err)
		}
		errCh <- err
	}()
	return nil
}

// Stop 优雅关闭，最多等待 ShutdownTimeout
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return ErrServerNotStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("server exited")
	return nil
}

// Addr 实际监听地址，未启动时返回空
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run 启动服务并阻塞直到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down...")
	case err := <-s.serveErr:
		return err
	}
	return s.Stop()
}
