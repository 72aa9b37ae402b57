// cmd/onetierd/main.go
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/dig"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/imReese/onetierdb/pkg/config"
	"github.com/imReese/onetierdb/pkg/health"
	"github.com/imReese/onetierdb/pkg/log"
	"github.com/imReese/onetierdb/pkg/server"
	"github.com/imReese/onetierdb/pkg/storage"
)

const (
	shutdownTimeout = 30 * time.Second
	watchInterval   = 5 * time.Second
	version         = "1.0.0"
)

type DB = storage.DB[int64, string, string, float64]

// configPath 配置文件路径, 供热更新监听使用
type configPath string

func provideConfig() (*config.ServerConfig, configPath, error) {
	path := config.ResolvePath()
	cfg, err := config.LoadConfig(path, zap.NewNop())
	return cfg, configPath(path), err
}

func provideLogger(cfg *config.ServerConfig) (*log.Logger, error) {
	return log.New(cfg.Log)
}

// provideZap 各组件持有的logger都派生自同一个可热更新的Logger
func provideZap(l *log.Logger) *zap.Logger {
	return l.Zap()
}

func provideEnv(cfg *config.ServerConfig, logger *zap.Logger) *storage.Env {
	return storage.NewEnv(logger, cfg.Storage.FlushPermits)
}

func provideDB(cfg *config.ServerConfig, env *storage.Env) (*DB, error) {
	engineCfg, err := storage.ConfigFrom(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	return storage.Open[int64, string, string, float64](cfg.DataDir, env, engineCfg)
}

func provideWatcher(path configPath, l *log.Logger, logger *zap.Logger, db *DB) *config.ConfigWatcher {
	watcher := config.NewConfigWatcher(string(path), logger, watchInterval)
	watcher.Seen()
	watcher.RegisterReloadHandler(log.NewLogReloadHandler(l))
	watcher.RegisterReloadHandler(storage.NewStorageReloadHandler(db, logger))
	return watcher
}

func provideGRPCServer(db *DB, logger *zap.Logger) *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(1024*1024*10), // 10MB
		grpc.ConnectionTimeout(30*time.Second),
	)
	grpc_health_v1.RegisterHealthServer(srv, health.NewHealthServer(db.Healthy, logger))
	return srv
}

func provideHTTPServer(cfg *config.ServerConfig, db *DB, env *storage.Env, logger *zap.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewHTTPServer(db, env.Metrics.Registry, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func buildContainer() (*dig.Container, error) {
	c := dig.New()
	for _, ctor := range []any{
		provideConfig,
		provideLogger,
		provideZap,
		provideEnv,
		provideDB,
		provideWatcher,
		provideGRPCServer,
		provideHTTPServer,
	} {
		if err := c.Provide(ctor); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type app struct {
	dig.In

	Config  *config.ServerConfig
	Log     *log.Logger
	Logger  *zap.Logger
	DB      *DB
	Watcher *config.ConfigWatcher
	GRPC    *grpc.Server
	HTTP    *http.Server
}

func run(a app) error {
	logger := a.Logger
	defer a.Log.Close()

	lis, err := net.Listen("tcp", ":"+a.Config.GRPCPort)
	if err != nil {
		return errors.Wrap(err, "listen grpc")
	}
	go func() {
		logger.Info("Starting gRPC server", zap.String("address", lis.Addr().String()))
		if err := a.GRPC.Serve(lis); err != nil {
			logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("Starting HTTP server", zap.String("address", a.HTTP.Addr))
		if err := a.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	a.Watcher.Start()
	defer a.Watcher.Stop()

	logger.Info("Server started successfully",
		zap.String("version", version),
		zap.String("grpc_port", a.Config.GRPCPort),
		zap.String("http_addr", a.Config.HTTPAddr),
		zap.String("data_dir", a.Config.DataDir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		a.GRPC.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		logger.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		logger.Warn("Forcing gRPC server shutdown")
		a.GRPC.Stop()
	}
	if err := a.HTTP.Shutdown(ctx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if err := a.DB.Close(ctx); err != nil {
		logger.Error("Error closing storage", zap.Error(err))
		return err
	}
	logger.Info("Server shutdown complete")
	return nil
}

func main() {
	c, err := buildContainer()
	if err != nil {
		panic(err)
	}
	if err := c.Invoke(run); err != nil {
		panic(err)
	}
}
