// pkg/storage/hotreload.go
package storage

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/onetierdb/pkg/config"
)

// Reconfigurable 支持热更新参数的引擎
type Reconfigurable interface {
	Config() Config
	UpdateConfig(cfg Config) error
}

// permitBound 落盘并发在Env创建时固定, 热更新不生效
type permitBound interface {
	FlushPermits() int
}

type StorageReloadHandler struct {
	engine Reconfigurable
	logger *zap.Logger
	mu     sync.Mutex
}

func NewStorageReloadHandler(engine Reconfigurable, logger *zap.Logger) *StorageReloadHandler {
	return &StorageReloadHandler{
		engine: engine,
		logger: logger,
	}
}

func (h *StorageReloadHandler) OnConfigReload(newCfg *config.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := ConfigFrom(newCfg.Storage)
	if err != nil {
		return errors.Wrap(err, "invalid storage config")
	}
	if p, ok := h.engine.(permitBound); ok && newCfg.Storage.FlushPermits != p.FlushPermits() {
		h.logger.Warn("flush_permits change requires restart, keeping current value",
			zap.Int("current", p.FlushPermits()),
			zap.Int("configured", newCfg.Storage.FlushPermits))
	}
	old := h.engine.Config()
	h.logger.Info("Applying storage config changes",
		zap.Int64("old_write_buffer_size", old.WriteBufferSize),
		zap.Duration("old_write_buffer_timeout", old.WriteBufferTimeout),
	)
	if err := h.engine.UpdateConfig(next); err != nil {
		_ = h.engine.UpdateConfig(old)
		return errors.Wrap(err, "failed to update storage config")
	}
	h.logger.Info("Storage config reloaded",
		zap.Int64("new_write_buffer_size", next.WriteBufferSize),
		zap.Duration("new_write_buffer_timeout", next.WriteBufferTimeout),
		zap.String("flush_failure_policy", string(next.FlushFailurePolicy)))
	return nil
}
