// pkg/log/hotreload.go
package log

import (
	"go.uber.org/zap"

	"github.com/imReese/onetierdb/pkg/config"
)

// LogReloadHandler 把配置文件中的log段应用到进程共享的Logger
type LogReloadHandler struct {
	logger *Logger
}

func NewLogReloadHandler(logger *Logger) *LogReloadHandler {
	return &LogReloadHandler{logger: logger}
}

func (h *LogReloadHandler) OnConfigReload(newCfg *config.ServerConfig) error {
	before := h.logger.Level()
	if err := h.logger.Reload(newCfg.Log); err != nil {
		return err
	}
	h.logger.Zap().Info("Logger reloaded",
		zap.Stringer("old_level", before),
		zap.Stringer("new_level", h.logger.Level()),
		zap.String("run_dir", newCfg.Log.RunDir),
		zap.Int("max_size", newCfg.Log.MaxSize))
	return nil
}
