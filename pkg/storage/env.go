// pkg/storage/env.go
package storage

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/imReese/onetierdb/pkg/metrics"
)

// Env 一个进程内多个DB共享的依赖: 日志、指标和落盘许可
type Env struct {
	InstanceID string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Permits    *semaphore.Weighted
	Workers    int
}

// NewEnv permits为进程级同时落盘的表数量上限
func NewEnv(logger *zap.Logger, permits int) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	if permits <= 0 {
		permits = 1
	}
	id := uuid.NewString()
	return &Env{
		InstanceID: id,
		Logger:     logger.With(zap.String("instance_id", id)),
		Metrics:    metrics.New(id),
		Permits:    semaphore.NewWeighted(int64(permits)),
		Workers:    permits,
	}
}
