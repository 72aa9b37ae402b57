// pkg/storage/scheduler.go
package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startScheduler 超时>0时启动后台检查, 已在运行则忽略
func (db *DB[K, F, T, V]) startScheduler() {
	db.schedMu.Lock()
	defer db.schedMu.Unlock()
	if db.schedStop != nil || db.closed.Load() || db.Config().WriteBufferTimeout <= 0 {
		return
	}
	stop := make(chan struct{})
	db.schedStop = stop
	db.schedWG.Add(1)
	go db.scheduleLoop(stop)
}

func (db *DB[K, F, T, V]) stopScheduler() {
	db.schedMu.Lock()
	stop := db.schedStop
	db.schedStop = nil
	db.schedMu.Unlock()
	if stop != nil {
		close(stop)
	}
	db.schedWG.Wait()
}

// scheduleLoop 固定延迟检查: 上一次检查(含等待提交完成)结束后再等待一个超时周期
func (db *DB[K, F, T, V]) scheduleLoop(stop chan struct{}) {
	defer db.schedWG.Done()
	for {
		timeout := db.Config().WriteBufferTimeout
		if timeout <= 0 {
			db.schedMu.Lock()
			if db.schedStop == stop {
				db.schedStop = nil
			}
			db.schedMu.Unlock()
			return
		}
		timer := time.NewTimer(timeout)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := db.checkTimeout(context.Background()); err != nil {
				db.logger.Warn("Timeout commit failed", zap.Error(err))
			}
		}
	}
}
