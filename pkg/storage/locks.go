// pkg/storage/locks.go
package storage

import "sync"

type lockMode uint8

const (
	none lockMode = iota
	read
	write
)

// locks DB的三把读写锁, 只能经由acquire按 commit -> delete -> storage 的顺序获取
type locks struct {
	commitMu  sync.RWMutex
	deleteMu  sync.RWMutex
	storageMu sync.RWMutex
}

func lock(mu *sync.RWMutex, mode lockMode) func() {
	switch mode {
	case read:
		mu.RLock()
		return mu.RUnlock
	case write:
		mu.Lock()
		return mu.Unlock
	}
	return func() {}
}

// acquire 按固定顺序加锁, 返回的函数按相反顺序释放
func (l *locks) acquire(commit, del, storage lockMode) (release func()) {
	unlockCommit := lock(&l.commitMu, commit)
	unlockDelete := lock(&l.deleteMu, del)
	unlockStorage := lock(&l.storageMu, storage)
	return func() {
		unlockStorage()
		unlockDelete()
		unlockCommit()
	}
}
