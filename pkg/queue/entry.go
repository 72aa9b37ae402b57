// pkg/queue/entry.go
package queue

import (
	"cmp"
	"sync"

	"github.com/imReese/onetierdb/pkg/table"
)

type state uint8

const (
	pending   state = iota // 仅在内存中, 文件尚未落盘
	committed              // 已落盘, 由文件表提供数据
)

func (s state) String() string {
	if s == committed {
		return "committed"
	}
	return "pending"
}

// entry 队列中的一张表, 落盘成功后从内存表切换为文件表
type entry[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	mu    sync.Mutex
	state state
	mem   table.Table[K, F, T, V]
	file  table.Table[K, F, T, V]
}

func (e *entry[K, F, T, V]) table() table.Table[K, F, T, V] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == committed {
		return e.file
	}
	return e.mem
}

func (e *entry[K, F, T, V]) commit(file table.Table[K, F, T, V]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = committed
	e.file = file
	e.mem = nil
}

func (e *entry[K, F, T, V]) isCommitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == committed
}
