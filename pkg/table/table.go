// pkg/table/table.go
package table

import (
	"cmp"
	"maps"

	"github.com/imReese/onetierdb/pkg/buffer"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
)

// Meta 表的元信息: 字段类型、每个字段覆盖的key区间以及附加属性
type Meta[K cmp.Ordered, F cmp.Ordered, T any] struct {
	Schema map[F]T
	Ranges map[F]rangeset.Range[K]
	Extra  map[string]string
}

func (m Meta[K, F, T]) Clone() Meta[K, F, T] {
	return Meta[K, F, T]{
		Schema: maps.Clone(m.Schema),
		Ranges: maps.Clone(m.Ranges),
		Extra:  maps.Clone(m.Extra),
	}
}

// Table 不可变的可查询数据单元, 可能在内存也可能在磁盘
type Table[K cmp.Ordered, F cmp.Ordered, T any, V any] interface {
	Meta() Meta[K, F, T]
	// Scan fields为nil表示全部字段, ranges为nil表示全部key
	Scan(fields []F, ranges *rangeset.RangeSet[K]) (scanner.Rows[K, F, V], error)
}

// ReadWriter 负责表的落盘编码与读取
type ReadWriter[K cmp.Ordered, F cmp.Ordered, T any, V any] interface {
	Flush(path string, rows scanner.Rows[K, F, V], meta Meta[K, F, T]) error
	Open(path string) (Table[K, F, T, V], error)
}

// MemoryTable 内存快照表, 持有一份写时复制的缓冲
type MemoryTable[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	meta Meta[K, F, T]
	data *buffer.DataBuffer[K, F, V]
}

// NewMemoryTable 对buf做快照, schema只保留快照中实际有数据的字段
func NewMemoryTable[K cmp.Ordered, F cmp.Ordered, T any, V any](buf *buffer.DataBuffer[K, F, V], schema map[F]T, extra map[string]string) *MemoryTable[K, F, T, V] {
	snap := buf.Snapshot()
	ranges := snap.Ranges()
	s := make(map[F]T, len(ranges))
	for f := range ranges {
		if typ, ok := schema[f]; ok {
			s[f] = typ
		}
	}
	return &MemoryTable[K, F, T, V]{
		meta: Meta[K, F, T]{Schema: s, Ranges: ranges, Extra: maps.Clone(extra)},
		data: snap,
	}
}

func (t *MemoryTable[K, F, T, V]) Meta() Meta[K, F, T] {
	return t.meta.Clone()
}

func (t *MemoryTable[K, F, T, V]) Scan(fields []F, ranges *rangeset.RangeSet[K]) (scanner.Rows[K, F, V], error) {
	return t.data.ScanRows(fields, ranges), nil
}

// Len 单元格数
func (t *MemoryTable[K, F, T, V]) Len() int {
	return t.data.Len()
}
