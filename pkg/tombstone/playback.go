// pkg/tombstone/playback.go
package tombstone

import (
	"cmp"

	"github.com/imReese/onetierdb/pkg/buffer"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
)

// PlaybackRanges 从key区间集中去掉整行删除的部分
func PlaybackRanges[K cmp.Ordered, F cmp.Ordered](t *RangeTombstone[K, F], rs *rangeset.RangeSet[K]) *rangeset.RangeSet[K] {
	if t == nil {
		return rs.Clone()
	}
	return rs.Difference(t.DeletedRows)
}

// PlaybackField 计算字段f在墓碑生效后剩余的key区间
func PlaybackField[K cmp.Ordered, F cmp.Ordered](t *RangeTombstone[K, F], f F, rs *rangeset.RangeSet[K]) *rangeset.RangeSet[K] {
	if t == nil {
		return rs.Clone()
	}
	if _, ok := t.DeletedColumns[f]; ok {
		return &rangeset.RangeSet[K]{}
	}
	out := rs.Difference(t.DeletedRows)
	out.RemoveAll(t.DeletedRanges[f])
	return out
}

// PlaybackSchema 从schema中去掉整列删除的字段, 返回新map
func PlaybackSchema[K cmp.Ordered, F cmp.Ordered, T any](t *RangeTombstone[K, F], schema map[F]T) map[F]T {
	out := make(map[F]T, len(schema))
	for f, typ := range schema {
		if t != nil {
			if _, ok := t.DeletedColumns[f]; ok {
				continue
			}
		}
		out[f] = typ
	}
	return out
}

// PlaybackBuffer 把墓碑作用到缓冲上, 等价于 buf.Remove(t.Area())
func PlaybackBuffer[K cmp.Ordered, F cmp.Ordered, V any](t *RangeTombstone[K, F], buf *buffer.DataBuffer[K, F, V]) {
	if t.IsEmpty() {
		return
	}
	buf.Remove(t.Area())
}

// Filter 惰性屏蔽已删除的单元格, 删空的行整体跳过
func Filter[K cmp.Ordered, F cmp.Ordered, V any](t *RangeTombstone[K, F], rows scanner.Rows[K, F, V]) scanner.Rows[K, F, V] {
	if t.IsEmpty() {
		return rows
	}
	return &filteredRows[K, F, V]{t: t, inner: rows}
}

type filteredRows[K cmp.Ordered, F cmp.Ordered, V any] struct {
	t     *RangeTombstone[K, F]
	inner scanner.Rows[K, F, V]
	key   K
	row   []scanner.Entry[F, V]
	err   error
}

func (s *filteredRows[K, F, V]) Next() bool {
	if s.err != nil {
		return false
	}
	for s.inner.Next() {
		k := s.inner.Key()
		fields := s.inner.Value()
		if s.t.DeletedRows.Contains(k) {
			_ = fields.Close()
			continue
		}
		var row []scanner.Entry[F, V]
		for fields.Next() {
			if f := fields.Key(); !s.t.Deleted(k, f) {
				row = append(row, scanner.Entry[F, V]{Key: f, Value: fields.Value()})
			}
		}
		err := fields.Err()
		_ = fields.Close()
		if err != nil {
			s.err = err
			return false
		}
		if len(row) == 0 {
			continue
		}
		s.key, s.row = k, row
		return true
	}
	return false
}

func (s *filteredRows[K, F, V]) Key() K { return s.key }

func (s *filteredRows[K, F, V]) Value() scanner.Scanner[F, V] {
	return scanner.FromSlice(s.row)
}

func (s *filteredRows[K, F, V]) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.inner.Err()
}

func (s *filteredRows[K, F, V]) Close() error {
	return s.inner.Close()
}
