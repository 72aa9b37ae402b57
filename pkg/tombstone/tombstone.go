// pkg/tombstone/tombstone.go
package tombstone

import (
	"bytes"
	"cmp"
	"encoding/gob"
	"maps"

	"github.com/cockroachdb/errors"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/rangeset"
)

// RangeTombstone 记录已逻辑删除但尚未物理清除的数据, 始终保持最简形式:
//   - DeletedRanges 中不会出现 DeletedColumns 里的字段
//   - DeletedRanges 中的区间与 DeletedRows 不相交
//
// 非并发安全, 由持有者加锁.
type RangeTombstone[K cmp.Ordered, F cmp.Ordered] struct {
	DeletedColumns map[F]struct{}
	DeletedRows    *rangeset.RangeSet[K]
	DeletedRanges  map[F]*rangeset.RangeSet[K]
}

func New[K cmp.Ordered, F cmp.Ordered]() *RangeTombstone[K, F] {
	return &RangeTombstone[K, F]{
		DeletedColumns: make(map[F]struct{}),
		DeletedRows:    &rangeset.RangeSet[K]{},
		DeletedRanges:  make(map[F]*rangeset.RangeSet[K]),
	}
}

// DeleteRanges 删除若干字段上的行区间, 已被整行删除的部分不再记录
func (t *RangeTombstone[K, F]) DeleteRanges(fields []F, ranges *rangeset.RangeSet[K]) {
	remaining := ranges.Difference(t.DeletedRows)
	if remaining.IsEmpty() {
		return
	}
	for _, f := range fields {
		if _, whole := t.DeletedColumns[f]; whole {
			continue
		}
		cur, ok := t.DeletedRanges[f]
		if !ok {
			cur = &rangeset.RangeSet[K]{}
			t.DeletedRanges[f] = cur
		}
		cur.AddAll(remaining)
	}
}

// DeleteRows 整行删除, 同时裁剪被覆盖的字段区间
func (t *RangeTombstone[K, F]) DeleteRows(ranges *rangeset.RangeSet[K]) {
	if ranges.IsEmpty() {
		return
	}
	t.DeletedRows.AddAll(ranges)
	for f, rs := range t.DeletedRanges {
		rs.RemoveAll(ranges)
		if rs.IsEmpty() {
			delete(t.DeletedRanges, f)
		}
	}
}

// DeleteColumns 整列删除, 整列墓碑覆盖该列上的所有区间墓碑
func (t *RangeTombstone[K, F]) DeleteColumns(fields ...F) {
	for _, f := range fields {
		t.DeletedColumns[f] = struct{}{}
		delete(t.DeletedRanges, f)
	}
}

// Merge 按 行 -> 列 -> 字段区间 的顺序重放o
func (t *RangeTombstone[K, F]) Merge(o *RangeTombstone[K, F]) {
	if o == nil {
		return
	}
	t.DeleteRows(o.DeletedRows)
	for f := range o.DeletedColumns {
		t.DeleteColumns(f)
	}
	for f, rs := range o.DeletedRanges {
		t.DeleteRanges([]F{f}, rs)
	}
}

// Delete 记录一次AreaSet删除
func (t *RangeTombstone[K, F]) Delete(a area.AreaSet[K, F]) {
	t.DeleteRows(a.Keys)
	for f := range a.Fields {
		t.DeleteColumns(f)
	}
	for f, rs := range a.Segments {
		t.DeleteRanges([]F{f}, rs)
	}
}

// Reset 只清空字段区间层, 行和列墓碑仍然有效
func (t *RangeTombstone[K, F]) Reset() {
	t.DeletedRanges = make(map[F]*rangeset.RangeSet[K])
}

func (t *RangeTombstone[K, F]) IsEmpty() bool {
	return t == nil || (len(t.DeletedColumns) == 0 && t.DeletedRows.IsEmpty() && len(t.DeletedRanges) == 0)
}

// Area 把墓碑转换成等价的AreaSet
func (t *RangeTombstone[K, F]) Area() area.AreaSet[K, F] {
	a := area.New[K, F]()
	if t == nil {
		return a
	}
	a.Fields = maps.Clone(t.DeletedColumns)
	a.Keys = t.DeletedRows.Clone()
	for f, rs := range t.DeletedRanges {
		a.Segments[f] = rs.Clone()
	}
	return a
}

func (t *RangeTombstone[K, F]) Clone() *RangeTombstone[K, F] {
	out := New[K, F]()
	out.Merge(t)
	return out
}

// Deleted 判断(k, f)处的单元格是否已被删除
func (t *RangeTombstone[K, F]) Deleted(k K, f F) bool {
	if t == nil {
		return false
	}
	if _, ok := t.DeletedColumns[f]; ok {
		return true
	}
	if t.DeletedRows.Contains(k) {
		return true
	}
	return t.DeletedRanges[f].Contains(k)
}

// persisted 墓碑的gob编码形式
type persisted[K cmp.Ordered, F cmp.Ordered] struct {
	Columns []F
	Rows    []rangeset.Range[K]
	Ranges  map[F][]rangeset.Range[K]
}

func (t *RangeTombstone[K, F]) MarshalBinary() ([]byte, error) {
	p := persisted[K, F]{
		Rows:   t.DeletedRows.Ranges(),
		Ranges: make(map[F][]rangeset.Range[K], len(t.DeletedRanges)),
	}
	for f := range t.DeletedColumns {
		p.Columns = append(p.Columns, f)
	}
	for f, rs := range t.DeletedRanges {
		p.Ranges[f] = rs.Ranges()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, errors.Wrap(err, "encode tombstone")
	}
	return buf.Bytes(), nil
}

func (t *RangeTombstone[K, F]) UnmarshalBinary(data []byte) error {
	var p persisted[K, F]
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return errors.Wrap(err, "decode tombstone")
	}
	*t = *New[K, F]()
	t.DeleteRows(rangeset.Of(p.Rows...))
	t.DeleteColumns(p.Columns...)
	for f, rs := range p.Ranges {
		t.DeleteRanges([]F{f}, rangeset.Of(rs...))
	}
	return nil
}
