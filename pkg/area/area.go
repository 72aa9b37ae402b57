// pkg/area/area.go
package area

import (
	"cmp"
	"maps"

	"github.com/imReese/onetierdb/pkg/rangeset"
)

// AreaSet 描述一次查询或删除的作用范围, 三层按并集组合:
// Fields 整列, Keys 整行, Segments 单列上的若干区间.
type AreaSet[K cmp.Ordered, F cmp.Ordered] struct {
	Fields   map[F]struct{}
	Keys     *rangeset.RangeSet[K]
	Segments map[F]*rangeset.RangeSet[K]
}

func New[K cmp.Ordered, F cmp.Ordered]() AreaSet[K, F] {
	return AreaSet[K, F]{
		Fields:   make(map[F]struct{}),
		Keys:     &rangeset.RangeSet[K]{},
		Segments: make(map[F]*rangeset.RangeSet[K]),
	}
}

// Columns 整列删除/选择
func Columns[K cmp.Ordered, F cmp.Ordered](fields ...F) AreaSet[K, F] {
	a := New[K, F]()
	for _, f := range fields {
		a.Fields[f] = struct{}{}
	}
	return a
}

// Rows 所有列上的若干行区间
func Rows[K cmp.Ordered, F cmp.Ordered](ranges ...rangeset.Range[K]) AreaSet[K, F] {
	a := New[K, F]()
	for _, r := range ranges {
		a.Keys.Add(r)
	}
	return a
}

// Segment 指定若干列上的行区间
func Segment[K cmp.Ordered, F cmp.Ordered](ranges *rangeset.RangeSet[K], fields ...F) AreaSet[K, F] {
	a := New[K, F]()
	for _, f := range fields {
		a.Segments[f] = ranges.Clone()
	}
	return a
}

// Merge 把o并入a并返回规范化结果
func (a AreaSet[K, F]) Merge(o AreaSet[K, F]) AreaSet[K, F] {
	out := a.Clone()
	for f := range o.Fields {
		out.Fields[f] = struct{}{}
	}
	out.Keys.AddAll(o.Keys)
	for f, rs := range o.Segments {
		if cur, ok := out.Segments[f]; ok {
			cur.AddAll(rs)
			continue
		}
		out.Segments[f] = rs.Clone()
	}
	return out.Normalize()
}

// Normalize 去掉已被整列覆盖的字段区间以及空区间集
func (a AreaSet[K, F]) Normalize() AreaSet[K, F] {
	a.ensure()
	for f, rs := range a.Segments {
		if _, whole := a.Fields[f]; whole || rs.IsEmpty() {
			delete(a.Segments, f)
		}
	}
	return a
}

func (a AreaSet[K, F]) IsEmpty() bool {
	if len(a.Fields) > 0 || !a.Keys.IsEmpty() {
		return false
	}
	for _, rs := range a.Segments {
		if !rs.IsEmpty() {
			return false
		}
	}
	return true
}

func (a AreaSet[K, F]) Clone() AreaSet[K, F] {
	out := AreaSet[K, F]{
		Fields:   maps.Clone(a.Fields),
		Keys:     a.Keys.Clone(),
		Segments: make(map[F]*rangeset.RangeSet[K], len(a.Segments)),
	}
	if out.Fields == nil {
		out.Fields = make(map[F]struct{})
	}
	for f, rs := range a.Segments {
		out.Segments[f] = rs.Clone()
	}
	return out
}

// HasField 判断字段是否被整列覆盖
func (a AreaSet[K, F]) HasField(f F) bool {
	_, ok := a.Fields[f]
	return ok
}

func (a *AreaSet[K, F]) ensure() {
	if a.Fields == nil {
		a.Fields = make(map[F]struct{})
	}
	if a.Keys == nil {
		a.Keys = &rangeset.RangeSet[K]{}
	}
	if a.Segments == nil {
		a.Segments = make(map[F]*rangeset.RangeSet[K])
	}
}
