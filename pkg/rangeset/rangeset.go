// pkg/rangeset/rangeset.go
package rangeset

import (
	"cmp"
	"slices"
	"strings"
)

// RangeSet 保存一组按下界排序、两两不相交且不相接的非空区间.
// 零值即为空集合, 可直接使用.
type RangeSet[K cmp.Ordered] struct {
	ranges []Range[K]
}

// Of 由任意区间构造规范化后的集合
func Of[K cmp.Ordered](ranges ...Range[K]) *RangeSet[K] {
	s := &RangeSet[K]{}
	for _, r := range ranges {
		s.Add(r)
	}
	return s
}

func (s *RangeSet[K]) Add(r Range[K]) {
	if r.IsEmpty() {
		return
	}
	merged := r
	kept := make([]Range[K], 0, len(s.ranges)+1)
	for _, x := range s.ranges {
		if x.connected(merged) {
			merged = merged.Span(x)
			continue
		}
		kept = append(kept, x)
	}
	idx, _ := slices.BinarySearchFunc(kept, merged, func(a, b Range[K]) int {
		return compareLower(a.Lo, b.Lo)
	})
	s.ranges = slices.Insert(kept, idx, merged)
}

func (s *RangeSet[K]) AddAll(o *RangeSet[K]) {
	if o == nil {
		return
	}
	for _, r := range o.ranges {
		s.Add(r)
	}
}

func (s *RangeSet[K]) Remove(r Range[K]) {
	if r.IsEmpty() || len(s.ranges) == 0 {
		return
	}
	kept := make([]Range[K], 0, len(s.ranges)+1)
	for _, x := range s.ranges {
		kept = append(kept, x.subtract(r)...)
	}
	s.ranges = kept
}

func (s *RangeSet[K]) RemoveAll(o *RangeSet[K]) {
	if o == nil {
		return
	}
	for _, r := range o.ranges {
		s.Remove(r)
	}
}

func (s *RangeSet[K]) Contains(k K) bool {
	if s == nil {
		return false
	}
	// 区间有序, 二分找到第一个上界不小于k的区间
	i, _ := slices.BinarySearchFunc(s.ranges, k, func(r Range[K], k K) int {
		if r.Hi.Kind == Unbounded {
			return 1
		}
		if c := cmp.Compare(r.Hi.Value, k); c != 0 {
			return c
		}
		if r.Hi.Kind == Inclusive {
			return 0
		}
		return -1
	})
	return i < len(s.ranges) && s.ranges[i].Contains(k)
}

func (s *RangeSet[K]) Intersects(r Range[K]) bool {
	if s == nil {
		return false
	}
	for _, x := range s.ranges {
		if x.Intersects(r) {
			return true
		}
	}
	return false
}

func (s *RangeSet[K]) IntersectsSet(o *RangeSet[K]) bool {
	if s == nil || o == nil {
		return false
	}
	for _, r := range o.ranges {
		if s.Intersects(r) {
			return true
		}
	}
	return false
}

// Encloses 判断r是否被某一个区间完整覆盖
func (s *RangeSet[K]) Encloses(r Range[K]) bool {
	if r.IsEmpty() {
		return true
	}
	if s == nil {
		return false
	}
	for _, x := range s.ranges {
		if x.Encloses(r) {
			return true
		}
	}
	return false
}

// Intersection 返回与o的交集, 不修改s
func (s *RangeSet[K]) Intersection(o *RangeSet[K]) *RangeSet[K] {
	out := &RangeSet[K]{}
	if s == nil || o == nil {
		return out
	}
	for _, a := range s.ranges {
		for _, b := range o.ranges {
			out.Add(a.Intersection(b))
		}
	}
	return out
}

// Difference 返回s去掉o之后的新集合
func (s *RangeSet[K]) Difference(o *RangeSet[K]) *RangeSet[K] {
	out := s.Clone()
	out.RemoveAll(o)
	return out
}

// Span 返回覆盖整个集合的最小区间, 集合为空时ok为false
func (s *RangeSet[K]) Span() (r Range[K], ok bool) {
	if s.IsEmpty() {
		return r, false
	}
	return Range[K]{Lo: s.ranges[0].Lo, Hi: s.ranges[len(s.ranges)-1].Hi}, true
}

func (s *RangeSet[K]) Ranges() []Range[K] {
	if s == nil {
		return nil
	}
	return slices.Clone(s.ranges)
}

func (s *RangeSet[K]) IsEmpty() bool {
	return s == nil || len(s.ranges) == 0
}

func (s *RangeSet[K]) Clone() *RangeSet[K] {
	if s == nil {
		return &RangeSet[K]{}
	}
	return &RangeSet[K]{ranges: slices.Clone(s.ranges)}
}

func (s *RangeSet[K]) Equal(o *RangeSet[K]) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return s.IsEmpty() == o.IsEmpty()
	}
	return slices.Equal(s.ranges, o.ranges)
}

func (s *RangeSet[K]) String() string {
	if s.IsEmpty() {
		return "{}"
	}
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
