// pkg/rangeset/range.go
package rangeset

import (
	"cmp"
	"fmt"
	"strings"
)

// BoundKind 描述区间端点的开闭
type BoundKind uint8

const (
	Unbounded BoundKind = iota
	Inclusive
	Exclusive
)

type Bound[K cmp.Ordered] struct {
	Value K
	Kind  BoundKind
}

// Range 是K上的一个连续区间, 端点可开可闭也可无界
type Range[K cmp.Ordered] struct {
	Lo Bound[K]
	Hi Bound[K]
}

func Closed[K cmp.Ordered](lo, hi K) Range[K] {
	return Range[K]{Lo: Bound[K]{lo, Inclusive}, Hi: Bound[K]{hi, Inclusive}}
}

func ClosedOpen[K cmp.Ordered](lo, hi K) Range[K] {
	return Range[K]{Lo: Bound[K]{lo, Inclusive}, Hi: Bound[K]{hi, Exclusive}}
}

func OpenClosed[K cmp.Ordered](lo, hi K) Range[K] {
	return Range[K]{Lo: Bound[K]{lo, Exclusive}, Hi: Bound[K]{hi, Inclusive}}
}

func Open[K cmp.Ordered](lo, hi K) Range[K] {
	return Range[K]{Lo: Bound[K]{lo, Exclusive}, Hi: Bound[K]{hi, Exclusive}}
}

func AtLeast[K cmp.Ordered](lo K) Range[K] {
	return Range[K]{Lo: Bound[K]{lo, Inclusive}}
}

func AtMost[K cmp.Ordered](hi K) Range[K] {
	return Range[K]{Hi: Bound[K]{hi, Inclusive}}
}

func GreaterThan[K cmp.Ordered](lo K) Range[K] {
	return Range[K]{Lo: Bound[K]{lo, Exclusive}}
}

func LessThan[K cmp.Ordered](hi K) Range[K] {
	return Range[K]{Hi: Bound[K]{hi, Exclusive}}
}

func All[K cmp.Ordered]() Range[K] {
	return Range[K]{}
}

func Singleton[K cmp.Ordered](k K) Range[K] {
	return Closed(k, k)
}

// IsEmpty 判断区间是否不包含任何值
func (r Range[K]) IsEmpty() bool {
	return !lowerNotAboveUpper(r.Lo, r.Hi, false)
}

func (r Range[K]) Contains(k K) bool {
	switch r.Lo.Kind {
	case Inclusive:
		if k < r.Lo.Value {
			return false
		}
	case Exclusive:
		if k <= r.Lo.Value {
			return false
		}
	}
	switch r.Hi.Kind {
	case Inclusive:
		if k > r.Hi.Value {
			return false
		}
	case Exclusive:
		if k >= r.Hi.Value {
			return false
		}
	}
	return true
}

// AboveUpper 判断k是否已越过上界, 用于有序遍历时提前结束
func (r Range[K]) AboveUpper(k K) bool {
	switch r.Hi.Kind {
	case Inclusive:
		return k > r.Hi.Value
	case Exclusive:
		return k >= r.Hi.Value
	}
	return false
}

// Intersection 返回两个区间的交集, 可能为空区间
func (r Range[K]) Intersection(o Range[K]) Range[K] {
	lo, hi := r.Lo, r.Hi
	if compareLower(o.Lo, lo) > 0 {
		lo = o.Lo
	}
	if compareUpper(o.Hi, hi) < 0 {
		hi = o.Hi
	}
	return Range[K]{Lo: lo, Hi: hi}
}

func (r Range[K]) Intersects(o Range[K]) bool {
	return !r.Intersection(o).IsEmpty()
}

// Encloses 判断o是否完全落在r内, 空区间总是被包含
func (r Range[K]) Encloses(o Range[K]) bool {
	if o.IsEmpty() {
		return true
	}
	return compareLower(r.Lo, o.Lo) <= 0 && compareUpper(o.Hi, r.Hi) <= 0
}

// Span 返回同时覆盖r与o的最小区间
func (r Range[K]) Span(o Range[K]) Range[K] {
	lo, hi := r.Lo, r.Hi
	if compareLower(o.Lo, lo) < 0 {
		lo = o.Lo
	}
	if compareUpper(o.Hi, hi) > 0 {
		hi = o.Hi
	}
	return Range[K]{Lo: lo, Hi: hi}
}

// connected 两区间重叠或首尾相接(合并后中间无空洞)
func (r Range[K]) connected(o Range[K]) bool {
	return lowerNotAboveUpper(r.Lo, o.Hi, true) && lowerNotAboveUpper(o.Lo, r.Hi, true)
}

// subtract 返回r去掉o之后剩下的(最多两段)非空区间
func (r Range[K]) subtract(o Range[K]) []Range[K] {
	if !r.Intersects(o) {
		return []Range[K]{r}
	}
	var out []Range[K]
	if o.Lo.Kind != Unbounded {
		left := Range[K]{Lo: r.Lo, Hi: flip(o.Lo)}
		if !left.IsEmpty() {
			out = append(out, left)
		}
	}
	if o.Hi.Kind != Unbounded {
		right := Range[K]{Lo: flip(o.Hi), Hi: r.Hi}
		if !right.IsEmpty() {
			out = append(out, right)
		}
	}
	return out
}

func (r Range[K]) String() string {
	var sb strings.Builder
	switch r.Lo.Kind {
	case Unbounded:
		sb.WriteString("(-∞")
	case Inclusive:
		fmt.Fprintf(&sb, "[%v", r.Lo.Value)
	case Exclusive:
		fmt.Fprintf(&sb, "(%v", r.Lo.Value)
	}
	sb.WriteString("..")
	switch r.Hi.Kind {
	case Unbounded:
		sb.WriteString("+∞)")
	case Inclusive:
		fmt.Fprintf(&sb, "%v]", r.Hi.Value)
	case Exclusive:
		fmt.Fprintf(&sb, "%v)", r.Hi.Value)
	}
	return sb.String()
}

// flip 把一个下界转换成紧邻它左侧的上界(反之亦然)
func flip[K cmp.Ordered](b Bound[K]) Bound[K] {
	switch b.Kind {
	case Inclusive:
		return Bound[K]{b.Value, Exclusive}
	case Exclusive:
		return Bound[K]{b.Value, Inclusive}
	}
	return b
}

// compareLower 比较两个下界, 无界最小, 同值时闭区间更小
func compareLower[K cmp.Ordered](a, b Bound[K]) int {
	if a.Kind == Unbounded || b.Kind == Unbounded {
		return boolCmp(b.Kind == Unbounded, a.Kind == Unbounded)
	}
	if c := cmp.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	return boolCmp(a.Kind == Exclusive, b.Kind == Exclusive)
}

// compareUpper 比较两个上界, 无界最大, 同值时开区间更小
func compareUpper[K cmp.Ordered](a, b Bound[K]) int {
	if a.Kind == Unbounded || b.Kind == Unbounded {
		return boolCmp(a.Kind == Unbounded, b.Kind == Unbounded)
	}
	if c := cmp.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	return boolCmp(a.Kind == Inclusive, b.Kind == Inclusive)
}

// lowerNotAboveUpper 判断下界lo是否不超过上界hi.
// touching为true时, 同值且一开一闭也视为相接.
func lowerNotAboveUpper[K cmp.Ordered](lo, hi Bound[K], touching bool) bool {
	if lo.Kind == Unbounded || hi.Kind == Unbounded {
		return true
	}
	c := cmp.Compare(lo.Value, hi.Value)
	if c != 0 {
		return c < 0
	}
	if touching {
		return lo.Kind == Inclusive || hi.Kind == Inclusive
	}
	return lo.Kind == Inclusive && hi.Kind == Inclusive
}

func boolCmp(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}
