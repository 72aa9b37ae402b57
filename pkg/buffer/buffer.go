// pkg/buffer/buffer.go
package buffer

import (
	"cmp"
	"iter"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
)

const btreeDegree = 32

type cell[K cmp.Ordered, V any] struct {
	key   K
	value V
}

// column 单个字段的有序map, 自带读写锁
type column[K cmp.Ordered, V any] struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[cell[K, V]]
}

func newColumn[K cmp.Ordered, V any]() *column[K, V] {
	return &column[K, V]{
		tree: btree.NewG(btreeDegree, func(a, b cell[K, V]) bool {
			return a.key < b.key
		}),
	}
}

// snapshot 写时复制克隆, 克隆后原树与副本可以并发使用
func (c *column[K, V]) snapshot() *btree.BTreeG[cell[K, V]] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Clone()
}

func (c *column[K, V]) removeRanges(rs *rangeset.RangeSet[K]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []K
	for _, r := range rs.Ranges() {
		ascend(c.tree, r, func(it cell[K, V]) bool {
			doomed = append(doomed, it.key)
			return true
		})
	}
	for _, k := range doomed {
		c.tree.Delete(cell[K, V]{key: k})
	}
}

func (c *column[K, V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

// ascend 按key升序遍历落在r内的元素
func ascend[K cmp.Ordered, V any](tree *btree.BTreeG[cell[K, V]], r rangeset.Range[K], fn func(cell[K, V]) bool) {
	visit := func(it cell[K, V]) bool {
		if r.AboveUpper(it.key) {
			return false
		}
		if !r.Contains(it.key) {
			return true
		}
		return fn(it)
	}
	if r.Lo.Kind == rangeset.Unbounded {
		tree.Ascend(visit)
		return
	}
	tree.AscendGreaterOrEqual(cell[K, V]{key: r.Lo.Value}, visit)
}

// DataBuffer 是尚未落盘写入的内存缓冲: 每个字段一棵有序树.
// 字段之间互相独立, 可并发读写; 不存在的字段表示没有待写数据.
type DataBuffer[K cmp.Ordered, F cmp.Ordered, V any] struct {
	mu      sync.RWMutex
	columns map[F]*column[K, V]
}

func New[K cmp.Ordered, F cmp.Ordered, V any]() *DataBuffer[K, F, V] {
	return &DataBuffer[K, F, V]{
		columns: make(map[F]*column[K, V]),
	}
}

// withColumn 在持有字段表读锁的情况下操作字段列, 不存在时创建
func (b *DataBuffer[K, F, V]) withColumn(f F, fn func(*column[K, V])) {
	for {
		b.mu.RLock()
		if col, ok := b.columns[f]; ok {
			fn(col)
			b.mu.RUnlock()
			return
		}
		b.mu.RUnlock()

		b.mu.Lock()
		if _, ok := b.columns[f]; !ok {
			b.columns[f] = newColumn[K, V]()
		}
		b.mu.Unlock()
	}
}

// Put 写入单个单元格, 同一(key, field)后写覆盖先写
func (b *DataBuffer[K, F, V]) Put(k K, f F, v V) {
	b.withColumn(f, func(col *column[K, V]) {
		col.mu.Lock()
		col.tree.ReplaceOrInsert(cell[K, V]{key: k, value: v})
		col.mu.Unlock()
	})
}

// PutRows 消费行扫描器. 输入中途失败时已写入的行保留, 不回滚.
func (b *DataBuffer[K, F, V]) PutRows(rows scanner.Rows[K, F, V]) error {
	defer rows.Close()
	for rows.Next() {
		k := rows.Key()
		fields := rows.Value()
		for fields.Next() {
			b.Put(k, fields.Key(), fields.Value())
		}
		err := fields.Err()
		_ = fields.Close()
		if err != nil {
			return errors.Wrapf(err, "scan fields of row %v", k)
		}
	}
	return errors.Wrap(rows.Err(), "scan rows")
}

// PutColumns 消费列扫描器, 语义与PutRows相同
func (b *DataBuffer[K, F, V]) PutColumns(cols scanner.Columns[K, F, V]) error {
	defer cols.Close()
	for cols.Next() {
		f := cols.Key()
		cells := cols.Value()
		b.withColumn(f, func(col *column[K, V]) {
			col.mu.Lock()
			defer col.mu.Unlock()
			for cells.Next() {
				col.tree.ReplaceOrInsert(cell[K, V]{key: cells.Key(), value: cells.Value()})
			}
		})
		err := cells.Err()
		_ = cells.Close()
		if err != nil {
			return errors.Wrapf(err, "scan cells of field %v", f)
		}
	}
	return errors.Wrap(cols.Err(), "scan columns")
}

// Remove 依次删除整列、所有列上的行区间、单列区间.
// 三类删除作用在互不相交的逻辑层上, 顺序不影响结果.
func (b *DataBuffer[K, F, V]) Remove(a area.AreaSet[K, F]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for f := range a.Fields {
		delete(b.columns, f)
	}
	if !a.Keys.IsEmpty() {
		for _, col := range b.columns {
			col.removeRanges(a.Keys)
		}
	}
	for f, rs := range a.Segments {
		if col, ok := b.columns[f]; ok && !rs.IsEmpty() {
			col.removeRanges(rs)
		}
	}
	for f, col := range b.columns {
		if col.len() == 0 {
			delete(b.columns, f)
		}
	}
}

// Fields 返回有数据的字段, 按字段排序
func (b *DataBuffer[K, F, V]) Fields() []F {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fields := make([]F, 0, len(b.columns))
	for f, col := range b.columns {
		if col.len() > 0 {
			fields = append(fields, f)
		}
	}
	slices.Sort(fields)
	return fields
}

// Ranges 每个字段的[最小key, 最大key], 空字段不出现
func (b *DataBuffer[K, F, V]) Ranges() map[F]rangeset.Range[K] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[F]rangeset.Range[K], len(b.columns))
	for f, col := range b.columns {
		col.mu.RLock()
		lo, okLo := col.tree.Min()
		hi, okHi := col.tree.Max()
		col.mu.RUnlock()
		if okLo && okHi {
			out[f] = rangeset.Closed(lo.key, hi.key)
		}
	}
	return out
}

// Len 返回单元格总数
func (b *DataBuffer[K, F, V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, col := range b.columns {
		n += col.len()
	}
	return n
}

func (b *DataBuffer[K, F, V]) IsEmpty() bool {
	return b.Len() == 0
}

// Snapshot 返回当前内容的写时复制快照, 之后双方互不影响
func (b *DataBuffer[K, F, V]) Snapshot() *DataBuffer[K, F, V] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := &DataBuffer[K, F, V]{columns: make(map[F]*column[K, V], len(b.columns))}
	for f, col := range b.columns {
		out.columns[f] = &column[K, V]{tree: col.snapshot()}
	}
	return out
}

// selected 返回需要扫描的字段(已排序)及其快照
func (b *DataBuffer[K, F, V]) selected(fields []F) ([]F, []*btree.BTreeG[cell[K, V]]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if fields == nil {
		fields = make([]F, 0, len(b.columns))
		for f := range b.columns {
			fields = append(fields, f)
		}
	} else {
		fields = slices.Clone(fields)
	}
	slices.Sort(fields)
	fields = slices.Compact(fields)

	names := make([]F, 0, len(fields))
	trees := make([]*btree.BTreeG[cell[K, V]], 0, len(fields))
	for _, f := range fields {
		if col, ok := b.columns[f]; ok {
			names = append(names, f)
			trees = append(trees, col.snapshot())
		}
	}
	return names, trees
}

// cells 按key升序产出快照树中落在ranges内的单元格; ranges为nil表示全部
func cells[K cmp.Ordered, V any](tree *btree.BTreeG[cell[K, V]], ranges *rangeset.RangeSet[K]) iter.Seq[cell[K, V]] {
	return func(yield func(cell[K, V]) bool) {
		if ranges == nil {
			tree.Ascend(yield)
			return
		}
		stopped := false
		for _, r := range ranges.Ranges() {
			ascend(tree, r, func(it cell[K, V]) bool {
				stopped = !yield(it)
				return !stopped
			})
			if stopped {
				return
			}
		}
	}
}

// cursor 在快照树上逐个取单元格, head为当前未消费的元素
type cursor[K cmp.Ordered, V any] struct {
	next func() (cell[K, V], bool)
	stop func()
	head cell[K, V]
	ok   bool
}

func newCursor[K cmp.Ordered, V any](tree *btree.BTreeG[cell[K, V]], ranges *rangeset.RangeSet[K]) *cursor[K, V] {
	next, stop := iter.Pull(cells(tree, ranges))
	c := &cursor[K, V]{next: next, stop: stop}
	c.advance()
	return c
}

func (c *cursor[K, V]) advance() {
	c.head, c.ok = c.next()
}

// ScanRows 行优先扫描. fields为nil表示所有字段, ranges为nil表示全部key.
// 扫描基于字段快照, 不阻塞并发写入; 单元格在Next时才从快照中读出.
func (b *DataBuffer[K, F, V]) ScanRows(fields []F, ranges *rangeset.RangeSet[K]) scanner.Rows[K, F, V] {
	names, trees := b.selected(fields)
	return &rowScanner[K, F, V]{fields: names, trees: trees, ranges: ranges}
}

// ScanColumns 列优先扫描, 参数语义同ScanRows. 每次Next只读出当前字段的单元格.
func (b *DataBuffer[K, F, V]) ScanColumns(fields []F, ranges *rangeset.RangeSet[K]) scanner.Columns[K, F, V] {
	names, trees := b.selected(fields)
	return &columnScanner[K, F, V]{fields: names, trees: trees, ranges: ranges}
}

// rowScanner 对各字段的快照做多路归并, 惰性地产出行
type rowScanner[K cmp.Ordered, F cmp.Ordered, V any] struct {
	fields []F
	trees  []*btree.BTreeG[cell[K, V]]
	ranges *rangeset.RangeSet[K]
	cols   []*cursor[K, V]
	key    K
	row    []scanner.Entry[F, V]
	closed bool
}

func (s *rowScanner[K, F, V]) Next() bool {
	if s.closed {
		return false
	}
	if s.cols == nil {
		s.cols = make([]*cursor[K, V], len(s.trees))
		for i, tree := range s.trees {
			s.cols[i] = newCursor(tree, s.ranges)
		}
		s.trees = nil
	}
	found := false
	var lowest K
	for _, c := range s.cols {
		if c.ok && (!found || c.head.key < lowest) {
			lowest, found = c.head.key, true
		}
	}
	if !found {
		return false
	}
	s.key = lowest
	s.row = nil
	for i, c := range s.cols {
		if c.ok && c.head.key == lowest {
			s.row = append(s.row, scanner.Entry[F, V]{Key: s.fields[i], Value: c.head.value})
			c.advance()
		}
	}
	return true
}

func (s *rowScanner[K, F, V]) Key() K { return s.key }

func (s *rowScanner[K, F, V]) Value() scanner.Scanner[F, V] {
	return scanner.FromSlice(s.row)
}

func (s *rowScanner[K, F, V]) Err() error { return nil }

func (s *rowScanner[K, F, V]) Close() error {
	s.closed = true
	for _, c := range s.cols {
		c.stop()
	}
	s.cols, s.trees = nil, nil
	return nil
}

// columnScanner 逐个字段读出快照, 跳过范围内没有数据的字段
type columnScanner[K cmp.Ordered, F cmp.Ordered, V any] struct {
	fields []F
	trees  []*btree.BTreeG[cell[K, V]]
	ranges *rangeset.RangeSet[K]
	pos    int
	field  F
	kv     []scanner.Entry[K, V]
	closed bool
}

func (s *columnScanner[K, F, V]) Next() bool {
	for !s.closed && s.pos < len(s.trees) {
		tree, f := s.trees[s.pos], s.fields[s.pos]
		s.trees[s.pos] = nil
		s.pos++
		var kv []scanner.Entry[K, V]
		for c := range cells(tree, s.ranges) {
			kv = append(kv, scanner.Entry[K, V]{Key: c.key, Value: c.value})
		}
		if len(kv) > 0 {
			s.field, s.kv = f, kv
			return true
		}
	}
	return false
}

func (s *columnScanner[K, F, V]) Key() F { return s.field }

func (s *columnScanner[K, F, V]) Value() scanner.Scanner[K, V] {
	return scanner.FromSlice(s.kv)
}

func (s *columnScanner[K, F, V]) Err() error { return nil }

func (s *columnScanner[K, F, V]) Close() error {
	s.closed = true
	s.trees, s.kv = nil, nil
	return nil
}
