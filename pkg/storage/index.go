// pkg/storage/index.go
package storage

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/table"
)

// Index 记录已提交表覆盖的字段和key区间, 以及全局字段类型
type Index[K cmp.Ordered, F cmp.Ordered, T comparable] struct {
	mu     sync.RWMutex
	types  map[F]T
	tables map[string]map[F]*rangeset.RangeSet[K]
}

func NewIndex[K cmp.Ordered, F cmp.Ordered, T comparable]() *Index[K, F, T] {
	return &Index[K, F, T]{
		types:  make(map[F]T),
		tables: make(map[string]map[F]*rangeset.RangeSet[K]),
	}
}

// DeclareFields 声明字段类型; 已声明的字段类型不可变, 冲突时整体不生效
func (ix *Index[K, F, T]) DeclareFields(schema map[F]T) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.declare(schema)
}

func (ix *Index[K, F, T]) declare(schema map[F]T) error {
	for f, typ := range schema {
		if cur, ok := ix.types[f]; ok && cur != typ {
			return schemaError("field %v declared as %v, got %v", f, cur, typ)
		}
	}
	for f, typ := range schema {
		ix.types[f] = typ
	}
	return nil
}

func (ix *Index[K, F, T]) AddTable(name string, meta table.Meta[K, F, T]) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.declare(meta.Schema); err != nil {
		return err
	}
	cover := make(map[F]*rangeset.RangeSet[K], len(meta.Ranges))
	for f, r := range meta.Ranges {
		if !r.IsEmpty() {
			cover[f] = rangeset.Of(r)
		}
	}
	ix.tables[name] = cover
	return nil
}

func (ix *Index[K, F, T]) RemoveTable(name string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.tables, name)
}

// Find 返回与a相交的表名, 升序
func (ix *Index[K, F, T]) Find(a area.AreaSet[K, F]) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var names []string
	for name, cover := range ix.tables {
		if overlaps(cover, a) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func overlaps[K cmp.Ordered, F cmp.Ordered](cover map[F]*rangeset.RangeSet[K], a area.AreaSet[K, F]) bool {
	for f, rs := range cover {
		if a.HasField(f) || rs.IntersectsSet(a.Keys) || rs.IntersectsSet(a.Segments[f]) {
			return true
		}
	}
	return false
}

// Delete 从覆盖信息中扣除a; 整列删除同时撤销字段类型.
// 返回覆盖因此变空而不再登记的表(已排序), 由调用方从存储中删除.
func (ix *Index[K, F, T]) Delete(a area.AreaSet[K, F]) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var dropped []string
	for f := range a.Fields {
		delete(ix.types, f)
	}
	for name, cover := range ix.tables {
		for f, rs := range cover {
			if a.HasField(f) {
				delete(cover, f)
				continue
			}
			rs.RemoveAll(a.Keys)
			rs.RemoveAll(a.Segments[f])
			if rs.IsEmpty() {
				delete(cover, f)
			}
		}
		if len(cover) == 0 {
			delete(ix.tables, name)
			dropped = append(dropped, name)
		}
	}
	slices.Sort(dropped)
	return dropped
}

// Ranges 每个字段在所有表中的key范围
func (ix *Index[K, F, T]) Ranges() map[F]rangeset.Range[K] {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[F]rangeset.Range[K])
	for _, cover := range ix.tables {
		for f, rs := range cover {
			span, ok := rs.Span()
			if !ok {
				continue
			}
			if cur, ok := out[f]; ok {
				span = cur.Span(span)
			}
			out[f] = span
		}
	}
	return out
}

func (ix *Index[K, F, T]) Types() map[F]T {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return maps.Clone(ix.types)
}

func (ix *Index[K, F, T]) Tables() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return slices.Sorted(maps.Keys(ix.tables))
}

func (ix *Index[K, F, T]) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.types = make(map[F]T)
	ix.tables = make(map[string]map[F]*rangeset.RangeSet[K])
}
