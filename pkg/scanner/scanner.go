// pkg/scanner/scanner.go
package scanner

// Scanner 是拉取式游标: Next推进, 成功后才能读取Key/Value.
// 嵌套的Scanner(如行扫描中的字段扫描器)必须在外层推进前关闭.
type Scanner[K, V any] interface {
	Next() bool
	Key() K
	Value() V
	// Err 返回迭代过程中遇到的第一个错误
	Err() error
	Close() error
}

// Rows 行优先: key -> (field -> value)
type Rows[K, F, V any] = Scanner[K, Scanner[F, V]]

// Columns 列优先: field -> (key -> value)
type Columns[K, F, V any] = Scanner[F, Scanner[K, V]]

type Entry[K, V any] struct {
	Key   K
	Value V
}

type sliceScanner[K, V any] struct {
	entries []Entry[K, V]
	pos     int
	closed  bool
}

// FromSlice 在内存切片上构造扫描器
func FromSlice[K, V any](entries []Entry[K, V]) Scanner[K, V] {
	return &sliceScanner[K, V]{entries: entries, pos: -1}
}

func (s *sliceScanner[K, V]) Next() bool {
	if s.closed || s.pos+1 >= len(s.entries) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceScanner[K, V]) Key() K   { return s.entries[s.pos].Key }
func (s *sliceScanner[K, V]) Value() V { return s.entries[s.pos].Value }
func (s *sliceScanner[K, V]) Err() error {
	return nil
}

func (s *sliceScanner[K, V]) Close() error {
	s.closed = true
	return nil
}

// Empty 返回不含任何元素的扫描器
func Empty[K, V any]() Scanner[K, V] {
	return FromSlice[K, V](nil)
}

// Row 是物化后的一行
type Row[K, F, V any] struct {
	Key    K
	Fields []Entry[F, V]
}

// FromRows 把物化的行包装成行扫描器
func FromRows[K, F, V any](rows []Row[K, F, V]) Rows[K, F, V] {
	entries := make([]Entry[K, Scanner[F, V]], len(rows))
	for i, r := range rows {
		entries[i] = Entry[K, Scanner[F, V]]{Key: r.Key, Value: FromSlice(r.Fields)}
	}
	return FromSlice(entries)
}

// Collect 把扫描器剩余内容读完并关闭
func Collect[K, V any](s Scanner[K, V]) ([]Entry[K, V], error) {
	defer s.Close()
	var out []Entry[K, V]
	for s.Next() {
		out = append(out, Entry[K, V]{Key: s.Key(), Value: s.Value()})
	}
	return out, s.Err()
}

// CollectRows 物化行扫描器, 内层扫描器读完即关闭
func CollectRows[K, F, V any](s Rows[K, F, V]) ([]Row[K, F, V], error) {
	defer s.Close()
	var out []Row[K, F, V]
	for s.Next() {
		fields, err := Collect(s.Value())
		if err != nil {
			return out, err
		}
		out = append(out, Row[K, F, V]{Key: s.Key(), Fields: fields})
	}
	return out, s.Err()
}

type filterScanner[K, V any] struct {
	Scanner[K, V]
	keep func(K, V) bool
}

// Filter 惰性过滤, keep返回false的元素被跳过
func Filter[K, V any](s Scanner[K, V], keep func(K, V) bool) Scanner[K, V] {
	return &filterScanner[K, V]{Scanner: s, keep: keep}
}

func (f *filterScanner[K, V]) Next() bool {
	for f.Scanner.Next() {
		if f.keep(f.Scanner.Key(), f.Scanner.Value()) {
			return true
		}
	}
	return false
}
