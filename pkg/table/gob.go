// pkg/table/gob.go
package table

import (
	"bufio"
	"cmp"
	"encoding/gob"
	"io"
	"os"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"

	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
)

// record 文件中的一行
type record[K cmp.Ordered, F cmp.Ordered, V any] struct {
	Key    K
	Fields []F
	Values []V
}

// GobReadWriter 表文件格式: snappy分帧压缩的gob流, 先写Meta, 之后每行一条记录.
// V为接口类型时, 具体类型需要事先gob.Register.
type GobReadWriter[K cmp.Ordered, F cmp.Ordered, T any, V any] struct{}

func (GobReadWriter[K, F, T, V]) Flush(path string, rows scanner.Rows[K, F, V], meta Meta[K, F, T]) (err error) {
	defer rows.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create table file %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "close table file %s", path)
		}
	}()

	w := snappy.NewBufferedWriter(f)
	enc := gob.NewEncoder(w)
	if err := enc.Encode(meta); err != nil {
		return errors.Wrap(err, "encode table header")
	}
	for rows.Next() {
		rec := record[K, F, V]{Key: rows.Key()}
		fields := rows.Value()
		for fields.Next() {
			rec.Fields = append(rec.Fields, fields.Key())
			rec.Values = append(rec.Values, fields.Value())
		}
		ferr := fields.Err()
		_ = fields.Close()
		if ferr != nil {
			return errors.Wrapf(ferr, "scan fields of row %v", rec.Key)
		}
		if len(rec.Fields) == 0 {
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return errors.Wrapf(err, "encode row %v", rec.Key)
		}
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "scan rows")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "flush snappy stream")
	}
	return errors.Wrapf(f.Sync(), "sync table file %s", path)
}

func (rw GobReadWriter[K, F, T, V]) Open(path string) (Table[K, F, T, V], error) {
	f, dec, err := openStream(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var meta Meta[K, F, T]
	if err := dec.Decode(&meta); err != nil {
		return nil, errors.Wrapf(err, "decode table header %s", path)
	}
	return &fileTable[K, F, T, V]{path: path, meta: meta}, nil
}

func openStream(path string) (*os.File, *gob.Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open table file %s", path)
	}
	return f, gob.NewDecoder(bufio.NewReader(snappy.NewReader(f))), nil
}

// fileTable 磁盘表, Open时只读取表头, 数据在Scan时流式读取
type fileTable[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	path string
	meta Meta[K, F, T]
}

func (t *fileTable[K, F, T, V]) Meta() Meta[K, F, T] {
	return t.meta.Clone()
}

func (t *fileTable[K, F, T, V]) Scan(fields []F, ranges *rangeset.RangeSet[K]) (scanner.Rows[K, F, V], error) {
	f, dec, err := openStream(t.path)
	if err != nil {
		return nil, err
	}
	var meta Meta[K, F, T]
	if err := dec.Decode(&meta); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "decode table header %s", t.path)
	}
	s := &fileScanner[K, F, V]{f: f, dec: dec, ranges: ranges}
	if fields != nil {
		s.fields = make(map[F]struct{}, len(fields))
		for _, fd := range fields {
			s.fields[fd] = struct{}{}
		}
	}
	if ranges != nil {
		if span, ok := ranges.Span(); ok {
			s.span = &span
		} else {
			s.done = true
		}
	}
	return s, nil
}

// fileScanner 逐条解码记录; 文件按key升序写入, 越过查询上界即停止
type fileScanner[K cmp.Ordered, F cmp.Ordered, V any] struct {
	f      *os.File
	dec    *gob.Decoder
	fields map[F]struct{}
	ranges *rangeset.RangeSet[K]
	span   *rangeset.Range[K]
	key    K
	row    []scanner.Entry[F, V]
	done   bool
	err    error
}

func (s *fileScanner[K, F, V]) Next() bool {
	for !s.done {
		var rec record[K, F, V]
		if err := s.dec.Decode(&rec); err != nil {
			if !errors.Is(err, io.EOF) {
				s.err = errors.Wrap(err, "decode row")
			}
			s.done = true
			return false
		}
		if s.span != nil && s.span.AboveUpper(rec.Key) {
			s.done = true
			return false
		}
		if s.ranges != nil && !s.ranges.Contains(rec.Key) {
			continue
		}
		row := make([]scanner.Entry[F, V], 0, len(rec.Fields))
		for i, f := range rec.Fields {
			if s.fields != nil {
				if _, ok := s.fields[f]; !ok {
					continue
				}
			}
			row = append(row, scanner.Entry[F, V]{Key: f, Value: rec.Values[i]})
		}
		if len(row) == 0 {
			continue
		}
		slices.SortFunc(row, func(a, b scanner.Entry[F, V]) int { return cmp.Compare(a.Key, b.Key) })
		s.key, s.row = rec.Key, row
		return true
	}
	return false
}

func (s *fileScanner[K, F, V]) Key() K { return s.key }

func (s *fileScanner[K, F, V]) Value() scanner.Scanner[F, V] {
	return scanner.FromSlice(s.row)
}

func (s *fileScanner[K, F, V]) Err() error { return s.err }

func (s *fileScanner[K, F, V]) Close() error {
	s.done = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return errors.Wrap(err, "close table file")
}
