// pkg/buffer/buffer_test.go
package buffer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
)

type row = scanner.Row[int64, string, float64]
type kv = scanner.Entry[string, float64]

func rowsOf(rows ...row) scanner.Rows[int64, string, float64] {
	return scanner.FromRows(rows)
}

func collectRows(t *testing.T, s scanner.Rows[int64, string, float64]) []row {
	t.Helper()
	got, err := scanner.CollectRows(s)
	require.NoError(t, err)
	return got
}

func TestDataBuffer_PutRowsLastWriteWins(t *testing.T) {
	b := New[int64, string, float64]()
	require.NoError(t, b.PutRows(rowsOf(
		row{Key: 2, Fields: []kv{{Key: "a", Value: 20}, {Key: "b", Value: 21}}},
		row{Key: 1, Fields: []kv{{Key: "a", Value: 10}}},
	)))
	require.NoError(t, b.PutRows(rowsOf(row{Key: 2, Fields: []kv{{Key: "a", Value: 99}}})))

	got := collectRows(t, b.ScanRows(nil, nil))
	assert.Equal(t, []row{
		{Key: 1, Fields: []kv{{Key: "a", Value: 10}}},
		{Key: 2, Fields: []kv{{Key: "a", Value: 99}, {Key: "b", Value: 21}}},
	}, got)
	assert.Equal(t, 3, b.Len())
}

func TestDataBuffer_PutColumns(t *testing.T) {
	b := New[int64, string, float64]()
	cols := scanner.FromSlice([]scanner.Entry[string, scanner.Scanner[int64, float64]]{
		{Key: "a", Value: scanner.FromSlice([]scanner.Entry[int64, float64]{{Key: 1, Value: 1}, {Key: 3, Value: 3}})},
		{Key: "b", Value: scanner.FromSlice([]scanner.Entry[int64, float64]{{Key: 2, Value: 2}})},
	})
	require.NoError(t, b.PutColumns(cols))

	got, err := scanner.Collect(b.ScanColumns([]string{"b", "a"}, rangeset.Of(rangeset.Closed[int64](2, 3))))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	a, err := scanner.Collect(got[0].Value)
	require.NoError(t, err)
	assert.Equal(t, []scanner.Entry[int64, float64]{{Key: 3, Value: 3}}, a)
	assert.Equal(t, "b", got[1].Key)
}

// failingRows 读出n行后报错
type failingRows struct {
	inner scanner.Rows[int64, string, float64]
	n     int
}

func (f *failingRows) Next() bool {
	if f.n == 0 {
		return false
	}
	f.n--
	return f.inner.Next()
}

func (f *failingRows) Key() int64                              { return f.inner.Key() }
func (f *failingRows) Value() scanner.Scanner[string, float64] { return f.inner.Value() }
func (f *failingRows) Close() error                            { return f.inner.Close() }

func (f *failingRows) Err() error {
	if f.n == 0 {
		return errors.New("disk gone")
	}
	return nil
}

func TestDataBuffer_PutRowsInputFailureKeepsWrittenRows(t *testing.T) {
	b := New[int64, string, float64]()
	in := &failingRows{
		inner: rowsOf(
			row{Key: 1, Fields: []kv{{Key: "a", Value: 1}}},
			row{Key: 2, Fields: []kv{{Key: "a", Value: 2}}},
		),
		n: 1,
	}
	err := b.PutRows(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk gone")
	assert.Equal(t, 1, b.Len(), "已写入的行不回滚")
}

func TestDataBuffer_Remove(t *testing.T) {
	b := New[int64, string, float64]()
	for k := int64(1); k <= 5; k++ {
		b.Put(k, "a", float64(k))
		b.Put(k, "b", float64(k))
		b.Put(k, "c", float64(k))
	}

	a := area.Columns[int64]("c")
	a.Keys.Add(rangeset.Singleton[int64](1))
	a.Segments["b"] = rangeset.Of(rangeset.Closed[int64](4, 5))
	b.Remove(a)

	assert.Equal(t, []string{"a", "b"}, b.Fields())
	ranges := b.Ranges()
	assert.Equal(t, rangeset.Closed[int64](2, 5), ranges["a"])
	assert.Equal(t, rangeset.Closed[int64](2, 3), ranges["b"])
	_, ok := ranges["c"]
	assert.False(t, ok)

	// 删空的字段直接消失
	b.Remove(area.Segment[int64](rangeset.Of(rangeset.All[int64]()), "b"))
	assert.Equal(t, []string{"a"}, b.Fields())
}

func TestDataBuffer_SnapshotIsolation(t *testing.T) {
	b := New[int64, string, float64]()
	b.Put(1, "a", 1)
	snap := b.Snapshot()
	b.Put(1, "a", 100)
	b.Put(2, "a", 2)

	got := collectRows(t, snap.ScanRows(nil, nil))
	assert.Equal(t, []row{{Key: 1, Fields: []kv{{Key: "a", Value: 1}}}}, got)
	assert.Equal(t, 2, b.Len())
}

func TestDataBuffer_ScanRangesAndFields(t *testing.T) {
	b := New[int64, string, float64]()
	for k := int64(0); k < 10; k++ {
		b.Put(k, "a", float64(k))
		if k%2 == 0 {
			b.Put(k, "b", float64(k))
		}
	}
	rs := rangeset.Of(rangeset.ClosedOpen[int64](2, 4), rangeset.GreaterThan[int64](7))
	got := collectRows(t, b.ScanRows([]string{"b", "missing"}, rs))
	assert.Equal(t, []row{
		{Key: 2, Fields: []kv{{Key: "b", Value: 2}}},
		{Key: 8, Fields: []kv{{Key: "b", Value: 8}}},
	}, got)
}

func TestDataBuffer_ConcurrentPutAndScan(t *testing.T) {
	b := New[int64, string, float64]()
	workers, perWorker := 8, 200

	var wg sync.WaitGroup
	wg.Add(workers + 1)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			f := fmt.Sprintf("f%d", w%3)
			for i := 0; i < perWorker; i++ {
				b.Put(int64(w*perWorker+i), f, float64(i))
			}
		}(w)
	}
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := scanner.CollectRows(b.ScanRows(nil, nil))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	assert.Equal(t, workers*perWorker, b.Len())
}

func TestDataBuffer_ScanRowsIsLazyOverSnapshot(t *testing.T) {
	b := New[int64, string, float64]()
	for k := int64(1); k <= 3; k++ {
		b.Put(k, "a", float64(k))
		b.Put(k, "b", float64(10*k))
	}
	rows := b.ScanRows([]string{"a"}, nil)
	b.Put(4, "a", 4)

	s := rows.(*rowScanner[int64, string, float64])
	assert.Nil(t, s.cols, "Next之前不读取快照")
	require.True(t, rows.Next())
	assert.Equal(t, int64(1), rows.Key())
	require.Len(t, s.cols, 1)
	assert.Equal(t, int64(2), s.cols[0].head.key, "只预读下一个单元格")

	b.Put(2, "a", 200)
	b.Remove(area.Rows[int64, string](rangeset.Singleton[int64](3)))
	assert.Equal(t, []row{
		{Key: 2, Fields: []kv{{Key: "a", Value: 2}}},
		{Key: 3, Fields: []kv{{Key: "a", Value: 3}}},
	}, collectRows(t, rows), "后续行来自创建扫描时的快照")
	assert.Equal(t, 5, b.Len())
}

func TestDataBuffer_ScanRowsCloseEarly(t *testing.T) {
	b := New[int64, string, float64]()
	for k := int64(0); k < 100; k++ {
		b.Put(k, "a", float64(k))
	}
	rows := b.ScanRows(nil, rangeset.Of(rangeset.AtLeast[int64](50)))
	require.True(t, rows.Next())
	assert.Equal(t, int64(50), rows.Key())
	require.NoError(t, rows.Close())
	assert.False(t, rows.Next())
	require.NoError(t, rows.Close())
}
