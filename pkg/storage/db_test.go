// pkg/storage/db_test.go
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/queue"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
	"github.com/imReese/onetierdb/pkg/table"
)

type (
	testDB = DB[int64, string, string, float64]
	row    = scanner.Row[int64, string, float64]
	kv     = scanner.Entry[string, float64]
)

var doubles = map[string]string{"a": "double", "b": "double"}

func testConfig() Config {
	cfg := DefaultConfig
	cfg.WriteBufferTimeout = time.Hour
	return cfg
}

func openDB(t *testing.T, dir string, cfg Config, opts ...Option[int64, string, string, float64]) *testDB {
	t.Helper()
	db, err := Open(dir, NewEnv(zaptest.NewLogger(t), 2), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db
}

func upsert(t *testing.T, db *testDB, rows ...row) {
	t.Helper()
	require.NoError(t, db.UpsertRows(context.Background(), scanner.FromRows(rows), doubles))
}

func query(t *testing.T, db *testDB, fields []string, ranges *rangeset.RangeSet[int64]) []row {
	t.Helper()
	rows, err := db.Query(context.Background(), fields, ranges, nil)
	require.NoError(t, err)
	got, err := scanner.CollectRows(rows)
	require.NoError(t, err)
	return got
}

func a(k int64, v float64) row {
	return row{Key: k, Fields: []kv{{Key: "a", Value: v}}}
}

// filesWithExt 列出dir下扩展名为ext的文件
func filesWithExt(t *testing.T, dir, ext string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ext {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestDB_QueryBufferBeforeCommit(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	upsert(t, db, a(1, 10), a(2, 20))

	got := query(t, db, []string{"a"}, rangeset.Of(rangeset.Closed[int64](1, 2)))
	assert.Equal(t, []row{a(1, 10), a(2, 20)}, got)
	assert.Empty(t, db.Stats().Tables)
}

func TestDB_BufferOverlayWinsAfterFullCommit(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	upsert(t, db, a(1, 10), a(2, 20))
	require.NoError(t, db.Flush(context.Background()))

	stats := db.Stats()
	require.Len(t, stats.Tables, 1)
	assert.Zero(t, stats.BufferCells)
	assert.True(t, db.storage.Committed(stats.Tables[0]))
	assert.Equal(t, []row{a(1, 10), a(2, 20)}, query(t, db, []string{"a"}, rangeset.Of(rangeset.Closed[int64](1, 2))))

	upsert(t, db, a(2, 99))
	got := query(t, db, []string{"a"}, rangeset.Of(rangeset.Closed[int64](1, 2)))
	assert.Equal(t, []row{a(1, 10), a(2, 99)}, got)
}

func TestDB_DeleteRowRange(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	upsert(t, db, a(1, 10), a(2, 20))

	require.NoError(t, db.Delete(context.Background(), area.Rows[int64, string](rangeset.Closed[int64](1, 1))))
	assert.Equal(t, []row{a(2, 20)}, query(t, db, nil, rangeset.Of(rangeset.Closed[int64](1, 2))))
}

func TestDB_TempCommitsSupersededByFullCommit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WriteBufferTimeout = 0
	db := openDB(t, dir, cfg)
	m := db.env.Metrics

	upsert(t, db, a(1, 1))
	first := db.Stats()
	require.Len(t, first.Tables, 1)
	assert.Equal(t, first.Tables, first.Superseded)
	assert.Equal(t, 1, first.BufferCells, "临时提交不重置缓冲")

	upsert(t, db, a(2, 2))
	second := db.Stats()
	require.Len(t, second.Tables, 1)
	assert.NotEqual(t, first.Tables, second.Tables, "上一张临时表已被删除")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commits.WithLabelValues("temp")))

	require.NoError(t, db.Flush(context.Background()))
	final := db.Stats()
	require.Len(t, final.Tables, 1)
	assert.Empty(t, final.Superseded)
	assert.Zero(t, final.BufferCells)
	assert.Equal(t, []row{a(1, 1), a(2, 2)}, query(t, db, nil, nil))
	assert.Equal(t, final.Tables, db.index.Tables())
	assert.Equal(t, []string{final.Tables[0] + queue.TableExt}, filesWithExt(t, dir, queue.TableExt), "临时表文件已全部删除")
}

func TestDB_ScheduledTempCommitsSupersededByFullCommit(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WriteBufferTimeout = 20 * time.Millisecond
	db := openDB(t, dir, cfg)
	temps := db.env.Metrics.Commits.WithLabelValues("temp")

	upsert(t, db, a(1, 1))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(temps) == 1
	}, 5*time.Second, 5*time.Millisecond, "后台检查触发临时提交")
	first := db.Stats()
	require.Len(t, first.Superseded, 1)
	assert.Equal(t, 1, first.BufferCells)

	upsert(t, db, a(2, 2))
	require.Eventually(t, func() bool {
		stats := db.Stats()
		return testutil.ToFloat64(temps) == 2 &&
			len(stats.Tables) == 1 && stats.Tables[0] != first.Superseded[0]
	}, 5*time.Second, 5*time.Millisecond, "第二次临时提交取代第一张临时表")
	assert.Len(t, filesWithExt(t, dir, queue.TableExt), 1)

	require.NoError(t, db.Flush(context.Background()))
	final := db.Stats()
	require.Len(t, final.Tables, 1)
	assert.Empty(t, final.Superseded)
	assert.Zero(t, final.BufferCells)
	assert.Equal(t, []string{final.Tables[0] + queue.TableExt}, filesWithExt(t, dir, queue.TableExt))
	assert.Equal(t, []row{a(1, 1), a(2, 2)}, query(t, db, nil, nil))
}

func TestDB_LastWriteWinsAcrossTables(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	for i := 1; i <= 3; i++ {
		upsert(t, db, a(1, float64(i)), row{Key: int64(i), Fields: []kv{{Key: "b", Value: float64(i)}}})
		require.NoError(t, db.Flush(context.Background()))
	}
	require.Len(t, db.Stats().Tables, 3)
	got := query(t, db, nil, rangeset.Of(rangeset.Singleton[int64](1)))
	assert.Equal(t, []row{{Key: 1, Fields: []kv{{Key: "a", Value: 3}, {Key: "b", Value: 1}}}}, got)

	upsert(t, db, a(1, 4))
	assert.Equal(t, []row{a(1, 4)}, query(t, db, []string{"a"}, nil))
}

func TestDB_SizeTriggeredCommit(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBufferSize = 100
	cfg.WriteBatchSize = 1
	db := openDB(t, t.TempDir(), cfg)

	var rows []row
	for k := int64(0); k < 10; k++ {
		rows = append(rows, a(k, float64(k)))
	}
	upsert(t, db, rows...)

	stats := db.Stats()
	assert.NotEmpty(t, stats.Tables)
	assert.Less(t, stats.InsertedBytes, int64(200))
	assert.Equal(t, rows, query(t, db, nil, nil))
	assert.Positive(t, testutil.ToFloat64(db.env.Metrics.Commits.WithLabelValues("full")))
}

func TestDB_SchemaIntegrity(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	ctx := context.Background()

	err := db.UpsertRows(ctx, scanner.FromRows([]row{{Key: 1, Fields: []kv{{Key: "a", Value: 1}, {Key: "c", Value: 1}}}}), doubles)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemaIntegrity))
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Zero(t, db.Stats().BufferCells, "整批拒绝")

	err = db.UpsertRows(ctx, scanner.FromRows([]row{a(1, 1)}), map[string]string{"a": "int"})
	require.NoError(t, err, "第一次声明")
	err = db.UpsertRows(ctx, scanner.FromRows([]row{a(2, 2)}), doubles)
	assert.True(t, errors.Is(err, ErrSchemaIntegrity))

	require.NoError(t, db.UpsertRows(ctx, scanner.FromRows([]row{a(3, 3)}), nil), "已声明的字段可以省略类型")
	assert.Equal(t, map[string]string{"a": "int"}, db.Schema())
}

func TestDB_UpsertColumns(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	cols := scanner.FromSlice([]scanner.Entry[string, scanner.Scanner[int64, float64]]{
		{Key: "a", Value: scanner.FromSlice([]scanner.Entry[int64, float64]{{Key: 1, Value: 1}, {Key: 2, Value: 2}})},
		{Key: "b", Value: scanner.FromSlice([]scanner.Entry[int64, float64]{{Key: 2, Value: 20}})},
	})
	require.NoError(t, db.UpsertColumns(context.Background(), cols, doubles))

	assert.Equal(t, []row{
		a(1, 1),
		{Key: 2, Fields: []kv{{Key: "a", Value: 2}, {Key: "b", Value: 20}}},
	}, query(t, db, nil, nil))
	assert.Equal(t, map[string]rangeset.Range[int64]{
		"a": rangeset.Closed[int64](1, 2),
		"b": rangeset.Closed[int64](2, 2),
	}, db.Range())
}

func TestDB_DeleteFlushedData(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testConfig())
	ctx := context.Background()
	upsert(t, db,
		row{Key: 1, Fields: []kv{{Key: "a", Value: 1}, {Key: "b", Value: 1}}},
		row{Key: 2, Fields: []kv{{Key: "a", Value: 2}, {Key: "b", Value: 2}}},
		row{Key: 3, Fields: []kv{{Key: "a", Value: 3}, {Key: "b", Value: 3}}},
	)
	require.NoError(t, db.Flush(ctx))

	require.NoError(t, db.Delete(ctx, area.Rows[int64, string](rangeset.Singleton[int64](1))))
	require.NoError(t, db.Delete(ctx, area.Segment[int64](rangeset.Of(rangeset.Singleton[int64](3)), "a")))
	require.NoError(t, db.Delete(ctx, area.Columns[int64]("b")))

	want := []row{a(2, 2)}
	assert.Equal(t, want, query(t, db, nil, nil))
	assert.Equal(t, map[string]string{"a": "double"}, db.Schema())
	ranges := db.Range()
	assert.NotContains(t, ranges, "b")
	assert.True(t, ranges["a"].Contains(2))
	assert.False(t, ranges["a"].Contains(1))

	// 墓碑持久化, 重启后依然生效
	require.NoError(t, db.Close(ctx))
	db = openDB(t, dir, testConfig())
	assert.Equal(t, want, query(t, db, nil, nil))

	// 整列删除后可以用新类型重新声明
	require.NoError(t, db.UpsertRows(ctx, scanner.FromRows([]row{{Key: 5, Fields: []kv{{Key: "b", Value: 5}}}}), map[string]string{"b": "int"}))
}

func TestDB_DeleteRetiresEmptiedTables(t *testing.T) {
	dir := t.TempDir()
	db := openDB(t, dir, testConfig())
	ctx := context.Background()
	upsert(t, db, a(1, 1), a(2, 2))
	require.NoError(t, db.Flush(ctx))
	upsert(t, db, a(3, 3))
	require.NoError(t, db.Flush(ctx))
	require.Len(t, filesWithExt(t, dir, queue.TableExt), 2)

	require.NoError(t, db.Delete(ctx, area.Rows[int64, string](rangeset.Closed[int64](1, 2))))
	stats := db.Stats()
	require.Len(t, stats.Tables, 1)
	assert.Equal(t, stats.Tables, db.index.Tables())
	assert.Equal(t, []string{stats.Tables[0] + queue.TableExt}, filesWithExt(t, dir, queue.TableExt))
	assert.Empty(t, filesWithExt(t, dir, tombExt))
	assert.Equal(t, []row{a(3, 3)}, query(t, db, nil, nil))

	require.NoError(t, db.Close(ctx))
	db = openDB(t, dir, testConfig())
	assert.Equal(t, stats.Tables, db.Stats().Tables)
	assert.Equal(t, []row{a(3, 3)}, query(t, db, nil, nil))
}

func TestDB_OpenRemovesFullyTombstonedTables(t *testing.T) {
	dir := t.TempDir()
	s := openStorage(t, dir)
	dead := flushTable(t, s, a(1, 1))
	alive := flushTable(t, s, a(5, 5), a(6, 6))
	require.NoError(t, s.Delete([]string{dead}, area.Rows[int64, string](rangeset.All[int64]())))
	require.NoError(t, s.Delete([]string{alive}, area.Rows[int64, string](rangeset.Singleton[int64](5))))
	require.NoError(t, s.Close())

	db := openDB(t, dir, testConfig())
	assert.Equal(t, []string{alive}, db.Stats().Tables)
	assert.Equal(t, []string{alive + queue.TableExt}, filesWithExt(t, dir, queue.TableExt))
	assert.Equal(t, []string{alive + tombExt}, filesWithExt(t, dir, tombExt))
	assert.Equal(t, []row{a(6, 6)}, query(t, db, nil, nil))
}

func TestDB_QueryFilter(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	upsert(t, db, a(1, 10), a(2, 20), a(3, 30))
	rows, err := db.Query(context.Background(), nil, nil, func(k int64, fields map[string]float64) bool {
		return fields["a"] > 15
	})
	require.NoError(t, err)
	got, err := scanner.CollectRows(rows)
	require.NoError(t, err)
	assert.Equal(t, []row{a(2, 20), a(3, 30)}, got)
}

func TestDB_Clear(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	ctx := context.Background()
	upsert(t, db, a(1, 1))
	require.NoError(t, db.Flush(ctx))
	upsert(t, db, a(2, 2))

	require.NoError(t, db.Clear(ctx))
	assert.Empty(t, query(t, db, nil, nil))
	assert.Empty(t, db.Schema())
	stats := db.Stats()
	assert.Empty(t, stats.Tables)
	assert.Zero(t, stats.BufferCells)
	assert.Zero(t, stats.InsertedBytes)

	require.NoError(t, db.UpsertRows(ctx, scanner.FromRows([]row{a(1, 1)}), map[string]string{"a": "int"}))
}

func TestDB_CloseFlushesAndReopens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := Open[int64, string, string, float64](dir, NewEnv(zaptest.NewLogger(t), 1), testConfig())
	require.NoError(t, err)
	upsert(t, db, a(1, 1), a(2, 2))
	require.NoError(t, db.Close(ctx))
	require.NoError(t, db.Close(ctx))

	err = db.UpsertRows(ctx, scanner.FromRows([]row{a(3, 3)}), doubles)
	assert.True(t, errors.Is(err, ErrClosed))

	db = openDB(t, dir, testConfig())
	assert.Equal(t, []row{a(1, 1), a(2, 2)}, query(t, db, nil, nil))
	assert.Equal(t, doubles["a"], db.Schema()["a"])
}

// gatedRows 在产出第一行之前阻塞, 直到gate被关闭
type gatedRows struct {
	inner   scanner.Rows[int64, string, float64]
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedRows) Next() bool {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.inner.Next()
}

func (g *gatedRows) Key() int64 { return g.inner.Key() }

func (g *gatedRows) Value() scanner.Scanner[string, float64] { return g.inner.Value() }

func (g *gatedRows) Err() error { return g.inner.Err() }

func (g *gatedRows) Close() error { return g.inner.Close() }

func TestDB_UpsertOutlivingCloseIsRejected(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	db, err := Open[int64, string, string, float64](dir, NewEnv(zaptest.NewLogger(t), 1), testConfig())
	require.NoError(t, err)

	rows := &gatedRows{
		inner:   scanner.FromRows([]row{a(1, 1)}),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	result := make(chan error, 1)
	go func() {
		result <- db.UpsertRows(ctx, rows, doubles)
	}()

	// 写入已通过入口检查, 正在读取输入
	<-rows.entered
	require.NoError(t, db.Close(ctx))
	close(rows.gate)

	err = <-result
	require.Error(t, err, "关闭后才写入缓冲的数据不会被提交")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(err, ErrStorage))

	db = openDB(t, dir, testConfig())
	assert.Empty(t, query(t, db, nil, nil))
}

func TestDB_CanceledQuery(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	upsert(t, db, a(1, 1))
	require.NoError(t, db.Flush(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Query(ctx, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInterrupted))
}

// brokenCodec 落盘总是失败
type brokenCodec struct {
	table.GobReadWriter[int64, string, string, float64]
}

func (brokenCodec) Flush(_ string, rows scanner.Rows[int64, string, float64], _ table.Meta[int64, string, string]) error {
	_ = rows.Close()
	return errors.New("disk gone")
}

func TestDB_FlushFailureLogPolicyKeepsServing(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig(), WithReadWriter[int64, string, string, float64](brokenCodec{}))
	ctx := context.Background()
	upsert(t, db, a(1, 1))

	err := db.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.NoError(t, db.Healthy())

	assert.Equal(t, []row{a(1, 1)}, query(t, db, nil, nil), "未落盘的内存表依然可查")
	upsert(t, db, a(2, 2))
}

func TestDB_FlushFailureFailPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.FlushFailurePolicy = queue.PolicyFail
	db := openDB(t, t.TempDir(), cfg, WithReadWriter[int64, string, string, float64](brokenCodec{}))
	ctx := context.Background()
	upsert(t, db, a(1, 1))

	require.Error(t, db.Flush(ctx))
	assert.True(t, errors.Is(db.Healthy(), ErrFailed))
	err := db.UpsertRows(ctx, scanner.FromRows([]row{a(2, 2)}), doubles)
	assert.True(t, errors.Is(err, ErrFailed))
	assert.Equal(t, []row{a(1, 1)}, query(t, db, nil, nil))
}

func TestDB_UpdateConfig(t *testing.T) {
	db := openDB(t, t.TempDir(), testConfig())
	cfg := db.Config()
	cfg.WriteBufferTimeout = 10 * time.Millisecond
	require.NoError(t, db.UpdateConfig(cfg))

	upsert(t, db, a(1, 1))
	require.Eventually(t, func() bool {
		return len(db.Stats().Tables) == 1
	}, 5*time.Second, 10*time.Millisecond, "后台检查按新的超时提交")

	cfg.WriteBufferSize = 0
	assert.Error(t, db.UpdateConfig(cfg))
}

func TestDB_ConcurrentUpsertAndQuery(t *testing.T) {
	cfg := testConfig()
	cfg.WriteBufferSize = 2000
	cfg.WriteBatchSize = 200
	db := openDB(t, t.TempDir(), cfg)
	ctx := context.Background()

	workers, perWorker := 4, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				k := int64(w*perWorker + i)
				err := db.UpsertRows(ctx, scanner.FromRows([]row{a(k, float64(k))}), doubles)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			rows, err := db.Query(ctx, nil, nil, nil)
			if assert.NoError(t, err) {
				_, err = scanner.CollectRows(rows)
				assert.NoError(t, err)
			}
		}
	}()
	wg.Wait()

	got := query(t, db, []string{"a"}, nil)
	require.Len(t, got, workers*perWorker)
	for i, r := range got {
		assert.Equal(t, a(int64(i), float64(i)), r, fmt.Sprintf("row %d", i))
	}
}
