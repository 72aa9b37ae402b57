// pkg/storage/db.go
package storage

import (
	"cmp"
	"context"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/buffer"
	"github.com/imReese/onetierdb/pkg/queue"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
	"github.com/imReese/onetierdb/pkg/table"
)

type commitKind uint8

const (
	tempCommit commitKind = iota // 超时触发, 不重置缓冲
	fullCommit                   // 超过大小或关闭时触发, 提交后重置缓冲
)

func (k commitKind) String() string {
	if k == fullCommit {
		return "full"
	}
	return "temp"
}

// RowFilter 查询结果的行过滤, 返回false的行被丢弃
type RowFilter[K cmp.Ordered, F cmp.Ordered, V any] func(k K, fields map[F]V) bool

type Stats struct {
	BufferCells   int
	InsertedBytes int64
	DirtySince    time.Time // 零值表示缓冲干净
	Tables        []string
	Superseded    []string
}

// DB 单层LSM存储: 写入先进入内存缓冲, 按大小或超时提交成不可变表,
// 查询合并已提交的表和缓冲, 后写的覆盖先写的.
type DB[K cmp.Ordered, F cmp.Ordered, T comparable, V any] struct {
	env    *Env
	logger *zap.Logger
	cfg    atomic.Pointer[Config]
	sizer  Sizer[K, F, V]

	locks
	// checkLock 串行化"是否需要提交"的判断
	checkLock sync.Mutex

	buf      *buffer.DataBuffer[K, F, V]
	schemaMu sync.Mutex
	schema   map[F]T

	dirtySince atomic.Int64 // UnixNano, 0表示未设置
	inserted   atomic.Int64

	supMu      sync.Mutex
	superseded []string // 被下一次提交取代的临时表

	index   *Index[K, F, T]
	storage *TableStorage[K, F, T, V]

	failMu  sync.Mutex
	failErr error

	closed    atomic.Bool
	schedMu   sync.Mutex
	schedStop chan struct{}
	schedWG   sync.WaitGroup
	inflight  sync.WaitGroup
}

// Open 打开dir下的实例, 恢复已落盘的表并重建索引
func Open[K cmp.Ordered, F cmp.Ordered, T comparable, V any](dir string, env *Env, cfg Config, opts ...Option[K, F, T, V]) (*DB[K, F, T, V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, wrap(err, "invalid config")
	}
	if env == nil {
		env = NewEnv(nil, 1)
	}
	o := options[K, F, T, V]{
		rw:    table.GobReadWriter[K, F, T, V]{},
		sizer: DefaultSizer[K, F, V],
	}
	for _, opt := range opts {
		opt(&o)
	}

	logger := env.Logger.With(zap.String("dir", dir))
	st, err := OpenTableStorage(dir, o.rw, queue.Options{
		Logger:  logger,
		Metrics: env.Metrics,
		Permits: env.Permits,
		Workers: env.Workers,
		Policy:  cfg.FlushFailurePolicy,
		Retries: cfg.FlushRetries,
		Backoff: cfg.FlushBackoff,
	})
	if err != nil {
		return nil, wrap(err, "open table storage")
	}

	db := &DB[K, F, T, V]{
		env:     env,
		logger:  logger,
		sizer:   o.sizer,
		buf:     buffer.New[K, F, V](),
		schema:  make(map[F]T),
		index:   NewIndex[K, F, T](),
		storage: st,
	}
	db.cfg.Store(&cfg)

	for _, name := range st.Names() {
		tbl, ok := st.Get(name)
		if !ok {
			continue
		}
		meta := tbl.Meta()
		if len(meta.Ranges) == 0 {
			// 墓碑已覆盖全部数据
			if err := st.Remove(name); err != nil {
				logger.Warn("Failed to remove emptied table", zap.String("table", name), zap.Error(err))
			}
			continue
		}
		if err := db.index.AddTable(name, meta); err != nil {
			_ = st.Close()
			return nil, wrapf(err, "index table %s", name)
		}
	}
	db.startScheduler()

	logger.Info("Storage opened",
		zap.Int("tables", len(st.Names())),
		zap.Int64("write_buffer_size", cfg.WriteBufferSize),
		zap.Duration("write_buffer_timeout", cfg.WriteBufferTimeout))
	return db, nil
}

// FlushPermits 进程级落盘并发上限, 由Env决定
func (db *DB[K, F, T, V]) FlushPermits() int {
	return db.env.Workers
}

func (db *DB[K, F, T, V]) Config() Config {
	return *db.cfg.Load()
}

// UpdateConfig 热更新参数, 后台检查按新的超时重新开始计时
func (db *DB[K, F, T, V]) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return wrap(err, "invalid config")
	}
	db.cfg.Store(&cfg)
	db.storage.SetFailurePolicy(cfg.FlushFailurePolicy, cfg.FlushRetries, cfg.FlushBackoff)
	db.stopScheduler()
	db.startScheduler()
	return nil
}

func (db *DB[K, F, T, V]) writable() error {
	if db.closed.Load() {
		return errors.Mark(ErrClosed, ErrStorage)
	}
	db.failMu.Lock()
	defer db.failMu.Unlock()
	if db.failErr != nil {
		return errors.Mark(errors.Wrap(db.failErr, "instance failed"), ErrFailed)
	}
	return nil
}

func (db *DB[K, F, T, V]) fail(err error) {
	db.failMu.Lock()
	defer db.failMu.Unlock()
	if db.failErr == nil {
		db.failErr = err
		db.logger.Error("Storage entered failed state", zap.Error(err))
	}
}

func (db *DB[K, F, T, V]) request(method string) {
	db.env.Metrics.RequestsTotal.WithLabelValues(method).Inc()
}

type cellPut[K cmp.Ordered, F cmp.Ordered, V any] struct {
	key   K
	field F
	value V
}

// batcher 把输入切成不超过WriteBatchSize字节的批次
type batcher[K cmp.Ordered, F cmp.Ordered, T comparable, V any] struct {
	db     *DB[K, F, T, V]
	ctx    context.Context
	schema map[F]T
	limit  int64
	puts   []cellPut[K, F, V]
	size   int64
}

func (b *batcher[K, F, T, V]) add(k K, f F, v V) error {
	b.puts = append(b.puts, cellPut[K, F, V]{key: k, field: f, value: v})
	b.size += b.db.sizer(k, f, v)
	if b.size >= b.limit {
		return b.flush()
	}
	return nil
}

func (b *batcher[K, F, T, V]) flush() error {
	if len(b.puts) == 0 {
		return nil
	}
	err := b.db.writeBatch(b.ctx, b.puts, b.size, b.schema)
	b.puts, b.size = nil, 0
	return err
}

func (db *DB[K, F, T, V]) newBatcher(ctx context.Context, schema map[F]T) *batcher[K, F, T, V] {
	return &batcher[K, F, T, V]{db: db, ctx: ctx, schema: schema, limit: db.Config().WriteBatchSize}
}

// UpsertRows 行优先写入. schema给出本次写入字段的类型, 可省略已声明过的字段.
// 输入中途出错时, 之前的批次已写入, 不回滚.
func (db *DB[K, F, T, V]) UpsertRows(ctx context.Context, rows scanner.Rows[K, F, V], schema map[F]T) error {
	defer rows.Close()
	if err := db.writable(); err != nil {
		return err
	}
	db.request("upsert_rows")

	b := db.newBatcher(ctx, schema)
	for rows.Next() {
		k := rows.Key()
		fields := rows.Value()
		for fields.Next() {
			if err := b.add(k, fields.Key(), fields.Value()); err != nil {
				_ = fields.Close()
				return err
			}
		}
		err := fields.Err()
		_ = fields.Close()
		if err != nil {
			return errors.CombineErrors(wrapf(err, "scan fields of row %v", k), b.flush())
		}
	}
	if err := rows.Err(); err != nil {
		return errors.CombineErrors(wrap(err, "scan rows"), b.flush())
	}
	if err := b.flush(); err != nil {
		return err
	}
	return db.afterUpsert(ctx)
}

// UpsertColumns 列优先写入, 语义同UpsertRows
func (db *DB[K, F, T, V]) UpsertColumns(ctx context.Context, cols scanner.Columns[K, F, V], schema map[F]T) error {
	defer cols.Close()
	if err := db.writable(); err != nil {
		return err
	}
	db.request("upsert_columns")

	b := db.newBatcher(ctx, schema)
	for cols.Next() {
		f := cols.Key()
		cells := cols.Value()
		for cells.Next() {
			if err := b.add(cells.Key(), f, cells.Value()); err != nil {
				_ = cells.Close()
				return err
			}
		}
		err := cells.Err()
		_ = cells.Close()
		if err != nil {
			return errors.CombineErrors(wrapf(err, "scan cells of field %v", f), b.flush())
		}
	}
	if err := cols.Err(); err != nil {
		return errors.CombineErrors(wrap(err, "scan columns"), b.flush())
	}
	if err := b.flush(); err != nil {
		return err
	}
	return db.afterUpsert(ctx)
}

// afterUpsert 未启用后台检查时, 写入结束后同步检查一次超时
func (db *DB[K, F, T, V]) afterUpsert(ctx context.Context) error {
	if db.Config().WriteBufferTimeout > 0 {
		return nil
	}
	return db.checkTimeout(ctx)
}

func (db *DB[K, F, T, V]) writeBatch(ctx context.Context, puts []cellPut[K, F, V], size int64, schema map[F]T) error {
	if err := db.checkSize(ctx); err != nil {
		return err
	}

	// 整批校验通过后才声明类型并写入缓冲
	known := db.index.Types()
	declare := make(map[F]T)
	batchTypes := make(map[F]T)
	for _, p := range puts {
		typ, ok := schema[p.field]
		if ok {
			declare[p.field] = typ
		} else if typ, ok = known[p.field]; !ok {
			return schemaError("field %v has no declared type", p.field)
		}
		batchTypes[p.field] = typ
	}
	if err := db.index.DeclareFields(declare); err != nil {
		return err
	}

	release := db.acquire(read, read, read)
	// Close先置closed再取commit写锁做最后一次提交, 锁内看到未关闭即保证本批会被提交
	if db.closed.Load() {
		release()
		return errors.Mark(ErrClosed, ErrStorage)
	}
	for _, p := range puts {
		db.buf.Put(p.key, p.field, p.value)
	}
	db.schemaMu.Lock()
	maps.Copy(db.schema, batchTypes)
	db.schemaMu.Unlock()
	release()

	now := time.Now().UnixNano()
	for {
		cur := db.dirtySince.Load()
		if (cur != 0 && cur <= now) || db.dirtySince.CompareAndSwap(cur, now) {
			break
		}
	}
	inserted := db.inserted.Add(size)
	db.env.Metrics.BufferBytes.Set(float64(inserted))
	db.env.Metrics.UpsertedCells.Add(float64(len(puts)))
	return nil
}

// checkSize 缓冲超过大小阈值时同步执行full提交并等待完成
func (db *DB[K, F, T, V]) checkSize(ctx context.Context) error {
	db.checkLock.Lock()
	if db.inserted.Load() < db.Config().WriteBufferSize {
		db.checkLock.Unlock()
		return nil
	}
	done, err := db.commit(ctx, fullCommit)
	db.checkLock.Unlock()
	if err != nil {
		return err
	}
	return db.await(ctx, done)
}

// checkTimeout 脏数据停留超过WriteBufferTimeout时提交并等待完成
func (db *DB[K, F, T, V]) checkTimeout(ctx context.Context) error {
	db.checkLock.Lock()
	cfg := db.Config()
	since := db.dirtySince.Load()
	if since == 0 || time.Since(time.Unix(0, since)) < cfg.WriteBufferTimeout {
		db.checkLock.Unlock()
		return nil
	}
	kind := tempCommit
	if db.inserted.Load() >= cfg.WriteBufferSize {
		kind = fullCommit
	}
	done, err := db.commit(ctx, kind)
	db.checkLock.Unlock()
	if err != nil {
		return err
	}
	return db.await(ctx, done)
}

func (db *DB[K, F, T, V]) await(ctx context.Context, done <-chan error) error {
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return wrap(ctx.Err(), "wait for commit")
	}
}

// commit 把缓冲快照交给存储异步落盘, 新表立即登记到索引.
// 返回的channel在落盘及清理被取代的表之后收到结果; 缓冲为空时返回nil.
func (db *DB[K, F, T, V]) commit(ctx context.Context, kind commitKind) (<-chan error, error) {
	release := db.acquire(write, read, none)
	defer release()

	cfg := db.Config()
	if db.buf.IsEmpty() {
		db.dirtySince.Store(0)
		if kind == fullCommit {
			db.inserted.Store(0)
		}
		return nil, nil
	}

	db.schemaMu.Lock()
	schema := maps.Clone(db.schema)
	db.schemaMu.Unlock()
	tbl := table.NewMemoryTable[K, F, T, V](db.buf, schema, map[string]string{
		"instance_id": db.env.InstanceID,
		"commit":      kind.String(),
	})
	meta := tbl.Meta()
	for f := range meta.Ranges {
		if _, ok := meta.Schema[f]; !ok {
			return nil, schemaError("buffered field %v has no type", f)
		}
	}

	name, flushed, err := db.storage.Flush(ctx, tbl)
	if err != nil {
		return nil, wrap(err, "submit table")
	}
	if err := db.index.AddTable(name, meta); err != nil {
		return nil, wrapf(err, "index table %s", name)
	}
	db.dirtySince.Store(0)

	full := kind == fullCommit || db.inserted.Load() >= cfg.WriteBufferSize
	db.supMu.Lock()
	toDelete := db.superseded
	if full {
		db.buf = buffer.New[K, F, V]()
		db.schemaMu.Lock()
		db.schema = make(map[F]T)
		db.schemaMu.Unlock()
		db.inserted.Store(0)
		db.env.Metrics.BufferBytes.Set(0)
		db.superseded = nil
		kind = fullCommit
	} else {
		db.superseded = []string{name}
	}
	db.supMu.Unlock()

	db.env.Metrics.Commits.WithLabelValues(kind.String()).Inc()
	db.logger.Debug("Buffer committed",
		zap.String("table", name),
		zap.Stringer("kind", kind),
		zap.Int("cells", tbl.Len()),
		zap.Strings("supersedes", toDelete))

	done := make(chan error, 1)
	db.inflight.Add(1)
	go db.complete(name, flushed, toDelete, done)
	return done, nil
}

// complete 等待落盘结果; 成功后删除被取代的表, 失败时把它们留给下一次提交
func (db *DB[K, F, T, V]) complete(name string, flushed <-chan error, toDelete []string, done chan<- error) {
	defer db.inflight.Done()
	defer close(done)

	err := <-flushed
	if err != nil {
		err = wrapf(err, "flush table %s", name)
		db.supMu.Lock()
		db.superseded = append(db.superseded, toDelete...)
		db.supMu.Unlock()
		if db.Config().FlushFailurePolicy == queue.PolicyFail {
			db.fail(err)
		}
		done <- err
		return
	}
	if len(toDelete) > 0 {
		err = db.retire(toDelete)
	}
	done <- err
}

// retire 在storage写锁下删除被取代或已被删空的表
func (db *DB[K, F, T, V]) retire(names []string) error {
	release := db.acquire(none, none, write)
	defer release()

	var errs error
	for _, name := range names {
		db.index.RemoveTable(name)
		if err := db.storage.Remove(name); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if errs != nil {
		db.logger.Warn("Failed to remove retired tables", zap.Strings("tables", names), zap.Error(errs))
	}
	return wrap(errs, "remove retired tables")
}

// Flush 强制full提交并等待落盘完成
func (db *DB[K, F, T, V]) Flush(ctx context.Context) error {
	if err := db.writable(); err != nil {
		return err
	}
	db.checkLock.Lock()
	done, err := db.commit(ctx, fullCommit)
	db.checkLock.Unlock()
	if err != nil {
		return err
	}
	return db.await(ctx, done)
}

// Delete 删除a描述的数据: 缓冲直接删除, 已提交的表记录墓碑
func (db *DB[K, F, T, V]) Delete(ctx context.Context, a area.AreaSet[K, F]) error {
	if err := db.writable(); err != nil {
		return err
	}
	db.request("delete")
	a = a.Clone().Normalize()
	if a.IsEmpty() {
		return nil
	}

	release := db.acquire(read, write, read)
	db.buf.Remove(a)
	if len(a.Fields) > 0 {
		db.schemaMu.Lock()
		for f := range a.Fields {
			delete(db.schema, f)
		}
		db.schemaMu.Unlock()
	}
	names := db.index.Find(a)
	if err := db.storage.Delete(names, a); err != nil {
		release()
		return wrap(err, "record tombstones")
	}
	emptied := db.index.Delete(a)
	release()

	// 数据已全部删除的表不再参与查询, 和被取代的表一样从存储中删除
	if len(emptied) == 0 {
		return nil
	}
	db.logger.Debug("Retiring emptied tables", zap.Strings("tables", emptied))
	return db.retire(emptied)
}

// Query 返回fields在ranges内的数据, 按key升序.
// fields为nil表示全部字段, ranges为nil表示全部key.
// 已登记但尚未落盘的表同样可见.
func (db *DB[K, F, T, V]) Query(ctx context.Context, fields []F, ranges *rangeset.RangeSet[K], filter RowFilter[K, F, V]) (scanner.Rows[K, F, V], error) {
	if db.closed.Load() {
		return nil, errors.Mark(ErrClosed, ErrStorage)
	}
	db.request("query")

	release := db.acquire(read, read, read)
	defer release()

	scratch := buffer.New[K, F, V]()
	for _, name := range db.index.Find(queryArea(fields, ranges)) {
		if err := ctx.Err(); err != nil {
			return nil, wrap(err, "query")
		}
		tbl, ok := db.storage.Get(name)
		if !ok {
			continue
		}
		rows, err := tbl.Scan(fields, ranges)
		if err != nil {
			return nil, wrapf(err, "scan table %s", name)
		}
		if err := scratch.PutRows(rows); err != nil {
			return nil, wrapf(err, "scan table %s", name)
		}
	}
	if err := scratch.PutRows(db.buf.ScanRows(fields, ranges)); err != nil {
		return nil, wrap(err, "scan buffer")
	}

	out := scratch.ScanRows(fields, ranges)
	if filter == nil {
		return out, nil
	}
	return &filteredRows[K, F, V]{inner: out, keep: filter}, nil
}

func queryArea[K cmp.Ordered, F cmp.Ordered](fields []F, ranges *rangeset.RangeSet[K]) area.AreaSet[K, F] {
	if ranges == nil {
		ranges = rangeset.Of(rangeset.All[K]())
	}
	if fields == nil {
		a := area.New[K, F]()
		a.Keys = ranges.Clone()
		return a
	}
	return area.Segment(ranges, fields...)
}

// Range 每个字段的key范围, 合并已提交的表和缓冲
func (db *DB[K, F, T, V]) Range() map[F]rangeset.Range[K] {
	release := db.acquire(read, read, read)
	defer release()

	out := db.index.Ranges()
	for f, r := range db.buf.Ranges() {
		if cur, ok := out[f]; ok {
			r = cur.Span(r)
		}
		out[f] = r
	}
	return out
}

// Schema 所有字段的类型
func (db *DB[K, F, T, V]) Schema() map[F]T {
	release := db.acquire(read, read, read)
	defer release()

	out := db.index.Types()
	db.schemaMu.Lock()
	maps.Copy(out, db.schema)
	db.schemaMu.Unlock()
	return out
}

// Clear 删除全部数据
func (db *DB[K, F, T, V]) Clear(ctx context.Context) error {
	if err := db.writable(); err != nil {
		return err
	}
	db.request("clear")

	release := db.acquire(read, write, none)
	defer release()

	// 清空后序号重置, 先等旧提交完成, 避免其清理误删同名的新表
	db.inflight.Wait()
	if err := db.storage.Clear(); err != nil {
		return wrap(err, "clear table storage")
	}
	db.index.Clear()
	db.buf = buffer.New[K, F, V]()
	db.schemaMu.Lock()
	db.schema = make(map[F]T)
	db.schemaMu.Unlock()
	db.dirtySince.Store(0)
	db.inserted.Store(0)
	db.env.Metrics.BufferBytes.Set(0)
	db.supMu.Lock()
	db.superseded = nil
	db.supMu.Unlock()
	db.logger.Info("Storage cleared")
	return nil
}

func (db *DB[K, F, T, V]) Stats() Stats {
	s := Stats{
		BufferCells:   db.bufferLen(),
		InsertedBytes: db.inserted.Load(),
		Tables:        db.storage.Names(),
	}
	if since := db.dirtySince.Load(); since != 0 {
		s.DirtySince = time.Unix(0, since)
	}
	db.supMu.Lock()
	s.Superseded = append([]string(nil), db.superseded...)
	db.supMu.Unlock()
	return s
}

func (db *DB[K, F, T, V]) bufferLen() int {
	release := db.acquire(read, read, none)
	defer release()
	return db.buf.Len()
}

// Healthy 实例可写时返回nil
func (db *DB[K, F, T, V]) Healthy() error {
	return db.writable()
}

// Close 停止后台检查; 按配置执行最后一次full提交, 等待所有落盘结束后关闭存储
func (db *DB[K, F, T, V]) Close(ctx context.Context) error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.stopScheduler()

	var errs error
	db.failMu.Lock()
	failed := db.failErr != nil
	db.failMu.Unlock()
	if db.Config().FlushOnClose && !failed {
		db.checkLock.Lock()
		done, err := db.commit(ctx, fullCommit)
		db.checkLock.Unlock()
		if err == nil {
			err = db.await(ctx, done)
		}
		errs = errors.CombineErrors(errs, err)
	}
	db.inflight.Wait()
	errs = errors.CombineErrors(errs, wrap(db.storage.Close(), "close table storage"))
	db.logger.Info("Storage closed", zap.Error(errs))
	return errs
}

type filteredRows[K cmp.Ordered, F cmp.Ordered, V any] struct {
	inner scanner.Rows[K, F, V]
	keep  RowFilter[K, F, V]
	key   K
	row   []scanner.Entry[F, V]
	err   error
}

func (s *filteredRows[K, F, V]) Next() bool {
	for s.err == nil && s.inner.Next() {
		k := s.inner.Key()
		entries, err := scanner.Collect(s.inner.Value())
		if err != nil {
			s.err = err
			return false
		}
		m := make(map[F]V, len(entries))
		for _, e := range entries {
			m[e.Key] = e.Value
		}
		if s.keep(k, m) {
			s.key, s.row = k, entries
			return true
		}
	}
	return false
}

func (s *filteredRows[K, F, V]) Key() K { return s.key }

func (s *filteredRows[K, F, V]) Value() scanner.Scanner[F, V] {
	return scanner.FromSlice(s.row)
}

func (s *filteredRows[K, F, V]) Err() error {
	if s.err != nil {
		return s.err
	}
	return s.inner.Err()
}

func (s *filteredRows[K, F, V]) Close() error { return s.inner.Close() }
