// pkg/queue/queue.go
package queue

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/imReese/onetierdb/pkg/metrics"
	"github.com/imReese/onetierdb/pkg/table"
)

const (
	TableExt = ".tbl"
	TmpExt   = ".tmp"
)

var ErrClosed = errors.New("append queue closed")

// Policy 落盘失败后的处理方式
type Policy string

const (
	PolicyLog   Policy = "log"   // 记录日志, 表继续由内存提供
	PolicyRetry Policy = "retry" // 有限次重试, 指数退避
	PolicyFail  Policy = "fail"  // 返回错误, 由调用方决定是否停止服务
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case "":
		return PolicyLog, nil
	case PolicyLog, PolicyRetry, PolicyFail:
		return p, nil
	}
	return "", errors.Newf("unknown flush failure policy %q", s)
}

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Permits 进程级落盘并发许可, 多个队列共享; 为nil时按Workers创建
	Permits *semaphore.Weighted
	Workers int
	Policy  Policy
	Retries int
	Backoff time.Duration
}

var DefaultOptions = Options{
	Workers: 4,
	Policy:  PolicyLog,
	Retries: 3,
	Backoff: 100 * time.Millisecond,
}

// Named 带名字的表
type Named[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	Name  string
	Table table.Table[K, F, T, V]
}

// AppendQueue 把内存表异步写成磁盘文件: 先写临时文件, 再原子rename.
// 表名是递增序号, 字典序即落盘顺序.
type AppendQueue[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	dir  string
	rw   table.ReadWriter[K, F, T, V]
	opts Options

	// fence 落盘时持读锁, Clear持写锁
	fence sync.RWMutex

	mu      sync.Mutex
	entries map[string]*entry[K, F, T, V]
	seq     uint64
	gen     uint64

	pool      *pool.Pool
	closeMu   sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
}

// New 打开目录并恢复已落盘的表, 清理上次中断留下的临时文件
func New[K cmp.Ordered, F cmp.Ordered, T any, V any](dir string, rw table.ReadWriter[K, F, T, V], opts Options) (*AppendQueue[K, F, T, V], error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions.Workers
	}
	if opts.Permits == nil {
		opts.Permits = semaphore.NewWeighted(int64(opts.Workers))
	}
	if opts.Policy == "" {
		opts.Policy = PolicyLog
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultOptions.Backoff
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create queue dir %s", dir)
	}

	q := &AppendQueue[K, F, T, V]{
		dir:     dir,
		rw:      rw,
		opts:    opts,
		entries: make(map[string]*entry[K, F, T, V]),
		pool:    pool.New().WithMaxGoroutines(opts.Workers),
		closing: make(chan struct{}),
	}
	if err := q.recover(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *AppendQueue[K, F, T, V]) recover() error {
	files, err := os.ReadDir(q.dir)
	if err != nil {
		return errors.Wrapf(err, "read queue dir %s", q.dir)
	}

	var seqs []uint64
	for _, fi := range files {
		if fi.IsDir() {
			continue
		}
		name := fi.Name()
		switch {
		case strings.HasSuffix(name, TmpExt):
			if err := os.Remove(filepath.Join(q.dir, name)); err != nil {
				return errors.Wrapf(err, "purge unfinished flush %s", name)
			}
			q.opts.Logger.Warn("Purged unfinished flush", zap.String("file", name))
		case strings.HasSuffix(name, TableExt):
			seq, err := strconv.ParseUint(strings.TrimSuffix(name, TableExt), 10, 64)
			if err != nil {
				q.opts.Logger.Warn("Ignoring unrecognized table file", zap.String("file", name))
				continue
			}
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)

	for _, seq := range seqs {
		name := formatName(seq)
		tbl, err := q.rw.Open(q.path(name))
		if err != nil {
			return errors.Wrapf(err, "recover table %s", name)
		}
		q.entries[name] = &entry[K, F, T, V]{state: committed, file: tbl}
		q.seq = seq
	}
	q.setTablesGauge()
	if len(seqs) > 0 {
		q.opts.Logger.Info("Recovered tables", zap.String("dir", q.dir), zap.Int("count", len(seqs)), zap.Uint64("last_seq", q.seq))
	}
	return nil
}

func formatName(seq uint64) string {
	return fmt.Sprintf("%016d", seq)
}

func (q *AppendQueue[K, F, T, V]) path(name string) string {
	return filepath.Join(q.dir, name+TableExt)
}

func (q *AppendQueue[K, F, T, V]) Dir() string { return q.dir }

// Offer 先获取落盘许可(可能阻塞), 分配表名后立即对读可见, 再异步落盘.
// 返回的channel在落盘结束时收到结果并关闭.
func (q *AppendQueue[K, F, T, V]) Offer(ctx context.Context, tbl table.Table[K, F, T, V]) (string, <-chan error, error) {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return "", nil, ErrClosed
	}
	if err := q.opts.Permits.Acquire(ctx, 1); err != nil {
		return "", nil, errors.Wrap(err, "acquire flush permit")
	}

	q.mu.Lock()
	q.seq++
	name := formatName(q.seq)
	e := &entry[K, F, T, V]{state: pending, mem: tbl}
	q.entries[name] = e
	gen := q.gen
	q.setTablesGauge()
	q.mu.Unlock()

	done := make(chan error, 1)
	q.pool.Go(func() {
		defer q.opts.Permits.Release(1)
		done <- q.flush(name, e, gen)
		close(done)
	})
	return name, done, nil
}

func (q *AppendQueue[K, F, T, V]) flush(name string, e *entry[K, F, T, V], gen uint64) error {
	q.fence.RLock()
	defer q.fence.RUnlock()

	q.mu.Lock()
	policy, retries, backoff := q.opts.Policy, q.opts.Retries, q.opts.Backoff
	q.mu.Unlock()
	attempts := 1
	if policy == PolicyRetry {
		attempts += retries
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			q.m(func(m *metrics.Metrics) { m.Flushes.WithLabelValues("retry").Inc() })
			select {
			case <-time.After(backoff << (i - 1)):
			case <-q.closing:
			}
		}
		start := time.Now()
		if err = q.write(name, e, gen); err == nil {
			q.m(func(m *metrics.Metrics) {
				m.Flushes.WithLabelValues("ok").Inc()
				m.FlushDuration.Observe(time.Since(start).Seconds())
			})
			return nil
		}
		q.opts.Logger.Warn("Table flush attempt failed",
			zap.String("table", name),
			zap.Int("attempt", i+1),
			zap.Error(err))
	}

	q.m(func(m *metrics.Metrics) { m.Flushes.WithLabelValues("error").Inc() })
	q.opts.Logger.Error("Table flush failed, keeping in-memory table",
		zap.String("table", name),
		zap.String("policy", string(policy)),
		zap.Error(err))
	return errors.Wrapf(err, "flush table %s", name)
}

// write 写临时文件并rename; 期间表若已被删除或队列已清空, 直接丢弃结果
func (q *AppendQueue[K, F, T, V]) write(name string, e *entry[K, F, T, V], gen uint64) error {
	if !q.live(name, e, gen) {
		return nil
	}
	mem := e.table()
	tmp := q.path(name) + TmpExt
	rows, err := mem.Scan(nil, nil)
	if err != nil {
		return errors.Wrap(err, "scan memory table")
	}
	if err := q.rw.Flush(tmp, rows, mem.Meta()); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen || q.entries[name] != e {
		return errors.Wrap(os.Remove(tmp), "discard superseded flush")
	}
	final := q.path(name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	file, err := q.rw.Open(final)
	if err != nil {
		return err
	}
	e.commit(file)
	return nil
}

func (q *AppendQueue[K, F, T, V]) live(name string, e *entry[K, F, T, V], gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen == gen && q.entries[name] == e
}

// SetFailurePolicy 修改之后开始的落盘所使用的失败策略
func (q *AppendQueue[K, F, T, V]) SetFailurePolicy(policy Policy, retries int, backoff time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.opts.Policy = policy
	q.opts.Retries = retries
	if backoff > 0 {
		q.opts.Backoff = backoff
	}
}

// Get 返回当前的表: 已落盘返回文件表, 否则返回内存表
func (q *AppendQueue[K, F, T, V]) Get(name string) (table.Table[K, F, T, V], bool) {
	q.mu.Lock()
	e, ok := q.entries[name]
	q.mu.Unlock()
	if !ok {
		return nil, false
	}
	return e.table(), true
}

// Committed 表是否已经落盘
func (q *AppendQueue[K, F, T, V]) Committed(name string) bool {
	q.mu.Lock()
	e, ok := q.entries[name]
	q.mu.Unlock()
	return ok && e.isCommitted()
}

// Remove 从队列删除表及其文件; 正在落盘的表在rename前被丢弃
func (q *AppendQueue[K, F, T, V]) Remove(name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[name]; !ok {
		return nil
	}
	delete(q.entries, name)
	q.setTablesGauge()
	if err := os.Remove(q.path(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove table file %s", name)
	}
	return nil
}

// Names 按落盘顺序返回所有表名
func (q *AppendQueue[K, F, T, V]) Names() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.entries))
	for name := range q.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Tables 按落盘顺序(旧的在前)返回所有表
func (q *AppendQueue[K, F, T, V]) Tables() []Named[K, F, T, V] {
	names := q.Names()
	out := make([]Named[K, F, T, V], 0, len(names))
	for _, name := range names {
		if tbl, ok := q.Get(name); ok {
			out = append(out, Named[K, F, T, V]{Name: name, Table: tbl})
		}
	}
	return out
}

func (q *AppendQueue[K, F, T, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear 等待进行中的落盘结束后清空队列、重置序号并删除目录
func (q *AppendQueue[K, F, T, V]) Clear() error {
	q.fence.Lock()
	defer q.fence.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gen++
	q.seq = 0
	q.entries = make(map[string]*entry[K, F, T, V])
	q.setTablesGauge()
	if err := os.RemoveAll(q.dir); err != nil {
		return errors.Wrapf(err, "remove queue dir %s", q.dir)
	}
	return errors.Wrapf(os.MkdirAll(q.dir, 0o755), "create queue dir %s", q.dir)
}

// Close 拒绝新的Offer并等待进行中的落盘结束
func (q *AppendQueue[K, F, T, V]) Close() error {
	q.closeOnce.Do(func() {
		q.closeMu.Lock()
		q.closed = true
		q.closeMu.Unlock()
		close(q.closing)
		q.pool.Wait()
	})
	return nil
}

func (q *AppendQueue[K, F, T, V]) setTablesGauge() {
	n := len(q.entries)
	q.m(func(m *metrics.Metrics) { m.Tables.Set(float64(n)) })
}

func (q *AppendQueue[K, F, T, V]) m(fn func(*metrics.Metrics)) {
	if q.opts.Metrics != nil {
		fn(q.opts.Metrics)
	}
}
