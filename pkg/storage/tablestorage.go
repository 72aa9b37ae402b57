// pkg/storage/tablestorage.go
package storage

import (
	"cmp"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/onetierdb/pkg/area"
	"github.com/imReese/onetierdb/pkg/queue"
	"github.com/imReese/onetierdb/pkg/rangeset"
	"github.com/imReese/onetierdb/pkg/scanner"
	"github.com/imReese/onetierdb/pkg/table"
	"github.com/imReese/onetierdb/pkg/tombstone"
)

const tombExt = ".tomb"

// TableStorage 管理表文件及其墓碑: 每张表一个 {name}.tomb 旁路文件
type TableStorage[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	queue  *queue.AppendQueue[K, F, T, V]
	logger *zap.Logger

	mu    sync.Mutex
	tombs map[string]*tombstone.RangeTombstone[K, F]
}

func OpenTableStorage[K cmp.Ordered, F cmp.Ordered, T any, V any](dir string, rw table.ReadWriter[K, F, T, V], opts queue.Options) (*TableStorage[K, F, T, V], error) {
	q, err := queue.New(dir, rw, opts)
	if err != nil {
		return nil, err
	}
	s := &TableStorage[K, F, T, V]{
		queue:  q,
		logger: opts.Logger,
		tombs:  make(map[string]*tombstone.RangeTombstone[K, F]),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if err := s.loadTombstones(); err != nil {
		_ = q.Close()
		return nil, err
	}
	return s, nil
}

func (s *TableStorage[K, F, T, V]) loadTombstones() error {
	live := make(map[string]struct{})
	for _, name := range s.queue.Names() {
		live[name] = struct{}{}
	}
	files, err := os.ReadDir(s.queue.Dir())
	if err != nil {
		return errors.Wrap(err, "read storage dir")
	}
	for _, fi := range files {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), tombExt) {
			continue
		}
		name := strings.TrimSuffix(fi.Name(), tombExt)
		path := filepath.Join(s.queue.Dir(), fi.Name())
		if _, ok := live[name]; !ok {
			// 表未能落盘, 墓碑已无意义
			if err := os.Remove(path); err != nil {
				return errors.Wrapf(err, "remove orphan tombstone %s", fi.Name())
			}
			s.logger.Warn("Removed orphan tombstone", zap.String("table", name))
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read tombstone %s", name)
		}
		t := tombstone.New[K, F]()
		if err := t.UnmarshalBinary(data); err != nil {
			return errors.Wrapf(err, "load tombstone %s", name)
		}
		s.tombs[name] = t
	}
	return nil
}

// Flush 提交表异步落盘, 见 queue.AppendQueue.Offer
func (s *TableStorage[K, F, T, V]) Flush(ctx context.Context, tbl table.Table[K, F, T, V]) (string, <-chan error, error) {
	return s.queue.Offer(ctx, tbl)
}

// Get 返回应用了墓碑的表
func (s *TableStorage[K, F, T, V]) Get(name string) (table.Table[K, F, T, V], bool) {
	tbl, ok := s.queue.Get(name)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	t := s.tombs[name]
	s.mu.Unlock()
	if t.IsEmpty() {
		return tbl, true
	}
	return &tombstoned[K, F, T, V]{inner: tbl, tomb: t}, true
}

func (s *TableStorage[K, F, T, V]) Remove(name string) error {
	s.mu.Lock()
	delete(s.tombs, name)
	s.mu.Unlock()
	if err := os.Remove(s.tombPath(name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove tombstone %s", name)
	}
	return s.queue.Remove(name)
}

// Delete 给指定的表追加墓碑并持久化
func (s *TableStorage[K, F, T, V]) Delete(names []string, a area.AreaSet[K, F]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		cur, ok := s.tombs[name]
		next := tombstone.New[K, F]()
		if ok {
			next.Merge(cur)
		}
		next.Delete(a)
		if err := s.persist(name, next); err != nil {
			return err
		}
		// 替换而不是原地修改, 已返回给查询的表不受影响
		s.tombs[name] = next
	}
	return nil
}

func (s *TableStorage[K, F, T, V]) persist(name string, t *tombstone.RangeTombstone[K, F]) error {
	data, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	path := s.tombPath(name)
	tmp := path + queue.TmpExt
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write tombstone %s", name)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename tombstone %s", name)
	}
	return nil
}

func (s *TableStorage[K, F, T, V]) tombPath(name string) string {
	return filepath.Join(s.queue.Dir(), name+tombExt)
}

func (s *TableStorage[K, F, T, V]) SetFailurePolicy(policy queue.Policy, retries int, backoff time.Duration) {
	s.queue.SetFailurePolicy(policy, retries, backoff)
}

func (s *TableStorage[K, F, T, V]) Names() []string {
	return s.queue.Names()
}

func (s *TableStorage[K, F, T, V]) Committed(name string) bool {
	return s.queue.Committed(name)
}

func (s *TableStorage[K, F, T, V]) Clear() error {
	s.mu.Lock()
	s.tombs = make(map[string]*tombstone.RangeTombstone[K, F])
	s.mu.Unlock()
	return s.queue.Clear()
}

func (s *TableStorage[K, F, T, V]) Close() error {
	return s.queue.Close()
}

// tombstoned 读取时屏蔽已删除数据的表视图
type tombstoned[K cmp.Ordered, F cmp.Ordered, T any, V any] struct {
	inner table.Table[K, F, T, V]
	tomb  *tombstone.RangeTombstone[K, F]
}

func (t *tombstoned[K, F, T, V]) Meta() table.Meta[K, F, T] {
	meta := t.inner.Meta()
	meta.Schema = tombstone.PlaybackSchema(t.tomb, meta.Schema)
	ranges := make(map[F]rangeset.Range[K], len(meta.Ranges))
	for f, r := range meta.Ranges {
		left := tombstone.PlaybackField(t.tomb, f, rangeset.Of(r))
		if span, ok := left.Span(); ok {
			ranges[f] = span
		}
	}
	meta.Ranges = ranges
	return meta
}

func (t *tombstoned[K, F, T, V]) Scan(fields []F, ranges *rangeset.RangeSet[K]) (scanner.Rows[K, F, V], error) {
	rows, err := t.inner.Scan(fields, ranges)
	if err != nil {
		return nil, err
	}
	return tombstone.Filter(t.tomb, rows), nil
}
