// pkg/storage/engine.go
package storage

import (
	"cmp"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/imReese/onetierdb/pkg/config"
	"github.com/imReese/onetierdb/pkg/queue"
	"github.com/imReese/onetierdb/pkg/table"
)

// Config 运行期可热更新的引擎参数
type Config struct {
	WriteBufferSize    int64         // 超过后触发full提交
	WriteBufferTimeout time.Duration // 缓冲脏数据的最长停留时间, <=0表示每次写入后检查
	WriteBatchSize     int64         // 单批写入缓冲的字节数
	FlushOnClose       bool
	FlushFailurePolicy queue.Policy
	FlushRetries       int
	FlushBackoff       time.Duration
}

var DefaultConfig = Config{
	WriteBufferSize:    64 << 20, // 64MB
	WriteBufferTimeout: 10 * time.Second,
	WriteBatchSize:     1 << 20,
	FlushOnClose:       true,
	FlushFailurePolicy: queue.PolicyLog,
	FlushRetries:       3,
	FlushBackoff:       100 * time.Millisecond,
}

func (c Config) Validate() error {
	if c.WriteBufferSize <= 0 {
		return errors.New("write buffer size must be positive")
	}
	if c.WriteBatchSize <= 0 {
		return errors.New("write batch size must be positive")
	}
	if _, err := queue.ParsePolicy(string(c.FlushFailurePolicy)); err != nil {
		return err
	}
	return nil
}

// ConfigFrom 由配置文件的storage段构造引擎参数
func ConfigFrom(sc config.StorageConfig) (Config, error) {
	policy, err := queue.ParsePolicy(sc.FlushFailurePolicy)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		WriteBufferSize:    sc.WriteBufferSize,
		WriteBufferTimeout: sc.WriteBufferTimeout,
		WriteBatchSize:     sc.WriteBatchSize,
		FlushOnClose:       sc.FlushOnClose,
		FlushFailurePolicy: policy,
		FlushRetries:       sc.FlushRetries,
		FlushBackoff:       sc.FlushBackoff,
	}
	return cfg, cfg.Validate()
}

// Sizer 估算一个单元格占用的字节数
type Sizer[K cmp.Ordered, F cmp.Ordered, V any] func(k K, f F, v V) int64

// DefaultSizer 定长部分按内存布局计算, 字符串和字节切片加上内容长度
func DefaultSizer[K cmp.Ordered, F cmp.Ordered, V any](k K, f F, v V) int64 {
	n := int64(unsafe.Sizeof(k)) + int64(unsafe.Sizeof(f)) + int64(unsafe.Sizeof(v))
	for _, x := range []any{k, f, v} {
		switch x := x.(type) {
		case string:
			n += int64(len(x))
		case []byte:
			n += int64(len(x))
		}
	}
	return n
}

type options[K cmp.Ordered, F cmp.Ordered, T comparable, V any] struct {
	rw    table.ReadWriter[K, F, T, V]
	sizer Sizer[K, F, V]
}

type Option[K cmp.Ordered, F cmp.Ordered, T comparable, V any] func(*options[K, F, T, V])

// WithReadWriter 替换表文件编码, 默认为GobReadWriter
func WithReadWriter[K cmp.Ordered, F cmp.Ordered, T comparable, V any](rw table.ReadWriter[K, F, T, V]) Option[K, F, T, V] {
	return func(o *options[K, F, T, V]) {
		o.rw = rw
	}
}

func WithSizer[K cmp.Ordered, F cmp.Ordered, T comparable, V any](sizer Sizer[K, F, V]) Option[K, F, T, V] {
	return func(o *options[K, F, T, V]) {
		o.sizer = sizer
	}
}
