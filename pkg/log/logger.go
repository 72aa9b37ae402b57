// pkg/log/logger.go
package log

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/imReese/onetierdb/pkg/config"
)

const (
	logFileName = "onetierdb.log"
	// 替换输出文件后, 旧文件延迟关闭, 等待进行中的写入
	retireDelay = time.Second
)

// output 一份输出文件及写入它的core
type output struct {
	core zapcore.Core
	file *lumberjack.Logger
	cfg  config.LogConfig // 仅文件相关的字段, Level为空
}

// Logger 支持热更新的日志. Zap()返回的logger以及由它With/Named派生的logger
// 都经过同一个swapCore, Reload之后立即使用新的级别和输出文件.
type Logger struct {
	level zap.AtomicLevel
	out   atomic.Pointer[output]
	mu    sync.Mutex
	zap   *zap.Logger
}

func New(cfg config.LogConfig) (*Logger, error) {
	level, err := checkConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log config")
	}
	l := &Logger{level: zap.NewAtomicLevelAt(level)}
	out, err := l.open(cfg)
	if err != nil {
		return nil, err
	}
	l.out.Store(out)
	l.zap = zap.New(&swapCore{l: l}, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return l, nil
}

func (l *Logger) Zap() *zap.Logger { return l.zap }

func (l *Logger) Level() zapcore.Level { return l.level.Level() }

// Reload 应用新的日志配置. 只改级别时不重新打开文件.
func (l *Logger) Reload(cfg config.LogConfig) error {
	level, err := checkConfig(cfg)
	if err != nil {
		return errors.Wrap(err, "invalid log config")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.out.Load()
	if fileSettings(cfg) != prev.cfg {
		next, err := l.open(cfg)
		if err != nil {
			return err
		}
		l.out.Store(next)
		time.AfterFunc(retireDelay, func() {
			_ = prev.core.Sync()
			_ = prev.file.Close()
		})
	}
	l.level.SetLevel(level)
	return nil
}

func (l *Logger) Close() error {
	out := l.out.Load()
	return errors.CombineErrors(out.core.Sync(), out.file.Close())
}

func (l *Logger) open(cfg config.LogConfig) (*output, error) {
	for _, dir := range []string{cfg.RunDir, cfg.BackupDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %s", dir)
		}
	}
	file := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.RunDir, logFileName),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackup,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
		LocalTime:  true,
	}
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "time"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder
	return &output{
		core: zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), l.level),
		file: file,
		cfg:  fileSettings(cfg),
	}, nil
}

func fileSettings(cfg config.LogConfig) config.LogConfig {
	cfg.Level = ""
	return cfg
}

func checkConfig(cfg config.LogConfig) (zapcore.Level, error) {
	switch {
	case cfg.RunDir == "" || cfg.BackupDir == "":
		return 0, errors.New("run_dir and backup_dir are required")
	case cfg.MaxSize < 1 || cfg.MaxSize > 1024:
		return 0, errors.Newf("max_size %d out of range [1, 1024] MB", cfg.MaxSize)
	case cfg.MaxBackup < 0 || cfg.MaxBackup > 100:
		return 0, errors.Newf("max_backups %d out of range [0, 100]", cfg.MaxBackup)
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return 0, errors.Wrapf(err, "level %q", cfg.Level)
	}
	return level, nil
}

// swapCore 每次写入时取当前的输出, 携带With追加的字段
type swapCore struct {
	l      *Logger
	fields []zapcore.Field
}

func (c *swapCore) Enabled(lvl zapcore.Level) bool {
	return c.l.level.Enabled(lvl)
}

func (c *swapCore) Level() zapcore.Level {
	return c.l.level.Level()
}

func (c *swapCore) With(fields []zapcore.Field) zapcore.Core {
	return &swapCore{l: c.l, fields: append(slices.Clip(c.fields), fields...)}
}

func (c *swapCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *swapCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if len(c.fields) > 0 {
		fields = append(slices.Clip(c.fields), fields...)
	}
	return c.l.out.Load().core.Write(ent, fields)
}

func (c *swapCore) Sync() error {
	return c.l.out.Load().core.Sync()
}
