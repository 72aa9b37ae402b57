// pkg/config/config.go
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath   = "config/onetierdb.yaml"
	EnvConfigPath = "ONETIERDB_CONFIG"
)

type LogConfig struct {
	RunDir    string `yaml:"run_dir"`
	BackupDir string `yaml:"backup_dir"`
	Level     string `yaml:"level"`
	MaxSize   int    `yaml:"max_size"` // MB
	MaxBackup int    `yaml:"max_backups"`
	MaxAge    int    `yaml:"max_age"` // days
}

type StorageConfig struct {
	WriteBufferSize    int64         `yaml:"write_buffer_size"` // bytes
	WriteBufferTimeout time.Duration `yaml:"write_buffer_timeout"`
	WriteBatchSize     int64         `yaml:"write_batch_size"` // bytes
	FlushPermits       int           `yaml:"flush_permits"`
	FlushOnClose       bool          `yaml:"flush_on_close"`
	FlushFailurePolicy string        `yaml:"flush_failure_policy"` // log|retry|fail
	FlushRetries       int           `yaml:"flush_retries"`
	FlushBackoff       time.Duration `yaml:"flush_backoff"`
}

type ServerConfig struct {
	GRPCPort string        `yaml:"grpc_port"`
	HTTPAddr string        `yaml:"http_addr"`
	DataDir  string        `yaml:"data_dir"`
	Log      LogConfig     `yaml:"log"`
	Storage  StorageConfig `yaml:"storage"`
}

func Default() ServerConfig {
	return ServerConfig{
		GRPCPort: "9090",
		HTTPAddr: ":8080",
		DataDir:  "/opt/onetierdb/data",
		Log: LogConfig{
			RunDir:    "/var/log/onetierdb/run",
			BackupDir: "/var/log/onetierdb/bak",
			Level:     "info",
			MaxSize:   100,
			MaxBackup: 30,
			MaxAge:    90,
		},
		Storage: StorageConfig{
			WriteBufferSize:    64 << 20, // 64MB
			WriteBufferTimeout: 10 * time.Second,
			WriteBatchSize:     1 << 20,
			FlushPermits:       4,
			FlushOnClose:       true,
			FlushFailurePolicy: "log",
			FlushRetries:       3,
			FlushBackoff:       100 * time.Millisecond,
		},
	}
}

// ResolvePath 优先使用环境变量(可来自.env文件)指定的配置路径
func ResolvePath() string {
	_ = godotenv.Load()
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// LoadConfig 读取yaml配置, 未填写的项使用默认值
func LoadConfig(path string, logger *zap.Logger) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Loaded server config.",
		zap.String("config_path", path),
		zap.Any("config", cfg),
	)
	return &cfg, nil
}

func (c StorageConfig) Validate() error {
	if c.WriteBufferSize <= 0 {
		return errors.New("write_buffer_size must be positive")
	}
	if c.WriteBatchSize <= 0 {
		return errors.New("write_batch_size must be positive")
	}
	if c.FlushPermits <= 0 {
		return errors.New("flush_permits must be positive")
	}
	if c.FlushRetries < 0 {
		return errors.New("flush_retries must not be negative")
	}
	switch c.FlushFailurePolicy {
	case "", "log", "retry", "fail":
	default:
		return errors.Newf("unknown flush_failure_policy %q", c.FlushFailurePolicy)
	}
	return nil
}
