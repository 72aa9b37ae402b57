// pkg/storage/errors.go
package storage

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrStorage 所有从DB返回的错误都带有该标记
	ErrStorage = errors.New("storage error")
	// ErrSchemaIntegrity 字段未声明类型或类型冲突
	ErrSchemaIntegrity = errors.New("schema integrity violation")
	// ErrInterrupted 等待提交或落盘许可时被取消
	ErrInterrupted = errors.New("interrupted")
	// ErrFailed 落盘失败策略为fail时实例进入失败状态
	ErrFailed = errors.New("instance failed")
	ErrClosed = errors.New("db closed")
)

// wrap 把下层错误归入存储错误族
func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return errors.Wrap(err, msg)
	}
	err = errors.Wrap(err, msg)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = errors.Mark(err, ErrInterrupted)
	}
	return errors.Mark(err, ErrStorage)
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func schemaError(format string, args ...interface{}) error {
	return errors.Mark(errors.Mark(errors.Newf(format, args...), ErrSchemaIntegrity), ErrStorage)
}
