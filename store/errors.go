package store

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStoreIO 文件打开/读取/写入失败
	ErrStoreIO = errors.New("store io")
	// ErrSerialization 持久化内容或者网络负载格式错误
	ErrSerialization = errors.New("serialization")
	// ErrDuplicate 记录（按哈希）已经存在
	ErrDuplicate = errors.New("duplicate record")
)

// Error 带有错误类别的存储错误，可以用 errors.Is(err, ErrStoreIO) 判断类别。
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func ioError(op, path string, err error) error {
	return errors.WithStack(&Error{Kind: ErrStoreIO, Op: op, Path: path, Err: err})
}

func serializationError(op, path string, err error) error {
	return errors.WithStack(&Error{Kind: ErrSerialization, Op: op, Path: path, Err: err})
}
