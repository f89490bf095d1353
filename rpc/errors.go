package rpc

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/treeforest/easymesh/registry"
	"github.com/treeforest/easymesh/store"
)

var (
	// ErrAddressParse 节点地址格式错误，只影响本次调用
	ErrAddressParse = registry.ErrAddressParse
	// ErrTransport 连接被拒绝、重置或者超时
	ErrTransport = errors.New("transport")
	// ErrRemote 对端执行失败并返回了错误
	ErrRemote = errors.New("remote")
	// ErrSerialization 对端返回的数据无法解析
	ErrSerialization = store.ErrSerialization
)

// Error 一次 RPC 调用的错误
type Error struct {
	Kind   error
	Method string
	Peer   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", e.Kind, e.Method, e.Peer, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func newError(kind error, method, peer string, err error) error {
	return errors.WithStack(&Error{Kind: kind, Method: method, Peer: peer, Err: err})
}
