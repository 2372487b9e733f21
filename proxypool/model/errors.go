package model

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted 表示池为空或全部代理已死。
	ErrPoolExhausted = errors.New("no proxy available")
	// ErrUnknownProxy is returned when an operation names an ID the store does not hold.
	ErrUnknownProxy = errors.New("unknown proxy id")
	// ErrStorageIO 表示代理文件路径或权限有问题，属于部署配置错误而非网络抖动。
	ErrStorageIO = errors.New("proxy storage i/o error")
	// ErrFetchBackend wraps any failure of the acquisition backend.
	ErrFetchBackend = errors.New("fetch backend error")
)

// ParseError 描述一条无法解析的代理字符串。它总是可恢复的：该条目被跳过。
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid proxy %q: %s", e.Raw, e.Reason)
}
