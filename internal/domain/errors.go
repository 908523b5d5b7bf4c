package domain

import "errors"

// 邮箱引擎的错误分类，调用方通过 errors.Is 判断。
var (
	ErrMailboxNotFound     = errors.New("mailbox not found")
	ErrMailboxExpired      = errors.New("mailbox expired")
	ErrMailboxExists       = errors.New("mailbox id already exists")
	ErrParseFailure        = errors.New("malformed message payload")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrListenerTransport   = errors.New("listener transport error")
	ErrAllocationExhausted = errors.New("mailbox allocation retries exhausted")
)
