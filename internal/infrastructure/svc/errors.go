package svc

import "errors"

// ErrNoSourcesEnabled 错误：没有启用任何交易所
var ErrNoSourcesEnabled = errors.New("no exchange sources enabled")

// ErrNoFeedsEnabled 错误：没有可用的实时推送
var ErrNoFeedsEnabled = errors.New("no exchange feeds enabled")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
