package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 指定时间点之前没有资金费率记录
	ErrNotFound = errors.New("funding observation not found")

	// ErrNotAvailable 某币种在该时间点少于两个交易所有数据
	ErrNotAvailable = errors.New("spread not available")

	// ErrDuplicateTimestamp 同一序列中出现重复时间戳
	ErrDuplicateTimestamp = errors.New("duplicate observation timestamp")

	// ErrInvalidConfiguration 配置非法，启动时即失败
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnknownExchange 费率表中没有该交易所
	ErrUnknownExchange = errors.New("unknown exchange")

	// ErrInvalidObservation 资金费率记录字段缺失或非法
	ErrInvalidObservation = errors.New("invalid funding observation")
)

// DuplicateTimestampError carries the series key of a rejected insert.
type DuplicateTimestampError struct {
	Exchange   string
	Instrument string
	Timestamp  time.Time
}

func (e *DuplicateTimestampError) Error() string {
	return fmt.Sprintf("%s %s at %s: %v", e.Exchange, e.Instrument, e.Timestamp.UTC().Format(time.RFC3339), ErrDuplicateTimestamp)
}

func (e *DuplicateTimestampError) Unwrap() error { return ErrDuplicateTimestamp }
