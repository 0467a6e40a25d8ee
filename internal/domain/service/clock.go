package service

import (
	"fmt"
	"sync"
	"time"

	"fundarb/internal/domain/model"
)

// DefaultPropagationDelay 资金费结算后到策略可见之间的延迟
const DefaultPropagationDelay = 120 * time.Second

// ExecutionClock 将回测的当前时间换算为决策时间（当前时间 - 传播延迟）
// 所有对 FundingStore / SpreadEngine 的查询都必须使用决策时间，防止前视偏差
type ExecutionClock struct {
	mu    sync.Mutex
	delay time.Duration
	last  time.Time
}

func NewExecutionClock(delay time.Duration) (*ExecutionClock, error) {
	if delay < 0 {
		return nil, fmt.Errorf("%w: propagation delay %s must be >= 0", model.ErrInvalidConfiguration, delay)
	}
	return &ExecutionClock{delay: delay}, nil
}

func (c *ExecutionClock) Delay() time.Duration { return c.delay }

// DecisionTime is pure: now minus the propagation delay.
func (c *ExecutionClock) DecisionTime(now time.Time) time.Time {
	return now.Add(-c.delay)
}

// Advance moves the cursor to now and returns the decision time. Time must
// move strictly forward; going backwards is a programming error.
func (c *ExecutionClock) Advance(now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.last.IsZero() && !now.After(c.last) {
		panic(fmt.Sprintf("execution clock: step %s is not after %s", now.UTC().Format(time.RFC3339), c.last.UTC().Format(time.RFC3339)))
	}
	c.last = now
	return c.DecisionTime(now)
}

// Now is the last time passed to Advance.
func (c *ExecutionClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
