package embedding

import (
	"context"
	"sync"
	"time"
)

const (
	// 全局限流退避基准与上限
	rateLimitBaseDelay = 5 * time.Second
	rateLimitMaxDelay  = 300 * time.Second
	// 两次 429 间隔超过该窗口则重置连续计数
	consecutiveWindow = 60 * time.Second
)

// Coordinator 跨 Client 实例共享的限流状态。
// 任一请求收到 429 后，所有共享同一 Coordinator 的实例
// 在退避窗口内都会延后发起新请求。
type Coordinator struct {
	mu sync.Mutex

	rateLimitedUntil  time.Time
	consecutiveErrors int
	lastErrorAt       time.Time

	baseDelay time.Duration
	now       func() time.Time
}

// NewCoordinator 创建独立的限流协调器
func NewCoordinator() *Coordinator {
	return &Coordinator{baseDelay: rateLimitBaseDelay, now: time.Now}
}

// NoteRateLimit 记录一次 429。连续命中时退避按指数增长：
// 5s、10s、20s…上限 300s；距上次命中超过 60s 则从头计。
func (c *Coordinator) NoteRateLimit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastErrorAt) > consecutiveWindow {
		c.consecutiveErrors = 0
	}
	c.consecutiveErrors++
	c.lastErrorAt = now

	// 逐步翻倍，到达上限即停，连续计数很大时不会溢出
	delay := c.baseDelay
	for i := 1; i < c.consecutiveErrors && delay < rateLimitMaxDelay; i++ {
		delay *= 2
	}
	if delay > rateLimitMaxDelay {
		delay = rateLimitMaxDelay
	}

	until := now.Add(delay)
	if until.After(c.rateLimitedUntil) {
		c.rateLimitedUntil = until
	}
}

// Delay 返回全局退避的剩余时长，未处于退避期时为 0
func (c *Coordinator) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	remaining := c.rateLimitedUntil.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Wait 阻塞到全局退避结束，可被 context 取消
func (c *Coordinator) Wait(ctx context.Context) error {
	delay := c.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	defaultCoordinator     *Coordinator
	defaultCoordinatorOnce sync.Once
)

// DefaultCoordinator 返回进程级共享的协调器
func DefaultCoordinator() *Coordinator {
	defaultCoordinatorOnce.Do(func() {
		defaultCoordinator = NewCoordinator()
	})
	return defaultCoordinator
}
