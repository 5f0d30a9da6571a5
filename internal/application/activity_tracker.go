package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// ActivityConfig 活跃度上报配置
type ActivityConfig struct {
	DebounceWindow      time.Duration `mapstructure:"debounce_window"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	PointerThrottle     time.Duration `mapstructure:"pointer_throttle"`
	AssertTimeout       time.Duration `mapstructure:"assert_timeout"`
}

// DefaultActivityConfig 默认配置
func DefaultActivityConfig() ActivityConfig {
	return ActivityConfig{
		DebounceWindow:      5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		InactivityThreshold: 5 * time.Minute,
		PointerThrottle:     time.Second,
		AssertTimeout:       10 * time.Second,
	}
}

// ActivityTracker 观察本地交互，按节奏向权威存储上报“我在线”。
// 它只提供参考信号，被动状态最终由服务端的超时任务决定。
type ActivityTracker struct {
	cfg      ActivityConfig
	clk      clock.WithTicker
	asserter out.ActivityAsserter
	identity out.IdentityProvider
	observer out.Observer
	logger   *zap.Logger

	mu                sync.Mutex
	lastLocalActivity time.Time
	lastAttemptAt     time.Time
	lastAssertAt      time.Time
	lastPointerEval   time.Time
	active            bool
	forcePending      bool

	// 容量为 1，多次请求合并成一次上报
	requests chan struct{}
}

// NewActivityTracker 创建活跃度追踪器
func NewActivityTracker(
	cfg ActivityConfig,
	clk clock.WithTicker,
	asserter out.ActivityAsserter,
	identity out.IdentityProvider,
	observer out.Observer,
	logger *zap.Logger,
) *ActivityTracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = out.NopObserver{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &ActivityTracker{
		cfg:      cfg,
		clk:      clk,
		asserter: asserter,
		identity: identity,
		observer: observer,
		logger:   logger.Named("activity"),
		requests: make(chan struct{}, 1),
	}
}

// Observe 处理一个交互事件
func (t *ActivityTracker) Observe(ev entity.InteractionEvent) {
	if !ev.Kind.Qualifies() {
		return
	}
	now := t.clk.Now()

	t.mu.Lock()
	if ev.Kind == entity.InteractionPointerMove {
		if !t.lastPointerEval.IsZero() && now.Sub(t.lastPointerEval) < t.cfg.PointerThrottle {
			t.mu.Unlock()
			return
		}
		t.lastPointerEval = now
	}
	t.lastLocalActivity = now
	t.active = true

	force := ev.Kind.ForcesAssertion()
	due := t.lastAttemptAt.IsZero() || now.Sub(t.lastAttemptAt) > t.cfg.DebounceWindow
	t.mu.Unlock()

	if force || due {
		t.request(force)
	}
}

// Touch 标记为活跃并立即上报，客户端启动或登录时调用
func (t *ActivityTracker) Touch() {
	t.mu.Lock()
	t.lastLocalActivity = t.clk.Now()
	t.active = true
	t.mu.Unlock()
	t.request(true)
}

// IsActive 本地用户在不活跃阈值内是否有过交互
func (t *ActivityTracker) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// LastAssertAt 最近一次成功上报的时间
func (t *ActivityTracker) LastAssertAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAssertAt
}

func (t *ActivityTracker) request(force bool) {
	if force {
		t.mu.Lock()
		t.forcePending = true
		t.mu.Unlock()
	}
	select {
	case t.requests <- struct{}{}:
	default:
	}
}

// Run 驱动定时上报，ctx 结束时停止计时器并返回
func (t *ActivityTracker) Run(ctx context.Context) error {
	ticker := t.clk.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.requests:
			t.flush(ctx)
		case <-ticker.C():
			t.handleTick(ctx)
		}
	}
}

// flush 处理被合并的上报请求
func (t *ActivityTracker) flush(ctx context.Context) {
	now := t.clk.Now()

	t.mu.Lock()
	force := t.forcePending
	t.forcePending = false
	// 同一个防抖窗口内已经发过一次，除非是强制上报
	if !force && !t.lastAttemptAt.IsZero() && now.Sub(t.lastAttemptAt) <= t.cfg.DebounceWindow {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.assert(ctx, now)
}

// handleTick 定时器触发：不活跃超过阈值就停止上报
func (t *ActivityTracker) handleTick(ctx context.Context) {
	now := t.clk.Now()

	t.mu.Lock()
	if t.lastLocalActivity.IsZero() || now.Sub(t.lastLocalActivity) > t.cfg.InactivityThreshold {
		if t.active {
			t.logger.Debug("local user inactive, heartbeats paused",
				zap.Duration("idle", now.Sub(t.lastLocalActivity)))
		}
		t.active = false
		t.mu.Unlock()
		return
	}
	// 事件驱动的上报刚发过，这个周期不再重复
	if !t.lastAttemptAt.IsZero() && now.Sub(t.lastAttemptAt) < t.cfg.DebounceWindow {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.assert(ctx, now)
}

func (t *ActivityTracker) assert(ctx context.Context, now time.Time) {
	userID, ok := t.identity.CurrentUser()
	if !ok {
		return
	}

	t.mu.Lock()
	t.lastAttemptAt = now
	t.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, t.cfg.AssertTimeout)
	defer cancel()

	if err := t.asserter.AssertActivity(actx, userID); err != nil {
		// 失败只记录，下一个周期自然重试
		t.observer.HeartbeatFailed()
		t.logger.Warn("assert activity failed", zap.String("userID", userID), zap.Error(err))
		return
	}

	t.mu.Lock()
	t.lastAssertAt = now
	t.mu.Unlock()
	t.observer.HeartbeatSent()
}
