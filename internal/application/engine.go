package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/in"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// EngineConfig 引擎配置
type EngineConfig struct {
	Activity ActivityConfig `mapstructure:"activity"`
	Mutator  MutatorConfig  `mapstructure:"mutator"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Activity: DefaultActivityConfig(),
		Mutator:  DefaultMutatorConfig(),
		Retry:    DefaultRetryConfig(),
	}
}

// Deps 引擎依赖的外部协作方
type Deps struct {
	Store    out.StatusStore
	Feed     out.ChangeFeed
	Presence out.PresenceTransport // 可为 nil，此时不跟踪在线成员
}

// Option 引擎可选项
type Option func(*Engine)

func WithClock(clk clock.WithTicker) Option {
	return func(e *Engine) { e.clk = clk }
}

func WithObserver(o out.Observer) Option {
	return func(e *Engine) { e.observer = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine 状态同步引擎，显式创建并通过依赖注入传递，不存在全局实例
type Engine struct {
	store    out.StatusStore
	clk      clock.WithTicker
	observer out.Observer
	logger   *zap.Logger

	session    *Session
	cache      *StatusCache
	tracker    *ActivityTracker
	presence   *PresenceChannel
	subscriber *ChangeFeedSubscriber
	mutator    *StatusMutator
}

var (
	_ in.StatusEngine = (*Engine)(nil)
	_ in.StatusReader = (*Engine)(nil)
)

// NewEngine 创建引擎
func NewEngine(deps Deps, cfg EngineConfig, opts ...Option) *Engine {
	e := &Engine{
		store:    deps.Store,
		clk:      clock.RealClock{},
		observer: out.NopObserver{},
		logger:   zap.L(),
		session:  NewSession(),
		cache:    NewStatusCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("statussync")

	e.tracker = NewActivityTracker(cfg.Activity, e.clk, deps.Store, e.session, e.observer, e.logger)
	e.subscriber = NewChangeFeedSubscriber(deps.Store, deps.Feed, e.cache, e.clk, cfg.Retry, e.observer, e.logger)
	e.mutator = NewStatusMutator(cfg.Mutator, cfg.Retry, deps.Store, e.cache, e.session, e.clk, e.observer, e.logger)
	if deps.Presence != nil {
		e.presence = NewPresenceChannel(deps.Presence, e.session, e.clk, cfg.Retry, e.observer, e.logger)
	}
	return e
}

// SignIn 外部认证完成后设置本地用户；首次登录时创建默认状态记录
func (e *Engine) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("sign in: empty user id")
	}
	if _, err := e.store.EnsureStatusRecord(ctx, userID); err != nil {
		return fmt.Errorf("ensure status record: %w", err)
	}
	e.session.SignIn(userID)
	e.tracker.Touch()
	if e.presence != nil {
		e.presence.Rejoin()
	}
	e.logger.Info("signed in", zap.String("userID", userID))
	return nil
}

// SignOut 清除本地用户，之后不再发送心跳
func (e *Engine) SignOut() {
	e.session.SignOut()
	if e.presence != nil {
		e.presence.Rejoin()
	}
}

// Run 启动变更订阅、在线频道和活跃度追踪，ctx 结束时全部退出
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.subscriber.Run(gctx) })
	g.Go(func() error { return e.tracker.Run(gctx) })
	if e.presence != nil {
		g.Go(func() error { return e.presence.Run(gctx) })
	}

	return g.Wait()
}

// Ready 第一次快照加载完成后关闭
func (e *Engine) Ready() <-chan struct{} {
	return e.subscriber.Ready()
}

func (e *Engine) CurrentUser() (string, bool) {
	return e.session.CurrentUser()
}

// GetEffectiveStatus 缓存读取，未知用户为 offline
func (e *Engine) GetEffectiveStatus(userID string) entity.StatusValue {
	if entry, ok := e.cache.Get(userID); ok {
		return entry.Status
	}
	return entity.StatusOffline
}

// SetMyStatus 见 StatusMutator
func (e *Engine) SetMyStatus(ctx context.Context, status entity.StatusValue) error {
	return e.mutator.SetMyStatus(ctx, status)
}

func (e *Engine) IsUserConnected(userID string) bool {
	if e.presence == nil {
		return false
	}
	return e.presence.IsConnected(userID)
}

func (e *Engine) Describe(userID string) entity.UserView {
	entry, known := e.cache.Get(userID)
	view := entity.UserView{
		UserID:    userID,
		Status:    entity.StatusOffline,
		Known:     known,
		Connected: e.IsUserConnected(userID),
	}
	if known {
		view.Status = entry.Status
		view.Confirmed = entry.Confirmed
	}
	return view
}

func (e *Engine) OnChange(fn func(entity.StatusChange)) func() {
	return e.cache.OnChange(fn)
}

func (e *Engine) Observe(ev entity.InteractionEvent) {
	e.tracker.Observe(ev)
}

// Snapshot 当前缓存的拷贝
func (e *Engine) Snapshot() map[string]entity.CacheEntry {
	return e.cache.Snapshot()
}

// OnlineMembers 当前在线成员
func (e *Engine) OnlineMembers() []string {
	if e.presence == nil {
		return nil
	}
	return e.presence.Members()
}

// LocallyActive 本地用户是否仍在活跃阈值内
func (e *Engine) LocallyActive() bool {
	return e.tracker.IsActive()
}
