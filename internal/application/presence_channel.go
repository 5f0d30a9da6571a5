package application

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// PresenceChannel 维护传输层在线成员集合，与状态语义无关。
// 集合不持久化，每次加入频道都从 sync 事件重建。
type PresenceChannel struct {
	transport out.PresenceTransport
	identity  out.IdentityProvider
	clk       clock.PassiveClock
	retry     RetryConfig
	observer  out.Observer
	logger    *zap.Logger

	mu      sync.RWMutex
	members map[string]struct{}
	joined  bool

	// 身份变化后需要以新身份重新加入
	rejoin chan struct{}
}

// NewPresenceChannel 创建在线成员频道
func NewPresenceChannel(
	transport out.PresenceTransport,
	identity out.IdentityProvider,
	clk clock.PassiveClock,
	retry RetryConfig,
	observer out.Observer,
	logger *zap.Logger,
) *PresenceChannel {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = out.NopObserver{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &PresenceChannel{
		transport: transport,
		identity:  identity,
		clk:       clk,
		retry:     retry,
		observer:  observer,
		logger:    logger.Named("presence"),
		members:   make(map[string]struct{}),
		rejoin:    make(chan struct{}, 1),
	}
}

// Rejoin 要求以当前身份重新加入频道
func (p *PresenceChannel) Rejoin() {
	select {
	case p.rejoin <- struct{}{}:
	default:
	}
}

// IsConnected 用户当前是否在线（持有传输连接）
func (p *PresenceChannel) IsConnected(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.members[userID]
	return ok
}

// Members 当前在线成员，按字典序
func (p *PresenceChannel) Members() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.members))
	for id := range p.members {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Joined 当前是否处于已加入频道的状态
func (p *PresenceChannel) Joined() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.joined
}

// Run 加入频道并持续消费事件；订阅断开后带退避重新加入
func (p *PresenceChannel) Run(ctx context.Context) error {
	for {
		sub, err := retryUntilDone(ctx, p.retry, p.logger, "join presence channel", func() (out.PresenceSubscription, error) {
			return p.transport.Join(ctx, p.meta())
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		p.setJoined(true)
		p.consume(ctx, sub)
		if err := sub.Close(); err != nil {
			p.logger.Warn("close presence subscription", zap.Error(err))
		}
		p.setJoined(false)

		if ctx.Err() != nil {
			return nil
		}
		p.logger.Info("presence subscription ended, rejoining")
	}
}

func (p *PresenceChannel) meta() entity.PresenceMeta {
	userID, _ := p.identity.CurrentUser()
	return entity.PresenceMeta{
		UserID:      userID,
		ConnID:      uuid.NewString(),
		ConnectedAt: p.clk.Now(),
	}
}

func (p *PresenceChannel) consume(ctx context.Context, sub out.PresenceSubscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.rejoin:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			p.apply(ev)
		}
	}
}

// apply sync 全量替换，join 增加，leave 删除
func (p *PresenceChannel) apply(ev entity.PresenceEvent) {
	p.mu.Lock()
	switch ev.Type {
	case entity.PresenceSync:
		next := make(map[string]struct{}, len(ev.UserIDs))
		for _, id := range ev.UserIDs {
			next[id] = struct{}{}
		}
		p.members = next
	case entity.PresenceJoin:
		for _, id := range ev.UserIDs {
			p.members[id] = struct{}{}
		}
	case entity.PresenceLeave:
		for _, id := range ev.UserIDs {
			delete(p.members, id)
		}
	default:
		p.logger.Warn("unknown presence event", zap.String("type", string(ev.Type)))
	}
	n := len(p.members)
	p.mu.Unlock()

	p.observer.PresenceSize(n)
}

func (p *PresenceChannel) setJoined(v bool) {
	p.mu.Lock()
	p.joined = v
	p.mu.Unlock()
}
