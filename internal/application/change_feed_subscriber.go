package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/domain/service"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

// ChangeFeedSubscriber 消费权威存储的变更流，让本地缓存最终一致。
// 每次（重新）订阅后先加载全量快照，再应用增量事件。
type ChangeFeedSubscriber struct {
	store    out.StatusStore
	feed     out.ChangeFeed
	cache    *StatusCache
	clk      clock.PassiveClock
	retry    RetryConfig
	observer out.Observer
	logger   *zap.Logger

	// 低于该代数的事件来自断线前，直接丢弃
	minEpoch uint64

	readyOnce sync.Once
	ready     chan struct{}
}

// NewChangeFeedSubscriber 创建变更流订阅者
func NewChangeFeedSubscriber(
	store out.StatusStore,
	feed out.ChangeFeed,
	cache *StatusCache,
	clk clock.PassiveClock,
	retry RetryConfig,
	observer out.Observer,
	logger *zap.Logger,
) *ChangeFeedSubscriber {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = out.NopObserver{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &ChangeFeedSubscriber{
		store:    store,
		feed:     feed,
		cache:    cache,
		clk:      clk,
		retry:    retry,
		observer: observer,
		logger:   logger.Named("feed"),
		ready:    make(chan struct{}),
	}
}

// Ready 第一次快照加载完成后关闭
func (s *ChangeFeedSubscriber) Ready() <-chan struct{} {
	return s.ready
}

// Run 订阅、加载快照、应用增量，订阅断开后重来一遍
func (s *ChangeFeedSubscriber) Run(ctx context.Context) error {
	first := true
	for {
		sub, err := retryUntilDone(ctx, s.retry, s.logger, "subscribe change feed", func() (out.ChangeSubscription, error) {
			return s.feed.Subscribe(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscribe change feed: %w", err)
		}

		if !first {
			s.observer.FeedGap()
			s.logger.Info("change feed resubscribed, reloading snapshot")
		}
		first = false
		// 代数按订阅计算
		s.minEpoch = 0

		// 先订阅再读快照，快照期间的事件留在通道里，快照完成后按顺序应用
		if err := s.loadSnapshot(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = s.consume(ctx, sub)
		if cerr := sub.Close(); cerr != nil {
			s.logger.Warn("close change subscription", zap.Error(cerr))
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, apperr.ErrSubscriptionClosed) {
			s.logger.Warn("change subscription closed by transport", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
	}
}

func (s *ChangeFeedSubscriber) loadSnapshot(ctx context.Context) error {
	records, err := retryUntilDone(ctx, s.retry, s.logger, "load status snapshot", func() ([]*entity.UserStatusRecord, error) {
		return s.store.GetAllStatusRecords(ctx)
	})
	if err != nil {
		return fmt.Errorf("load status snapshot: %w", err)
	}

	s.applySnapshot(records)
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// applySnapshot 全量替换缓存，所有条目标记为已确认
func (s *ChangeFeedSubscriber) applySnapshot(records []*entity.UserStatusRecord) {
	entries := make([]entity.CacheEntry, 0, len(records))
	for _, rec := range records {
		if rec == nil || rec.UserID == "" {
			continue
		}
		entries = append(entries, service.ConfirmedEntry(rec))
	}
	s.cache.replaceAll(entries)
	s.observer.SnapshotLoaded(len(entries))
	s.logger.Debug("status snapshot applied", zap.Int("records", len(entries)))
}

// consume 应用增量事件，通道关闭时返回 ErrSubscriptionClosed 让上层重新订阅
func (s *ChangeFeedSubscriber) consume(ctx context.Context, sub out.ChangeSubscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return apperr.ErrSubscriptionClosed
			}
			if ev.Type == entity.ChangeResync {
				if err := s.resync(ctx, ev.Epoch); err != nil {
					return err
				}
				continue
			}
			s.apply(ev)
		}
	}
}

// resync 传输层重连：提高最小代数，快照加载完成前不应用任何增量
func (s *ChangeFeedSubscriber) resync(ctx context.Context, epoch uint64) error {
	if epoch > s.minEpoch {
		s.minEpoch = epoch
	}
	s.observer.FeedGap()
	s.logger.Info("change feed gap detected, reloading snapshot", zap.Uint64("epoch", epoch))
	return s.loadSnapshot(ctx)
}

// apply 应用单个增量事件。insert/update 无条件覆盖，包括本地用户的乐观值
func (s *ChangeFeedSubscriber) apply(ev entity.ChangeEvent) {
	if ev.Epoch < s.minEpoch {
		s.observer.EventDiscarded()
		s.logger.Debug("discard stale event", zap.String("userID", ev.UserID), zap.Uint64("epoch", ev.Epoch))
		return
	}

	switch ev.Type {
	case entity.ChangeInsert, entity.ChangeUpdate:
		if ev.Record == nil {
			s.logger.Warn("change event without record", zap.String("userID", ev.UserID))
			return
		}
		entry := service.ConfirmedEntry(ev.Record)
		old, existed := s.cache.applyConfirmed(entry)
		if existed && !old.Confirmed && !old.OptimisticAt.IsZero() {
			s.observer.EchoLatency(s.clk.Since(old.OptimisticAt))
			if old.Status != entry.Status {
				// 其他设备并发写入，回显总是胜出
				s.logger.Info("echo differs from optimistic value",
					zap.String("userID", entry.UserID),
					zap.String("optimistic", string(old.Status)),
					zap.String("authoritative", string(entry.Status)))
			}
		}
	case entity.ChangeDelete:
		userID := ev.UserID
		if userID == "" && ev.Record != nil {
			userID = ev.Record.UserID
		}
		s.cache.remove(userID)
	default:
		s.logger.Warn("unknown change event", zap.String("type", string(ev.Type)))
	}
}
