package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// RelayConfig 发件箱投递配置
type RelayConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	CleanupAfter    time.Duration `mapstructure:"cleanup_after"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DefaultRelayConfig 默认配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:    100 * time.Millisecond,
		BatchSize:       100,
		MaxRetries:      5,
		CleanupAfter:    24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Relay 把发件箱里的状态变更按写入顺序发布出去。
// 只跑一个实例，一条失败就停止本批次，保证同一用户的事件不乱序。
type Relay struct {
	cfg       RelayConfig
	repo      out.OutboxRepository
	publisher out.ChangePublisher
	clk       clock.WithTicker
	logger    *zap.Logger
}

// NewRelay 创建发件箱投递器
func NewRelay(cfg RelayConfig, repo out.OutboxRepository, publisher out.ChangePublisher, clk clock.WithTicker, logger *zap.Logger) *Relay {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Relay{cfg: cfg, repo: repo, publisher: publisher, clk: clk, logger: logger.Named("outbox")}
}

// Run 轮询直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	poll := r.clk.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	cleanup := r.clk.NewTicker(r.cfg.CleanupInterval)
	defer cleanup.Stop()

	r.logger.Info("outbox relay started", zap.Duration("pollInterval", r.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-poll.C():
			if _, err := r.ProcessBatch(ctx); err != nil {
				r.logger.Warn("process outbox batch", zap.Error(err))
			}
		case <-cleanup.C():
			if err := r.cleanup(ctx); err != nil {
				r.logger.Warn("cleanup outbox", zap.Error(err))
			}
		}
	}
}

// ProcessBatch 处理一批待发布事件，返回处理完成的条数
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	events, err := r.repo.GetPendingEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("get pending events: %w", err)
	}

	published := 0
	for _, event := range events {
		if err := r.processEvent(ctx, event); err != nil {
			return published, fmt.Errorf("event %d: %w", event.ID, err)
		}
		published++
	}
	return published, nil
}

func (r *Relay) processEvent(ctx context.Context, event *out.OutboxEvent) error {
	var change entity.ChangeEvent
	if err := json.Unmarshal(event.Payload, &change); err != nil {
		// 坏数据不会自愈，直接标记失败并跳过
		r.logger.Warn("malformed outbox payload", zap.Uint64("eventID", event.ID), zap.Error(err))
		return r.repo.MarkAsFailed(ctx, event.ID, err.Error())
	}

	if err := r.publisher.PublishChange(ctx, change); err != nil {
		if incrErr := r.repo.IncrRetryCount(ctx, event.ID); incrErr != nil {
			r.logger.Warn("incr retry count failed", zap.Error(incrErr))
		}
		if event.RetryCount+1 >= r.cfg.MaxRetries {
			// 放弃这条，订阅方在下次重新订阅时会从快照纠正
			if markErr := r.repo.MarkAsFailed(ctx, event.ID, err.Error()); markErr != nil {
				r.logger.Warn("mark as failed error", zap.Error(markErr))
			}
			r.logger.Error("outbox event dropped after max retries",
				zap.Uint64("eventID", event.ID), zap.String("userID", event.UserID), zap.Error(err))
			return nil
		}
		return err
	}

	if err := r.repo.MarkAsPublished(ctx, event.ID); err != nil {
		return fmt.Errorf("mark as published: %w", err)
	}
	return nil
}

func (r *Relay) cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	deleted, err := r.repo.DeletePublished(ctx, r.clk.Now().Add(-r.cfg.CleanupAfter))
	if err != nil {
		return fmt.Errorf("delete published events: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("cleaned up old outbox events", zap.Int64("count", deleted))
	}
	return nil
}
