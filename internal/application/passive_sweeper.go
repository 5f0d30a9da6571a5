package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// SweeperConfig 被动状态超时任务配置
type SweeperConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:            time.Minute,
		InactivityThreshold: 5 * time.Minute,
		WriteTimeout:        5 * time.Second,
	}
}

// PassiveSweeper 服务端超时任务：心跳过期的用户被动状态改为 offline。
// 只修改被动状态，手动覆盖保持原样。
type PassiveSweeper struct {
	cfg      SweeperConfig
	store    out.StatusStore
	clk      clock.WithTicker
	observer out.Observer
	logger   *zap.Logger
}

func NewPassiveSweeper(cfg SweeperConfig, store out.StatusStore, clk clock.WithTicker, observer out.Observer, logger *zap.Logger) *PassiveSweeper {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = out.NopObserver{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &PassiveSweeper{cfg: cfg, store: store, clk: clk, observer: observer, logger: logger.Named("sweeper")}
}

// Run 周期执行，ctx 结束时返回
func (s *PassiveSweeper) Run(ctx context.Context) error {
	ticker := s.clk.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("passive sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("threshold", s.cfg.InactivityThreshold))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce 执行一轮，返回被降为 offline 的用户数
func (s *PassiveSweeper) SweepOnce(ctx context.Context) (int, error) {
	records, err := s.store.GetAllStatusRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("list status records: %w", err)
	}

	cutoff := s.clk.Now().Add(-s.cfg.InactivityThreshold)
	demoted := 0
	for _, rec := range records {
		if rec.PassiveStatus != entity.PassiveOnline || rec.LastActivityAt.After(cutoff) {
			continue
		}

		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		err := s.store.UpdateStatusRecord(wctx, rec.UserID, entity.PassivePatch(entity.PassiveOffline))
		cancel()
		if err != nil {
			s.logger.Warn("demote user failed", zap.String("userID", rec.UserID), zap.Error(err))
			continue
		}
		demoted++
	}

	if demoted > 0 {
		s.observer.PassiveDemoted(demoted)
		s.logger.Info("demoted inactive users", zap.Int("count", demoted))
	}
	return demoted, nil
}
