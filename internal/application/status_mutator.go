package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/domain/service"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

// MutatorConfig 状态写入配置
type MutatorConfig struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RefetchTimeout time.Duration `mapstructure:"refetch_timeout"`
}

func DefaultMutatorConfig() MutatorConfig {
	return MutatorConfig{
		WriteTimeout:   5 * time.Second,
		RefetchTimeout: 10 * time.Second,
	}
}

// StatusMutator 用户修改自己状态的唯一入口：乐观写缓存、权威写入、失败回滚并重新拉取
type StatusMutator struct {
	cfg      MutatorConfig
	retry    RetryConfig
	store    out.StatusStore
	cache    *StatusCache
	identity out.IdentityProvider
	clk      clock.PassiveClock
	observer out.Observer
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewStatusMutator 创建状态写入器
func NewStatusMutator(
	cfg MutatorConfig,
	retry RetryConfig,
	store out.StatusStore,
	cache *StatusCache,
	identity out.IdentityProvider,
	clk clock.PassiveClock,
	observer out.Observer,
	logger *zap.Logger,
) *StatusMutator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if observer == nil {
		observer = out.NopObserver{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &StatusMutator{
		cfg:      cfg,
		retry:    retry,
		store:    store,
		cache:    cache,
		identity: identity,
		clk:      clk,
		observer: observer,
		logger:   logger.Named("mutator"),
		inflight: make(map[string]struct{}),
	}
}

// SetMyStatus 设置当前用户的手动状态
func (m *StatusMutator) SetMyStatus(ctx context.Context, value entity.StatusValue) error {
	userID, ok := m.identity.CurrentUser()
	if !ok {
		return apperr.ErrUnauthenticated
	}
	if !value.Valid() {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidStatus, value)
	}

	lastKnownGood, hadGood := m.cache.Get(userID)
	if hadGood && lastKnownGood.Status == value {
		return nil
	}

	if !m.acquire(userID) {
		return apperr.ErrMutationInFlight
	}
	defer m.release(userID)

	optimistic := entity.CacheEntry{
		UserID:       userID,
		Status:       value,
		OptimisticAt: m.clk.Now(),
	}
	m.cache.applyOptimistic(optimistic)

	wctx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	err := m.store.UpdateStatusRecord(wctx, userID, entity.ManualPatch(value))
	cancel()
	if err == nil {
		// 乐观值保留，等待回显确认
		return nil
	}

	m.observer.Rollback()
	if errors.Is(err, context.DeadlineExceeded) {
		m.logger.Warn("status write timed out, rolling back",
			zap.String("userID", userID), zap.Duration("timeout", m.cfg.WriteTimeout))
	} else {
		m.logger.Warn("status write failed, rolling back", zap.String("userID", userID), zap.Error(err))
	}

	m.cache.restoreIfOptimistic(optimistic, lastKnownGood, hadGood)
	m.refetch(ctx, userID)

	return fmt.Errorf("%w: %w", apperr.ErrStatusWriteFailed, err)
}

// refetch 回滚后重新读取权威记录，保证恢复的值确实正确。读失败按退避重试，直到 RefetchTimeout
func (m *StatusMutator) refetch(ctx context.Context, userID string) {
	// 调用方取消也要完成纠正读取
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefetchTimeout)
	defer cancel()

	rec, err := retryUntilDone(rctx, m.retry, m.logger, "refetch after rollback", func() (*entity.UserStatusRecord, error) {
		rec, err := m.store.GetStatusRecord(rctx, userID)
		if errors.Is(err, apperr.ErrRecordNotFound) {
			return nil, backoff.Permanent(err)
		}
		return rec, err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrRecordNotFound) {
			m.logger.Warn("status record missing after rollback", zap.String("userID", userID))
			return
		}
		m.logger.Error("refetch after rollback gave up, keeping last known value",
			zap.String("userID", userID), zap.Duration("timeout", m.cfg.RefetchTimeout), zap.Error(err))
		return
	}
	m.cache.applyConfirmed(service.ConfirmedEntry(rec))
}

func (m *StatusMutator) acquire(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[userID]; busy {
		return false
	}
	m.inflight[userID] = struct{}{}
	return true
}

func (m *StatusMutator) release(userID string) {
	m.mu.Lock()
	delete(m.inflight, userID)
	m.mu.Unlock()
}
