package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

const maxCASRetries = 5

var errCASConflict = errors.New("status record changed concurrently")

// StatusStoreKV 状态记录存储在 KV 中，写入走 CAS，变更流由 KV watch 提供。
// 所有读写都带调用方的 ctx，写超时由调用方控制
type StatusStoreKV struct {
	kv     jetstream.KeyValue
	clk    clock.PassiveClock
	logger *zap.Logger
}

var _ out.StatusStore = (*StatusStoreKV)(nil)

func NewStatusStoreKV(kv jetstream.KeyValue, clk clock.PassiveClock, logger *zap.Logger) *StatusStoreKV {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &StatusStoreKV{kv: kv, clk: clk, logger: logger.Named("kv-store")}
}

// GetAllStatusRecords 用 watcher 读出当前所有值，nil 表示初始值已读完
func (s *StatusStoreKV) GetAllStatusRecords(ctx context.Context) ([]*entity.UserStatusRecord, error) {
	watcher, err := s.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	records := []*entity.UserStatusRecord{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil, fmt.Errorf("status watcher closed during snapshot")
			}
			if entry == nil {
				return records, nil
			}
			rec, err := decodeRecord(entry.Value())
			if err != nil {
				s.logger.Warn("skip malformed status record", zap.String("key", entry.Key()), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
	}
}

func (s *StatusStoreKV) GetStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	entry, err := s.kv.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, apperr.ErrRecordNotFound
		}
		return nil, err
	}
	return decodeRecord(entry.Value())
}

func (s *StatusStoreKV) EnsureStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	rec := entity.NewUserStatusRecord(userID, s.clk.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.kv.Create(ctx, userID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return s.GetStatusRecord(ctx, userID)
		}
		return nil, err
	}
	return rec, nil
}

// UpdateStatusRecord 每次 Put 都会产生一条 watch 更新，写入方一定能收到回显
func (s *StatusStoreKV) UpdateStatusRecord(ctx context.Context, userID string, patch entity.StatusPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, userID, false, func(rec *entity.UserStatusRecord) bool {
		patch.Apply(rec, s.clk.Now())
		return true
	})
}

// AssertActivity 每次都会刷新活跃时间，所以 watch 上总会出现一条更新；有效状态没变时缓存层不会通知
func (s *StatusStoreKV) AssertActivity(ctx context.Context, userID string) error {
	return s.mutate(ctx, userID, true, func(rec *entity.UserStatusRecord) bool {
		now := s.clk.Now()
		return entity.ActivityPatch(now).Apply(rec, now)
	})
}

// DeleteStatusRecord 账号删除，watch 上表现为 delete
func (s *StatusStoreKV) DeleteStatusRecord(ctx context.Context, userID string) error {
	if _, err := s.kv.Get(ctx, userID); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return apperr.ErrRecordNotFound
		}
		return err
	}
	return s.kv.Delete(ctx, userID)
}

// mutate CAS 读改写，revision 冲突时重读重试
func (s *StatusStoreKV) mutate(ctx context.Context, userID string, createMissing bool, fn func(rec *entity.UserStatusRecord) bool) error {
	for i := 0; i < maxCASRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			rec      *entity.UserStatusRecord
			revision uint64
		)
		entry, err := s.kv.Get(ctx, userID)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			if !createMissing {
				return apperr.ErrRecordNotFound
			}
			rec = entity.NewUserStatusRecord(userID, s.clk.Now())
		case err != nil:
			return err
		default:
			if rec, err = decodeRecord(entry.Value()); err != nil {
				return err
			}
			revision = entry.Revision()
		}

		if !fn(rec) && revision != 0 {
			return nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		if revision == 0 {
			_, err = s.kv.Create(ctx, userID, data)
		} else {
			_, err = s.kv.Update(ctx, userID, data, revision)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, jetstream.ErrKeyExists) {
			s.logger.Debug("status revision conflict, retrying", zap.String("userID", userID))
			continue
		}
		return err
	}
	return errCASConflict
}

func decodeRecord(data []byte) (*entity.UserStatusRecord, error) {
	var rec entity.UserStatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode status record: %w", err)
	}
	return &rec, nil
}
