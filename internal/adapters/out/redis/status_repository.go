package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

const (
	// 状态记录Key前缀
	statusKeyPrefix = "statussync:status:"
	// 所有用户ID的集合
	statusUsersKey = "statussync:status:users"
	// 变更通知频道
	statusChangesChannel = "statussync:status:changes"

	// WATCH 冲突时的最大重试次数
	maxTxRetries = 5
)

var errTxConflict = errors.New("status record changed concurrently")

// StatusRepositoryRedis Redis 状态仓储：每个用户一个 JSON，写入与变更通知在同一个事务里发出
type StatusRepositoryRedis struct {
	client *redis.Client
	clk    clock.PassiveClock
	logger *zap.Logger
}

var _ out.StatusStore = (*StatusRepositoryRedis)(nil)

func NewStatusRepositoryRedis(client *redis.Client, clk clock.PassiveClock, logger *zap.Logger) *StatusRepositoryRedis {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &StatusRepositoryRedis{client: client, clk: clk, logger: logger.Named("redis-store")}
}

func (r *StatusRepositoryRedis) getKey(userID string) string {
	return statusKeyPrefix + userID
}

func (r *StatusRepositoryRedis) GetAllStatusRecords(ctx context.Context) ([]*entity.UserStatusRecord, error) {
	userIDs, err := r.client.SMembers(ctx, statusUsersKey).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return []*entity.UserStatusRecord{}, nil
	}

	// 使用Pipeline批量获取
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(userIDs))
	for _, userID := range userIDs {
		cmds[userID] = pipe.Get(ctx, r.getKey(userID))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	records := make([]*entity.UserStatusRecord, 0, len(cmds))
	for userID, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// 集合与记录不一致时以记录为准
			continue
		}
		var rec entity.UserStatusRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.Warn("skip malformed status record", zap.String("userID", userID), zap.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (r *StatusRepositoryRedis) GetStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	data, err := r.client.Get(ctx, r.getKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.ErrRecordNotFound
		}
		return nil, err
	}

	var rec entity.UserStatusRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode status record: %w", err)
	}
	return &rec, nil
}

func (r *StatusRepositoryRedis) EnsureStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	rec := entity.NewUserStatusRecord(userID, r.clk.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	created, err := r.client.SetNX(ctx, r.getKey(userID), data, 0).Result()
	if err != nil {
		return nil, err
	}
	if !created {
		return r.GetStatusRecord(ctx, userID)
	}

	payload, err := encodeChange(entity.ChangeEvent{Type: entity.ChangeInsert, UserID: userID, Record: rec})
	if err != nil {
		return nil, err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, statusUsersKey, userID)
		pipe.Publish(ctx, statusChangesChannel, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateStatusRecord 每次成功写入都会发布 update，保证写入方一定能收到回显
func (r *StatusRepositoryRedis) UpdateStatusRecord(ctx context.Context, userID string, patch entity.StatusPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	return r.mutate(ctx, userID, false, func(rec *entity.UserStatusRecord, existed bool) (entity.ChangeType, bool) {
		patch.Apply(rec, r.clk.Now())
		return entity.ChangeUpdate, true
	})
}

// AssertActivity 刷新活跃时间；只有被动状态变化时才发布事件
func (r *StatusRepositoryRedis) AssertActivity(ctx context.Context, userID string) error {
	return r.mutate(ctx, userID, true, func(rec *entity.UserStatusRecord, existed bool) (entity.ChangeType, bool) {
		wasOnline := rec.PassiveStatus == entity.PassiveOnline
		now := r.clk.Now()
		entity.ActivityPatch(now).Apply(rec, now)
		if !existed {
			return entity.ChangeInsert, true
		}
		return entity.ChangeUpdate, !wasOnline
	})
}

// DeleteStatusRecord 账号删除
func (r *StatusRepositoryRedis) DeleteStatusRecord(ctx context.Context, userID string) error {
	payload, err := encodeChange(entity.ChangeEvent{Type: entity.ChangeDelete, UserID: userID})
	if err != nil {
		return err
	}

	var del *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.getKey(userID))
		pipe.SRem(ctx, statusUsersKey, userID)
		pipe.Publish(ctx, statusChangesChannel, payload)
		return nil
	})
	if err != nil {
		return err
	}
	if del.Val() == 0 {
		return apperr.ErrRecordNotFound
	}
	return nil
}

// mutate 乐观锁读改写：WATCH 记录，MULTI 里同时写入记录和发布变更
func (r *StatusRepositoryRedis) mutate(
	ctx context.Context,
	userID string,
	createMissing bool,
	fn func(rec *entity.UserStatusRecord, existed bool) (entity.ChangeType, bool),
) error {
	key := r.getKey(userID)

	txf := func(tx *redis.Tx) error {
		var rec *entity.UserStatusRecord
		existed := true

		data, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if !createMissing {
				return apperr.ErrRecordNotFound
			}
			existed = false
			rec = entity.NewUserStatusRecord(userID, r.clk.Now())
		case err != nil:
			return err
		default:
			rec = &entity.UserStatusRecord{}
			if err := json.Unmarshal([]byte(data), rec); err != nil {
				return fmt.Errorf("decode status record: %w", err)
			}
		}

		changeType, publish := fn(rec, existed)
		newData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		var payload []byte
		if publish {
			if payload, err = encodeChange(entity.ChangeEvent{Type: changeType, UserID: userID, Record: rec}); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			if !existed {
				pipe.SAdd(ctx, statusUsersKey, userID)
			}
			if publish {
				pipe.Publish(ctx, statusChangesChannel, payload)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxConflict
}

func encodeChange(ev entity.ChangeEvent) ([]byte, error) {
	return json.Marshal(ev)
}
