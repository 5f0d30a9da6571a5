package mysql

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/statussync/internal/ports/out"
)

// OutboxRepositoryMySQL 状态发件箱仓储
type OutboxRepositoryMySQL struct {
	db *gorm.DB
}

var _ out.OutboxRepository = (*OutboxRepositoryMySQL)(nil)

// NewOutboxRepositoryMySQL 创建发件箱仓储
func NewOutboxRepositoryMySQL(db *gorm.DB) *OutboxRepositoryMySQL {
	return &OutboxRepositoryMySQL{db: db}
}

// GetPendingEvents 按写入顺序返回待发布事件
func (r *OutboxRepositoryMySQL) GetPendingEvents(ctx context.Context, limit int) ([]*out.OutboxEvent, error) {
	var models []StatusOutboxModel
	err := r.db.WithContext(ctx).
		Where("status = ?", out.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*out.OutboxEvent, len(models))
	for i := range models {
		events[i] = models[i].toDTO()
	}
	return events, nil
}

func (r *OutboxRepositoryMySQL) MarkAsPublished(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).
		Model(&StatusOutboxModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       out.OutboxStatusPublished,
			"published_at": time.Now(),
		}).Error
}

func (r *OutboxRepositoryMySQL) MarkAsFailed(ctx context.Context, id uint64, errMsg string) error {
	return r.db.WithContext(ctx).
		Model(&StatusOutboxModel{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     out.OutboxStatusFailed,
			"last_error": errMsg,
		}).Error
}

func (r *OutboxRepositoryMySQL) IncrRetryCount(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).
		Model(&StatusOutboxModel{}).
		Where("id = ?", id).
		Update("retry_count", gorm.Expr("retry_count + 1")).Error
}

func (r *OutboxRepositoryMySQL) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND published_at < ?", out.OutboxStatusPublished, before).
		Delete(&StatusOutboxModel{})
	return result.RowsAffected, result.Error
}
