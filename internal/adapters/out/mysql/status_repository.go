package mysql

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/utils/clock"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
	apperr "github.com/EthanQC/statussync/pkg/errors"
)

// StatusRepositoryMySQL MySQL状态仓储。
// 每次写入都在同一事务里追加一条发件箱事件，由 outbox relay 发布到变更流。
type StatusRepositoryMySQL struct {
	db     *gorm.DB
	clk    clock.PassiveClock
	logger *zap.Logger
}

var _ out.StatusStore = (*StatusRepositoryMySQL)(nil)

// NewStatusRepositoryMySQL 创建MySQL状态仓储
func NewStatusRepositoryMySQL(db *gorm.DB, clk clock.PassiveClock, logger *zap.Logger) *StatusRepositoryMySQL {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = zap.L()
	}
	return &StatusRepositoryMySQL{db: db, clk: clk, logger: logger.Named("mysql-store")}
}

// AutoMigrate 建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&StatusRecordModel{}, &StatusOutboxModel{})
}

func (r *StatusRepositoryMySQL) GetAllStatusRecords(ctx context.Context) ([]*entity.UserStatusRecord, error) {
	var models []StatusRecordModel
	if err := r.db.WithContext(ctx).Order("user_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	records := make([]*entity.UserStatusRecord, len(models))
	for i := range models {
		records[i] = models[i].toEntity()
	}
	return records, nil
}

func (r *StatusRepositoryMySQL) GetStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	var m StatusRecordModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toEntity(), nil
}

func (r *StatusRepositoryMySQL) EnsureStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error) {
	rec := entity.NewUserStatusRecord(userID, r.clk.Now())
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(statusModelFromEntity(rec))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		return appendOutbox(tx, entity.ChangeEvent{Type: entity.ChangeInsert, UserID: userID, Record: rec})
	})
	if err != nil {
		return nil, err
	}
	return r.GetStatusRecord(ctx, userID)
}

// UpdateStatusRecord 行锁读改写；即使内容没变也写发件箱，保证写入方收到回显
func (r *StatusRepositoryMySQL) UpdateStatusRecord(ctx context.Context, userID string, patch entity.StatusPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := lockRecord(tx, userID)
		if err != nil {
			return err
		}
		patch.Apply(rec, r.clk.Now())
		if err := tx.Save(statusModelFromEntity(rec)).Error; err != nil {
			return err
		}
		return appendOutbox(tx, entity.ChangeEvent{Type: entity.ChangeUpdate, UserID: userID, Record: rec})
	})
}

// AssertActivity 刷新活跃时间；被动状态变化时才写发件箱
func (r *StatusRepositoryMySQL) AssertActivity(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.clk.Now()
		rec, err := lockRecord(tx, userID)
		if errors.Is(err, apperr.ErrRecordNotFound) {
			rec = entity.NewUserStatusRecord(userID, now)
			entity.ActivityPatch(now).Apply(rec, now)
			if err := tx.Create(statusModelFromEntity(rec)).Error; err != nil {
				return err
			}
			return appendOutbox(tx, entity.ChangeEvent{Type: entity.ChangeInsert, UserID: userID, Record: rec})
		}
		if err != nil {
			return err
		}

		wasOnline := rec.PassiveStatus == entity.PassiveOnline
		entity.ActivityPatch(now).Apply(rec, now)
		if err := tx.Save(statusModelFromEntity(rec)).Error; err != nil {
			return err
		}
		if wasOnline {
			return nil
		}
		return appendOutbox(tx, entity.ChangeEvent{Type: entity.ChangeUpdate, UserID: userID, Record: rec})
	})
}

// DeleteStatusRecord 账号删除
func (r *StatusRepositoryMySQL) DeleteStatusRecord(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ?", userID).Delete(&StatusRecordModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperr.ErrRecordNotFound
		}
		return appendOutbox(tx, entity.ChangeEvent{Type: entity.ChangeDelete, UserID: userID})
	})
}

func lockRecord(tx *gorm.DB, userID string) (*entity.UserStatusRecord, error) {
	var m StatusRecordModel
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return m.toEntity(), nil
}

func appendOutbox(tx *gorm.DB, ev entity.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tx.Create(&StatusOutboxModel{
		UserID:    ev.UserID,
		EventType: string(ev.Type),
		Payload:   string(payload),
	}).Error
}
