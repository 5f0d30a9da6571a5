package mysql

import (
	"database/sql"
	"time"

	"github.com/EthanQC/statussync/internal/domain/entity"
	"github.com/EthanQC/statussync/internal/ports/out"
)

// StatusRecordModel 状态记录GORM模型，每个用户一行
type StatusRecordModel struct {
	UserID                 string       `gorm:"column:user_id;type:varchar(64);primaryKey"`
	PassiveStatus          string       `gorm:"column:passive_status;type:varchar(16);not null"`
	ManualStatus           string       `gorm:"column:manual_status;type:varchar(16);not null;default:''"`
	IsManualOverrideActive bool         `gorm:"column:is_manual_override_active;not null;default:false"`
	LastActivityAt         sql.NullTime `gorm:"column:last_activity_at;index"`
	StatusUpdatedAt        time.Time    `gorm:"column:status_updated_at;not null"`
}

func (StatusRecordModel) TableName() string {
	return "status_records"
}

func (m *StatusRecordModel) toEntity() *entity.UserStatusRecord {
	rec := &entity.UserStatusRecord{
		UserID:                 m.UserID,
		PassiveStatus:          entity.PassiveStatus(m.PassiveStatus),
		ManualStatus:           entity.StatusValue(m.ManualStatus),
		IsManualOverrideActive: m.IsManualOverrideActive,
		StatusUpdatedAt:        m.StatusUpdatedAt.UTC(),
	}
	if m.LastActivityAt.Valid {
		rec.LastActivityAt = m.LastActivityAt.Time.UTC()
	}
	return rec
}

func statusModelFromEntity(rec *entity.UserStatusRecord) *StatusRecordModel {
	m := &StatusRecordModel{
		UserID:                 rec.UserID,
		PassiveStatus:          string(rec.PassiveStatus),
		ManualStatus:           string(rec.ManualStatus),
		IsManualOverrideActive: rec.IsManualOverrideActive,
		StatusUpdatedAt:        rec.StatusUpdatedAt,
	}
	if !rec.LastActivityAt.IsZero() {
		m.LastActivityAt = sql.NullTime{Time: rec.LastActivityAt, Valid: true}
	}
	return m
}

// StatusOutboxModel 状态变更发件箱GORM模型
type StatusOutboxModel struct {
	ID          uint64         `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      string         `gorm:"column:user_id;type:varchar(64);not null;index"`
	EventType   string         `gorm:"column:event_type;type:varchar(16);not null"`
	Payload     string         `gorm:"column:payload;type:json;not null"`
	Status      int8           `gorm:"column:status;default:0;index"`
	RetryCount  int            `gorm:"column:retry_count;default:0"`
	LastError   sql.NullString `gorm:"column:last_error;type:text"`
	CreatedAt   time.Time      `gorm:"column:created_at;autoCreateTime;index"`
	PublishedAt sql.NullTime   `gorm:"column:published_at"`
}

func (StatusOutboxModel) TableName() string {
	return "status_outbox"
}

func (m *StatusOutboxModel) toDTO() *out.OutboxEvent {
	event := &out.OutboxEvent{
		ID:         m.ID,
		UserID:     m.UserID,
		EventType:  m.EventType,
		Payload:    []byte(m.Payload),
		Status:     out.OutboxStatus(m.Status),
		RetryCount: m.RetryCount,
		CreatedAt:  m.CreatedAt,
	}
	if m.LastError.Valid {
		event.LastError = m.LastError.String
	}
	if m.PublishedAt.Valid {
		event.PublishedAt = &m.PublishedAt.Time
	}
	return event
}
