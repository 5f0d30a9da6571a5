package out

import (
	"context"
	"time"
)

// OutboxStatus 发件箱事件状态
type OutboxStatus int8

const (
	OutboxStatusPending   OutboxStatus = 0
	OutboxStatusPublished OutboxStatus = 1
	OutboxStatusFailed    OutboxStatus = 2
)

// OutboxEvent 与状态写入同一事务落库的变更事件
type OutboxEvent struct {
	ID          uint64
	UserID      string
	EventType   string
	Payload     []byte // ChangeEvent 的 JSON
	Status      OutboxStatus
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// OutboxRepository 发件箱仓储
type OutboxRepository interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkAsPublished(ctx context.Context, id uint64) error
	MarkAsFailed(ctx context.Context, id uint64, errMsg string) error
	IncrRetryCount(ctx context.Context, id uint64) error
	DeletePublished(ctx context.Context, before time.Time) (int64, error)
}
