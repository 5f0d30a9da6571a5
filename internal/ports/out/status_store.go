package out

import (
	"context"

	"github.com/EthanQC/statussync/internal/domain/entity"
)

// StatusStore 权威状态存储
type StatusStore interface {
	// GetAllStatusRecords 全量快照读取
	GetAllStatusRecords(ctx context.Context) ([]*entity.UserStatusRecord, error)
	// GetStatusRecord 读取单个用户记录，不存在时返回 ErrRecordNotFound
	GetStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error)
	// EnsureStatusRecord 用户首次登录时创建默认记录，已存在则直接返回
	EnsureStatusRecord(ctx context.Context, userID string) (*entity.UserStatusRecord, error)
	// UpdateStatusRecord 权威写入
	UpdateStatusRecord(ctx context.Context, userID string, patch entity.StatusPatch) error
	// AssertActivity 心跳写入，只涉及 lastActivityAt 和被动状态
	AssertActivity(ctx context.Context, userID string) error
}

// ChangePublisher 把存储的变更发布出去，供不自带变更流的存储使用
type ChangePublisher interface {
	PublishChange(ctx context.Context, event entity.ChangeEvent) error
}

// ActivityAsserter 心跳写入
type ActivityAsserter interface {
	AssertActivity(ctx context.Context, userID string) error
}

// IdentityProvider 当前登录用户，由外部认证层提供
type IdentityProvider interface {
	CurrentUser() (string, bool)
}
