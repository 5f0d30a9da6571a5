package in

import (
	"context"

	"github.com/EthanQC/statussync/internal/domain/entity"
)

// StatusEngine 暴露给界面/消费层的接口
type StatusEngine interface {
	// GetEffectiveStatus 读取缓存中的有效状态，未知用户返回 offline
	GetEffectiveStatus(userID string) entity.StatusValue
	// SetMyStatus 修改当前用户状态
	SetMyStatus(ctx context.Context, status entity.StatusValue) error
	// IsUserConnected 用户当前是否持有传输连接
	IsUserConnected(userID string) bool
	// Describe 状态与连接情况的组合视图
	Describe(userID string) entity.UserView
	// OnChange 注册缓存变更回调，返回取消函数
	OnChange(fn func(entity.StatusChange)) (cancel func())
	// Observe 上报本地交互事件
	Observe(ev entity.InteractionEvent)
	// CurrentUser 当前登录用户
	CurrentUser() (string, bool)
}

// StatusReader 只读取某个用户的有效状态
type StatusReader interface {
	GetEffectiveStatus(userID string) entity.StatusValue
}

// PresenceReader 在线成员查询
type PresenceReader interface {
	OnlineMembers() []string
}
