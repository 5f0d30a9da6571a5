package out

import (
	"context"

	"github.com/EthanQC/statussync/internal/domain/entity"
)

// ChangeFeed 权威存储的推送式变更流
type ChangeFeed interface {
	// Subscribe 建立订阅；返回后产生的变更都会出现在 Events() 中
	Subscribe(ctx context.Context) (ChangeSubscription, error)
}

// ChangeSubscription 一次订阅。Events() 关闭表示订阅断开，订阅方需要重新订阅并加载快照
type ChangeSubscription interface {
	Events() <-chan entity.ChangeEvent
	Close() error
}

// PresenceTransport 传输层在线成员频道
type PresenceTransport interface {
	// Join 加入频道并宣告自己在线
	Join(ctx context.Context, meta entity.PresenceMeta) (PresenceSubscription, error)
}

// PresenceSubscription 在线成员事件流，Close 即离开频道
type PresenceSubscription interface {
	Events() <-chan entity.PresenceEvent
	Close() error
}
