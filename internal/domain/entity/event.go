package entity

import "time"

// ChangeType 变更流事件类型
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
	// ChangeResync 传输层重连后由适配器发出，订阅方必须重新加载全量快照
	ChangeResync ChangeType = "resync"
)

// ChangeEvent 权威存储的变更通知
type ChangeEvent struct {
	Type   ChangeType        `json:"type"`
	UserID string            `json:"user_id"`
	Record *UserStatusRecord `json:"record,omitempty"`
	// Epoch 传输连接的代数，每次重连加一；旧代数的事件在重连后会被丢弃
	Epoch uint64 `json:"epoch,omitempty"`
}

// PresenceEventType 在线成员事件类型
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent 在线成员变更；sync 为全量替换
type PresenceEvent struct {
	Type    PresenceEventType `json:"type"`
	UserIDs []string          `json:"user_ids"`
}

// PresenceMeta 客户端加入频道时上报的信息
type PresenceMeta struct {
	UserID      string    `json:"user_id"`
	ConnID      string    `json:"conn_id"`
	ConnectedAt time.Time `json:"connected_at"`
}
