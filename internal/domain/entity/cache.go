package entity

import "time"

// CacheEntry 本地状态缓存中的一项
type CacheEntry struct {
	UserID    string      `json:"user_id"`
	Status    StatusValue `json:"status"`
	Confirmed bool        `json:"confirmed"` // false 表示本地乐观写入，尚未收到回显

	// 乐观写入的时间，用于统计回显延迟；已确认的条目为零值
	OptimisticAt time.Time `json:"-"`
}

// StatusChange 缓存变更通知
type StatusChange struct {
	UserID  string     `json:"user_id"`
	Old     CacheEntry `json:"old"`
	New     CacheEntry `json:"new"`
	Existed bool       `json:"existed"` // 变更前是否有条目
	Removed bool       `json:"removed"` // 条目被删除
}

// UserView 给消费方的组合视图
// Known=false 且 Connected=true 即“已连接但状态未知”；两者都为 false 即“从未连接”
type UserView struct {
	UserID    string      `json:"user_id"`
	Status    StatusValue `json:"status"`
	Confirmed bool        `json:"confirmed"`
	Known     bool        `json:"known"`
	Connected bool        `json:"connected"`
}
