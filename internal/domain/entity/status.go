package entity

import (
	"fmt"
	"time"
)

// StatusValue 用户可见的状态
type StatusValue string

const (
	StatusOnline       StatusValue = "online"
	StatusBusy         StatusValue = "busy"
	StatusDoNotDisturb StatusValue = "doNotDisturb"
	StatusOffline      StatusValue = "offline"
)

// Valid 是否为合法的状态值
func (s StatusValue) Valid() bool {
	switch s {
	case StatusOnline, StatusBusy, StatusDoNotDisturb, StatusOffline:
		return true
	}
	return false
}

func (s StatusValue) String() string { return string(s) }

// ParseStatusValue 从字符串解析状态值
func ParseStatusValue(raw string) (StatusValue, error) {
	s := StatusValue(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status value %q", raw)
	}
	return s, nil
}

// PassiveStatus 系统根据连接/活跃推断出的状态，只有 online 和 offline
type PassiveStatus string

const (
	PassiveOnline  PassiveStatus = "online"
	PassiveOffline PassiveStatus = "offline"
)

func (p PassiveStatus) Valid() bool {
	return p == PassiveOnline || p == PassiveOffline
}

// UserStatusRecord 权威存储中每个用户一行的状态记录
type UserStatusRecord struct {
	UserID                 string        `json:"user_id"`
	PassiveStatus          PassiveStatus `json:"passive_status"`
	ManualStatus           StatusValue   `json:"manual_status,omitempty"` // 为空表示用户从未手动设置
	IsManualOverrideActive bool          `json:"is_manual_override_active"`
	LastActivityAt         time.Time     `json:"last_activity_at"`
	StatusUpdatedAt        time.Time     `json:"status_updated_at"`
}

// NewUserStatusRecord 用户第一次登录时创建的默认记录
func NewUserStatusRecord(userID string, now time.Time) *UserStatusRecord {
	return &UserStatusRecord{
		UserID:          userID,
		PassiveStatus:   PassiveOffline,
		StatusUpdatedAt: now,
	}
}

// Clone 深拷贝，避免缓存和调用方共享指针
func (r *UserStatusRecord) Clone() *UserStatusRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// StatusPatch 对记录的部分更新，nil 字段表示不修改
type StatusPatch struct {
	PassiveStatus          *PassiveStatus `json:"passive_status,omitempty"`
	ManualStatus           *StatusValue   `json:"manual_status,omitempty"`
	IsManualOverrideActive *bool          `json:"is_manual_override_active,omitempty"`
	LastActivityAt         *time.Time     `json:"last_activity_at,omitempty"`
}

// ManualPatch 用户显式选择状态时的更新内容
func ManualPatch(value StatusValue) StatusPatch {
	override := true
	return StatusPatch{ManualStatus: &value, IsManualOverrideActive: &override}
}

// ActivityPatch 心跳写入：刷新活跃时间并把被动状态置为 online
func ActivityPatch(at time.Time) StatusPatch {
	online := PassiveOnline
	return StatusPatch{PassiveStatus: &online, LastActivityAt: &at}
}

// PassivePatch 只修改被动状态
func PassivePatch(p PassiveStatus) StatusPatch {
	return StatusPatch{PassiveStatus: &p}
}

// Validate 检查补丁里的枚举值
func (p StatusPatch) Validate() error {
	if p.PassiveStatus != nil && !p.PassiveStatus.Valid() {
		return fmt.Errorf("invalid passive status %q", *p.PassiveStatus)
	}
	if p.ManualStatus != nil && *p.ManualStatus != "" && !p.ManualStatus.Valid() {
		return fmt.Errorf("invalid manual status %q", *p.ManualStatus)
	}
	return nil
}

// Apply 把补丁写入记录；任何影响状态的字段发生变化时刷新 StatusUpdatedAt。
// 返回记录是否有变化。
func (p StatusPatch) Apply(r *UserStatusRecord, now time.Time) bool {
	statusChanged := false
	changed := false

	if p.PassiveStatus != nil && r.PassiveStatus != *p.PassiveStatus {
		r.PassiveStatus = *p.PassiveStatus
		statusChanged = true
	}
	if p.ManualStatus != nil && r.ManualStatus != *p.ManualStatus {
		r.ManualStatus = *p.ManualStatus
		statusChanged = true
	}
	if p.IsManualOverrideActive != nil && r.IsManualOverrideActive != *p.IsManualOverrideActive {
		r.IsManualOverrideActive = *p.IsManualOverrideActive
		statusChanged = true
	}
	if p.LastActivityAt != nil && !r.LastActivityAt.Equal(*p.LastActivityAt) {
		r.LastActivityAt = *p.LastActivityAt
		changed = true
	}

	if statusChanged {
		r.StatusUpdatedAt = now
	}
	return statusChanged || changed
}
