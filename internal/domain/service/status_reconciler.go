package service

import "github.com/EthanQC/statussync/internal/domain/entity"

// Reconcile 由权威记录计算有效状态，整个仓库只在这里求值。
// 手动覆盖生效时取手动值，否则取被动值；记录缺失或被动值为空时视为 offline。
// 覆盖生效但手动值为空或非法时退回被动值。
func Reconcile(rec *entity.UserStatusRecord) entity.StatusValue {
	if rec == nil {
		return entity.StatusOffline
	}
	if rec.IsManualOverrideActive && rec.ManualStatus.Valid() {
		return rec.ManualStatus
	}
	if rec.PassiveStatus == entity.PassiveOnline {
		return entity.StatusOnline
	}
	return entity.StatusOffline
}

// ConfirmedEntry 把记录转换为已确认的缓存项
func ConfirmedEntry(rec *entity.UserStatusRecord) entity.CacheEntry {
	return entity.CacheEntry{
		UserID:    rec.UserID,
		Status:    Reconcile(rec),
		Confirmed: true,
	}
}
