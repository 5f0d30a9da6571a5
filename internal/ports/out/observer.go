package out

import "time"

// Observer 引擎的结构化指标接口
type Observer interface {
	HeartbeatSent()
	HeartbeatFailed()
	EchoLatency(d time.Duration)
	Rollback()
	SnapshotLoaded(records int)
	FeedGap()
	EventDiscarded()
	PresenceSize(n int)
	PassiveDemoted(n int)
}

// NopObserver 不记录任何指标
type NopObserver struct{}

func (NopObserver) HeartbeatSent()            {}
func (NopObserver) HeartbeatFailed()          {}
func (NopObserver) EchoLatency(time.Duration) {}
func (NopObserver) Rollback()                 {}
func (NopObserver) SnapshotLoaded(int)        {}
func (NopObserver) FeedGap()                  {}
func (NopObserver) EventDiscarded()           {}
func (NopObserver) PresenceSize(int)          {}
func (NopObserver) PassiveDemoted(int)        {}
