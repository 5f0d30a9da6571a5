package entity

import "time"

// InteractionKind 用户交互事件类型
type InteractionKind string

const (
	InteractionPointerMove InteractionKind = "pointerMove"
	InteractionKeyPress    InteractionKind = "keyPress"
	InteractionScroll      InteractionKind = "scroll"
	InteractionTouch       InteractionKind = "touch"
	InteractionFocus       InteractionKind = "focus"
	InteractionBlur        InteractionKind = "blur"
	InteractionVisible     InteractionKind = "visible"
	InteractionHidden      InteractionKind = "hidden"
)

// InteractionEvent 原始交互事件，没有频率保证
type InteractionEvent struct {
	Kind InteractionKind `json:"kind"`
	At   time.Time       `json:"at,omitempty"`
}

// ForcesAssertion 重新可见或重新获得焦点时需要立即上报
func (k InteractionKind) ForcesAssertion() bool {
	return k == InteractionFocus || k == InteractionVisible
}

// Qualifies 是否算作“用户在使用”；失焦和隐藏不算
func (k InteractionKind) Qualifies() bool {
	switch k {
	case InteractionPointerMove, InteractionKeyPress, InteractionScroll, InteractionTouch,
		InteractionFocus, InteractionVisible:
		return true
	}
	return false
}

// Valid 是否为已知的事件类型
func (k InteractionKind) Valid() bool {
	return k.Qualifies() || k == InteractionBlur || k == InteractionHidden
}
