package errors

import "errors"

var (
	// 身份相关
	ErrUnauthenticated = errors.New("当前没有已登录的用户")

	// 状态值相关
	ErrInvalidStatus = errors.New("无效的状态值")

	// 写入相关
	ErrMutationInFlight  = errors.New("该用户已有状态修改正在进行")
	ErrStatusWriteFailed = errors.New("状态写入失败")

	// 存储相关
	ErrRecordNotFound = errors.New("状态记录不存在")

	// 订阅相关
	ErrSubscriptionClosed = errors.New("订阅已关闭")
)
