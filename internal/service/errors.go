package service

import "errors"

// 业务错误分类。api 层据此映射 HTTP 状态码：
// 冲突类 -> 409，未找到 -> 404，无活动会话 -> 204，其余 -> 500。
var (
	// ErrBoothNotAvailable 柜机不在线（维护中或离线）
	ErrBoothNotAvailable = errors.New("service: booth not available")
	// ErrActiveSessionInProgress 用户已有未终结会话
	ErrActiveSessionInProgress = errors.New("service: active session in progress")
	// ErrPendingWithdrawalExists 用户有待支付的取电会话，需先支付或取消
	ErrPendingWithdrawalExists = errors.New("service: pending withdrawal exists")
	// ErrNoAvailableSlots 柜机内没有可认领的空仓位
	ErrNoAvailableSlots = errors.New("service: no available slots")
	// ErrNoDepositToRedeem 用户没有可取的已放入电池
	ErrNoDepositToRedeem = errors.New("service: no deposit to redeem")
	// ErrNoActiveSession 用户当前没有活动会话
	ErrNoActiveSession = errors.New("service: no active session")
	// ErrSessionNotFound 会话不存在或不属于该用户
	ErrSessionNotFound = errors.New("service: session not found")
	// ErrAlreadyPaid 会话已支付，不可取消/重复支付
	ErrAlreadyPaid = errors.New("service: session already paid")
)
