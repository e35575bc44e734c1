package storage

import (
	"context"
	"errors"
	"time"

	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// ErrNotFound 查询无匹配行
var ErrNotFound = errors.New("storage: not found")

// SlotTelemetry 仓位遥测缓存字段（权威数据在遥测镜像，这里仅做快照）
type SlotTelemetry struct {
	ChargeLevel    int32
	DoorClosed     bool
	DoorLocked     bool
	BatteryPresent bool
	PlugConnected  bool
	Charging       bool
	SeenAt         time.Time
}

// CoreRepo 面向会话编排核心的存储抽象。
// 约束：
// - 禁止上层直接写 SQL，统一通过本接口访问
// - 实现需要提供事务封装 WithTx，保证核心路径原子性
// - 条件迁移方法返回是否真正发生了迁移（RowsAffected>0），
//   这是遥测路径与应答路径幂等互斥的基础
type CoreRepo interface {
	// ---------- 事务 ----------
	// WithTx 在单个事务中执行 fn，fn 内使用 repo 执行的所有写入/读取都在同一事务中。
	// 实现应保证嵌套调用正确复用当前事务。
	WithTx(ctx context.Context, fn func(repo CoreRepo) error) error

	// ---------- 用户 ----------
	// LockUser 对用户行加排他锁，序列化同一用户的并发请求
	LockUser(ctx context.Context, userID int64) error
	GetUser(ctx context.Context, userID int64) (*models.User, error)

	// ---------- 柜机 / 仓位 ----------
	GetBooth(ctx context.Context, boothID int64) (*models.Booth, error)
	GetSlot(ctx context.Context, slotID int64) (*models.Slot, error)
	// GetSlotByIdentifier 通过柜机 + 仓位编号定位仓位
	GetSlotByIdentifier(ctx context.Context, boothID int64, identifier string) (*models.Slot, error)
	// ListAvailableSlots 返回柜机内 available 仓位，按 identifier 升序（确定性遍历顺序）
	ListAvailableSlots(ctx context.Context, boothID int64) ([]models.Slot, error)
	// TransitionSlotStatus 条件迁移仓位状态（UPDATE ... WHERE status = from）
	TransitionSlotStatus(ctx context.Context, slotID int64, from, to string) (bool, error)
	// UpdateSlotStatus 无条件设置仓位状态（管理/对账路径）
	UpdateSlotStatus(ctx context.Context, slotID int64, status string) error
	// FreeSlot 释放仓位：status=available，清空电池引用
	FreeSlot(ctx context.Context, slotID int64) error
	// SetSlotBattery 绑定/解绑仓位当前电池
	SetSlotBattery(ctx context.Context, slotID int64, batteryID *int64) error
	// UpdateSlotTelemetry 刷新仓位遥测缓存列
	UpdateSlotTelemetry(ctx context.Context, slotID int64, t SlotTelemetry) error
	// IncrementSlotFault 故障计数 +1，返回新值
	IncrementSlotFault(ctx context.Context, slotID int64) (int32, error)

	// ---------- 电池 ----------
	GetBattery(ctx context.Context, batteryID int64) (*models.Battery, error)
	CreateBattery(ctx context.Context, b *models.Battery) error
	// SetBatteryOwner 转移/清除电池归属
	SetBatteryOwner(ctx context.Context, batteryID int64, ownerUserID *int64) error
	UpdateBatteryCharge(ctx context.Context, batteryID int64, chargeLevel int32) error
	IncrementBatteryFault(ctx context.Context, batteryID int64) (int32, error)
	UpdateBatteryHealth(ctx context.Context, batteryID int64, health string) error

	// ---------- 会话 ----------
	CreateSession(ctx context.Context, s *models.SwapSession) error
	GetSession(ctx context.Context, sessionID int64) (*models.SwapSession, error)
	// GetSessionForUpdate 行锁读取会话
	GetSessionForUpdate(ctx context.Context, sessionID int64) (*models.SwapSession, error)
	GetSessionByCheckoutRef(ctx context.Context, checkoutRef string) (*models.SwapSession, error)
	// GetSessionForUpdateByCheckoutRef 行锁读取（webhook/自愈共用的锁入口）
	GetSessionForUpdateByCheckoutRef(ctx context.Context, checkoutRef string) (*models.SwapSession, error)
	// ListActiveSessions 用户的未终结会话（pending/opening/in_progress）
	ListActiveSessions(ctx context.Context, userID int64) ([]models.SwapSession, error)
	// GetActiveSessionForSlot 仓位上的未终结会话
	GetActiveSessionForSlot(ctx context.Context, slotID int64) (*models.SwapSession, error)
	// GetUnredeemedDeposit 用户已完成且未被取电消费的放电会话
	GetUnredeemedDeposit(ctx context.Context, userID int64) (*models.SwapSession, error)
	// GetPendingWithdrawal 用户待支付的取电会话
	GetPendingWithdrawal(ctx context.Context, userID int64) (*models.SwapSession, error)
	// TransitionSessionStatus 条件迁移会话状态
	TransitionSessionStatus(ctx context.Context, sessionID int64, from, to string) (bool, error)
	// CompleteDepositSession opening -> completed，写入初始电量与完成时间
	CompleteDepositSession(ctx context.Context, sessionID int64, initialCharge int32, batteryID int64, at time.Time) (bool, error)
	// CompleteWithdrawalSession pending/in_progress -> completed
	CompleteWithdrawalSession(ctx context.Context, sessionID int64, at time.Time) (bool, error)
	// MarkDepositRedeemed completed -> redeemed（被取电会话消费）
	MarkDepositRedeemed(ctx context.Context, depositSessionID int64) (bool, error)
	// SetSessionCheckout 写入支付单号并重置 pending 与 started_at（重启自愈计时）
	SetSessionCheckout(ctx context.Context, sessionID int64, checkoutRef string, startedAt time.Time) error
	AppendSessionNote(ctx context.Context, sessionID int64, note string) error
	// ListSessionHistory 用户历史会话，按创建时间倒序
	ListSessionHistory(ctx context.Context, userID int64, limit, offset int) ([]models.SwapSession, error)
	// ListStaleSessions 指定类型/状态下创建时间早于 olderThan 的会话（清理器用）
	ListStaleSessions(ctx context.Context, sessionType, status string, olderThan time.Time, limit int) ([]models.SwapSession, error)

	// ---------- 计费规则 ----------
	ListPricingRules(ctx context.Context) ([]models.PricingRule, error)
	UpsertPricingRule(ctx context.Context, key string, value float64) error

	// ---------- 支付审计 ----------
	AppendPaymentEvent(ctx context.Context, ev *models.PaymentEvent) error

	// ---------- 故障上报 ----------
	CreateProblemReport(ctx context.Context, r *models.ProblemReport) error
}
