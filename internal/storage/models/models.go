package models

import (
	"time"
)

// 注意：
// - 保持与 db/migrations 完全对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt

// 柜机状态
const (
	BoothOnline      = "online"
	BoothMaintenance = "maintenance"
	BoothOffline     = "offline"
)

// 仓位状态
const (
	SlotAvailable   = "available"
	SlotOpening     = "opening"
	SlotOccupied    = "occupied"
	SlotMaintenance = "maintenance"
	SlotFaulty      = "faulty"
	SlotOffline     = "offline"
	SlotDisabled    = "disabled"
)

// 电池健康状态
const (
	BatteryGood     = "good"
	BatteryDegraded = "degraded"
	BatteryFaulty   = "faulty"
)

// 会话类型
const (
	SessionDeposit    = "deposit"
	SessionWithdrawal = "withdrawal"
)

// 会话状态
const (
	StatusPending    = "pending"
	StatusOpening    = "opening"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusRedeemed   = "redeemed"
)

// NonTerminalStatuses 未终结状态集合：同一用户同时最多一条
func NonTerminalStatuses() []string {
	return []string{StatusPending, StatusOpening, StatusInProgress}
}

// User 映射 users 表
// 身份认证由外部服务负责，这里只保留会话编排需要的行（行锁载体）
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Phone     string    `gorm:"column:phone;type:text;not null;uniqueIndex"`
	Name      *string   `gorm:"column:name;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (User) TableName() string { return "users" }

// Booth 映射 booths 表
type Booth struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name      string    `gorm:"column:name;type:text;not null"`
	Address   *string   `gorm:"column:address;type:text"`
	Lat       *float64  `gorm:"column:lat"`
	Lng       *float64  `gorm:"column:lng"`
	Status    string    `gorm:"column:status;type:text;not null;default:offline"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Booth) TableName() string { return "booths" }

// Slot 映射 slots 表（identifier 在柜机内唯一）
type Slot struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	BoothID   int64  `gorm:"column:booth_id;not null;uniqueIndex:idx_slots_booth_ident,priority:1"`
	Identifier string `gorm:"column:identifier;type:text;not null;uniqueIndex:idx_slots_booth_ident,priority:2"`
	Status    string `gorm:"column:status;type:text;not null;default:offline"`
	BatteryID *int64 `gorm:"column:battery_id"`
	// 最近一次遥测的本地缓存（权威数据在遥测镜像）
	ChargeLevel    *int32     `gorm:"column:charge_level"`
	DoorClosed     *bool      `gorm:"column:door_closed"`
	DoorLocked     *bool      `gorm:"column:door_locked"`
	BatteryPresent *bool      `gorm:"column:battery_present"`
	PlugConnected  *bool      `gorm:"column:plug_connected"`
	Charging       *bool      `gorm:"column:charging"`
	LastSeenAt     *time.Time `gorm:"column:last_seen_at"`
	FaultCount     int32      `gorm:"column:fault_count;not null;default:0"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Slot) TableName() string { return "slots" }

// Battery 映射 batteries 表
type Battery struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Serial      string    `gorm:"column:serial;type:text;not null;uniqueIndex"`
	ChargeLevel int32     `gorm:"column:charge_level;not null;default:0"`
	Health      string    `gorm:"column:health;type:text;not null;default:good"`
	OwnerUserID *int64    `gorm:"column:owner_user_id"`
	FaultCount  int32     `gorm:"column:fault_count;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Battery) TableName() string { return "batteries" }

// SwapSession 映射 swap_sessions 表（核心实体）
type SwapSession struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID  int64  `gorm:"column:user_id;not null;index"`
	BoothID int64  `gorm:"column:booth_id;not null"`
	SlotID  int64  `gorm:"column:slot_id;not null;index"`
	// 放入完成前为空
	BatteryID *int64 `gorm:"column:battery_id"`
	Type      string `gorm:"column:type;type:text;not null"`
	Status    string `gorm:"column:status;type:text;not null;index"`
	Amount    *float64 `gorm:"column:amount"`
	// 放入时的电量，取电计费的基准
	InitialChargeLevel *int32 `gorm:"column:initial_charge_level"`
	FinalChargeLevel   *int32 `gorm:"column:final_charge_level"`
	// 支付网关返回的唯一单号
	CheckoutRef *string `gorm:"column:checkout_ref;type:text;uniqueIndex:idx_sessions_checkout,where:checkout_ref IS NOT NULL"`
	// 取电会话消费的放电会话（一对一）
	DepositSessionID *int64     `gorm:"column:deposit_session_id;uniqueIndex:idx_sessions_deposit_ref,where:deposit_session_id IS NOT NULL"`
	Notes            *string    `gorm:"column:notes;type:text"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
	StartedAt        *time.Time `gorm:"column:started_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at"`
}

func (SwapSession) TableName() string { return "swap_sessions" }

// Terminal 会话是否已终结
func (s *SwapSession) Terminal() bool {
	switch s.Status {
	case StatusPending, StatusOpening, StatusInProgress:
		return false
	}
	return true
}

// PricingRule 映射 pricing_rules 表（无版本 key-value 配置）
type PricingRule struct {
	Key       string    `gorm:"column:key;type:text;primaryKey"`
	Value     float64   `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (PricingRule) TableName() string { return "pricing_rules" }

// 计费规则键名
const (
	RuleBaseFee                  = "base_fee"
	RuleRatePerPercent           = "rate_per_percent"
	RuleOvertimePenaltyPerMinute = "overtime_penalty_per_minute"
	RuleGracePeriodMinutes       = "grace_period_minutes"
)

// ProblemReport 映射 problem_reports 表
type ProblemReport struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID      int64     `gorm:"column:user_id;not null"`
	BoothID     int64     `gorm:"column:booth_id;not null"`
	SlotID      *int64    `gorm:"column:slot_id"`
	BatteryID   *int64    `gorm:"column:battery_id"`
	Category    string    `gorm:"column:category;type:text;not null"`
	Description string    `gorm:"column:description;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (ProblemReport) TableName() string { return "problem_reports" }

// PaymentEvent 映射 payment_events 表（webhook 原始报文审计）
type PaymentEvent struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	CheckoutRef string    `gorm:"column:checkout_ref;type:text;not null;index"`
	ResultCode  int32     `gorm:"column:result_code;not null"`
	ResultDesc  *string   `gorm:"column:result_desc;type:text"`
	Payload     []byte    `gorm:"column:payload;type:jsonb"`
	ReceivedAt  time.Time `gorm:"column:received_at;autoCreateTime"`
}

func (PaymentEvent) TableName() string { return "payment_events" }
