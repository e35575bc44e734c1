// Package mirror 封装遥测镜像的访问：
// 设备侧持续把传感器状态推送到镜像（每仓位一个 hash），
// 服务端做点读、向命令子树做合并写，并订阅每柜机的变更事件。
package mirror

import (
	"context"
	"errors"
)

// ErrNoTelemetry 仓位尚无任何遥测数据
var ErrNoTelemetry = errors.New("mirror: no telemetry for slot")

// Snapshot 仓位遥测子树
type Snapshot struct {
	BatteryPresent bool   `json:"batteryPresent"`
	PlugConnected  bool   `json:"plugConnected"`
	DoorClosed     bool   `json:"doorClosed"`
	DoorLocked     bool   `json:"doorLocked"`
	Charging       bool   `json:"charging"`
	ChargeLevel    int32  `json:"chargeLevel"`
	// DeviceStatus 设备自报的整体状态（ok/faulty/offline/maintenance），可为空
	DeviceStatus string `json:"deviceStatus,omitempty"`
	// LastAck 命令通道最近一条应答（离散事件，区别于连续遥测）
	LastAck string `json:"lastAck,omitempty"`
	// UpdatedAt 设备侧时间戳（unix 秒）
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// 命令子树字段名（写合并时使用）
const (
	CmdForceLock         = "forceLock"
	CmdForceUnlock       = "forceUnlock"
	CmdStartCharging     = "startCharging"
	CmdStopCharging      = "stopCharging"
	CmdOpenForDeposit    = "openForDeposit"
	CmdOpenForCollection = "openForCollection"
	CmdOpenDoorRef       = "openDoorRef"
)

// ChangeEvent 柜机变更事件：某仓位的遥测子树发生了更新
type ChangeEvent struct {
	BoothID        int64    `json:"boothId"`
	SlotIdentifier string   `json:"slot"`
	Snapshot       Snapshot `json:"snapshot"`
}

// Reader 仓位遥测点读
type Reader interface {
	ReadSlot(ctx context.Context, boothID int64, slotIdentifier string) (*Snapshot, error)
}

// CommandWriter 向仓位命令子树做合并写（只覆盖给定字段）
type CommandWriter interface {
	MergeCommands(ctx context.Context, boothID int64, slotIdentifier string, fields map[string]interface{}) error
}

// Subscriber 订阅全部柜机的变更事件流
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan ChangeEvent, error)
}

// Client 完整的镜像客户端
type Client interface {
	Reader
	CommandWriter
	Subscriber
	Close() error
}
