// Package dispatch 硬件命令下发。
// 命令是遥测镜像命令子树里的布尔标志位；三组互斥对在同一次合并写内保证
// 只有一端为真。下发即完成（fire-and-forget），确认通过遥测/应答异步回来。
package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/metrics"
	"github.com/taoyao-code/swap-server/internal/mirror"
)

// Dispatcher 向镜像命令子树写互斥标志位
type Dispatcher struct {
	writer  mirror.CommandWriter
	metrics *metrics.AppMetrics
	logger  *zap.Logger
}

// New 创建命令下发器
func New(writer mirror.CommandWriter, m *metrics.AppMetrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{writer: writer, metrics: m, logger: logger}
}

func (d *Dispatcher) merge(ctx context.Context, kind string, boothID int64, slot string, fields map[string]interface{}) error {
	err := d.writer.MergeCommands(ctx, boothID, slot, fields)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("command dispatch failed",
				zap.String("kind", kind),
				zap.Int64("booth_id", boothID),
				zap.String("slot", slot),
				zap.Error(err))
		}
		return err
	}
	if d.metrics != nil {
		d.metrics.CommandsTotal.WithLabelValues(kind).Inc()
	}
	if d.logger != nil {
		d.logger.Debug("command dispatched",
			zap.String("kind", kind),
			zap.Int64("booth_id", boothID),
			zap.String("slot", slot))
	}
	return nil
}

// OpenForDeposit 开仓放电。与 openForCollection 互斥，同写携带开门关联 ID。
func (d *Dispatcher) OpenForDeposit(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "open_for_deposit", boothID, slot, map[string]interface{}{
		mirror.CmdOpenForDeposit:    true,
		mirror.CmdOpenForCollection: false,
		mirror.CmdOpenDoorRef:       uuid.NewString(),
	})
}

// OpenForCollection 开仓取电。与 openForDeposit 互斥。
func (d *Dispatcher) OpenForCollection(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "open_for_collection", boothID, slot, map[string]interface{}{
		mirror.CmdOpenForCollection: true,
		mirror.CmdOpenForDeposit:    false,
		mirror.CmdOpenDoorRef:       uuid.NewString(),
	})
}

// StartCharging 开始充电。与 stopCharging 互斥。
func (d *Dispatcher) StartCharging(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "start_charging", boothID, slot, map[string]interface{}{
		mirror.CmdStartCharging: true,
		mirror.CmdStopCharging:  false,
	})
}

// StopCharging 停止充电（取电报价时冻结电量）。与 startCharging 互斥。
func (d *Dispatcher) StopCharging(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "stop_charging", boothID, slot, map[string]interface{}{
		mirror.CmdStopCharging:  true,
		mirror.CmdStartCharging: false,
	})
}

// ForceLock 强制上锁。与 forceUnlock 互斥。
func (d *Dispatcher) ForceLock(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "force_lock", boothID, slot, map[string]interface{}{
		mirror.CmdForceLock:   true,
		mirror.CmdForceUnlock: false,
	})
}

// ForceUnlock 强制解锁。与 forceLock 互斥。
func (d *Dispatcher) ForceUnlock(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "force_unlock", boothID, slot, map[string]interface{}{
		mirror.CmdForceUnlock: true,
		mirror.CmdForceLock:   false,
	})
}

// ClearDoorCommands 清除全部开门标志（取消会话、清理器回收时使用）
func (d *Dispatcher) ClearDoorCommands(ctx context.Context, boothID int64, slot string) error {
	return d.merge(ctx, "clear_door", boothID, slot, map[string]interface{}{
		mirror.CmdOpenForDeposit:    false,
		mirror.CmdOpenForCollection: false,
	})
}
