// Package reconciler 遥测对账器：消费镜像变更事件，驱动会话状态机。
// 放入/取出的完成有两条路径——连续遥测的状态变化与离散的设备应答；
// 两条路径都收敛到条件状态迁移，天然幂等互斥。
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/metrics"
	"github.com/taoyao-code/swap-server/internal/mirror"
	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// errNoop 条件迁移未生效（另一条路径已处理），整个事务回滚
var errNoop = errors.New("reconciler: transition already applied")

// Commands 对账器需要的命令子集
type Commands interface {
	StartCharging(ctx context.Context, boothID int64, slot string) error
	StopCharging(ctx context.Context, boothID int64, slot string) error
	ClearDoorCommands(ctx context.Context, boothID int64, slot string) error
}

// Reconciler 遥测对账器
type Reconciler struct {
	repo     storage.CoreRepo
	sub      mirror.Subscriber
	store    SnapshotStore
	reasons  *ReasonMap
	commands Commands
	metrics  *metrics.AppMetrics
	logger   *zap.Logger
	now      func() time.Time

	eventsSeen      atomic.Uint64
	depositsDone    atomic.Uint64
	withdrawalsDone atomic.Uint64
}

// Option 对账器可选参数
type Option func(*Reconciler)

// WithNow 注入时钟（测试用）
func WithNow(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New 创建对账器
func New(
	repo storage.CoreRepo,
	sub mirror.Subscriber,
	store SnapshotStore,
	reasons *ReasonMap,
	commands Commands,
	m *metrics.AppMetrics,
	logger *zap.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		repo:     repo,
		sub:      sub,
		store:    store,
		reasons:  reasons,
		commands: commands,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
	if r.reasons == nil {
		r.reasons = DefaultReasonMap()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start 订阅变更事件并启动消费循环。ctx 取消后循环退出。
func (r *Reconciler) Start(ctx context.Context) error {
	events, err := r.sub.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("reconciler subscribe: %w", err)
	}
	go func() {
		r.logger.Info("reconciler started")
		for ev := range events {
			r.handle(ctx, ev)
		}
		r.logger.Info("reconciler stopped",
			zap.Uint64("events_seen", r.eventsSeen.Load()),
			zap.Uint64("deposits_completed", r.depositsDone.Load()),
			zap.Uint64("withdrawals_completed", r.withdrawalsDone.Load()))
	}()
	return nil
}

func (r *Reconciler) handle(ctx context.Context, ev mirror.ChangeEvent) {
	r.eventsSeen.Add(1)
	if r.metrics != nil {
		r.metrics.ReconcileEvents.Inc()
	}

	slot, err := r.repo.GetSlotByIdentifier(ctx, ev.BoothID, ev.SlotIdentifier)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// 数据不一致：镜像里有数据库不认识的仓位
			r.skip("unknown_slot")
			r.logger.Warn("change event for unknown slot",
				zap.Int64("booth_id", ev.BoothID),
				zap.String("slot", ev.SlotIdentifier))
			return
		}
		r.logger.Error("load slot failed", zap.Error(err))
		return
	}

	cur := ev.Snapshot
	prev, havePrev, err := r.store.Get(ctx, ev.BoothID, ev.SlotIdentifier)
	if err != nil {
		r.logger.Error("snapshot load failed", zap.Error(err))
		return
	}

	r.refreshSlotCache(ctx, slot, cur)

	var effectErr error

	// 应答是离散事件：只在值变化时处理一次
	if cur.LastAck != "" && (!havePrev || prev.LastAck != cur.LastAck) {
		effectErr = r.handleAck(ctx, slot, cur)
	}

	// 状态变化需要基线；首个事件只建立基线
	if havePrev {
		switch {
		case !prev.BatteryPresent && cur.BatteryPresent && cur.DoorClosed && cur.DoorLocked:
			if err := r.batteryArrived(ctx, slot, cur, "telemetry"); err != nil {
				effectErr = err
			}
		case prev.BatteryPresent && !cur.BatteryPresent && cur.DoorClosed && cur.DoorLocked:
			if err := r.batteryRemoved(ctx, slot, "telemetry"); err != nil {
				effectErr = err
			}
		}
	}

	// 瞬时失败时不推进基线，下一个事件会重放这次状态变化
	if effectErr != nil {
		return
	}
	if err := r.store.Put(ctx, ev.BoothID, ev.SlotIdentifier, cur); err != nil {
		r.logger.Error("snapshot store failed", zap.Error(err))
	}
}

// refreshSlotCache 把遥测写进仓位缓存列；设备自报故障/离线时同步仓位状态。
// disabled 是运营决定，永不被遥测覆盖。
func (r *Reconciler) refreshSlotCache(ctx context.Context, slot *models.Slot, cur mirror.Snapshot) {
	if err := r.repo.UpdateSlotTelemetry(ctx, slot.ID, storage.SlotTelemetry{
		ChargeLevel:    cur.ChargeLevel,
		DoorClosed:     cur.DoorClosed,
		DoorLocked:     cur.DoorLocked,
		BatteryPresent: cur.BatteryPresent,
		PlugConnected:  cur.PlugConnected,
		Charging:       cur.Charging,
		SeenAt:         r.now(),
	}); err != nil {
		r.logger.Error("refresh slot telemetry failed",
			zap.Int64("slot_id", slot.ID), zap.Error(err))
	}

	if slot.Status == models.SlotDisabled {
		return
	}
	switch cur.DeviceStatus {
	case "faulty":
		if slot.Status != models.SlotFaulty {
			if err := r.repo.UpdateSlotStatus(ctx, slot.ID, models.SlotFaulty); err != nil {
				r.logger.Error("mark slot faulty failed", zap.Int64("slot_id", slot.ID), zap.Error(err))
			}
		}
	case "offline":
		if slot.Status != models.SlotOffline {
			if err := r.repo.UpdateSlotStatus(ctx, slot.ID, models.SlotOffline); err != nil {
				r.logger.Error("mark slot offline failed", zap.Int64("slot_id", slot.ID), zap.Error(err))
			}
		}
	}
}

// batteryArrived 电池放入：仓位上的 opening 放电会话完成。
// 登记电池、绑定仓位、记录初始电量，提交后开始充电。
// 返回非空错误表示瞬时失败，调用方应保留基线以便重放。
func (r *Reconciler) batteryArrived(ctx context.Context, slot *models.Slot, cur mirror.Snapshot, path string) error {
	sess, err := r.repo.GetActiveSessionForSlot(ctx, slot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.skip("no_session")
			return nil
		}
		r.logger.Error("load active session failed", zap.Int64("slot_id", slot.ID), zap.Error(err))
		return err
	}
	if sess.Type != models.SessionDeposit {
		r.skip("no_session")
		return nil
	}

	var batteryID int64
	err = r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		owner := sess.UserID
		battery := &models.Battery{
			Serial:      fmt.Sprintf("DEP-%d-%d", sess.ID, slot.ID),
			ChargeLevel: cur.ChargeLevel,
			Health:      models.BatteryGood,
			OwnerUserID: &owner,
		}
		if err := repo.CreateBattery(ctx, battery); err != nil {
			return err
		}
		moved, err := repo.CompleteDepositSession(ctx, sess.ID, cur.ChargeLevel, battery.ID, r.now())
		if err != nil {
			return err
		}
		if !moved {
			return errNoop
		}
		if err := repo.SetSlotBattery(ctx, slot.ID, &battery.ID); err != nil {
			return err
		}
		if _, err := repo.TransitionSlotStatus(ctx, slot.ID, models.SlotOpening, models.SlotOccupied); err != nil {
			return err
		}
		batteryID = battery.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoop) {
			r.skip("noop")
			return nil
		}
		r.logger.Error("complete deposit failed", zap.Int64("session_id", sess.ID), zap.Error(err))
		return err
	}

	if cmdErr := r.commands.StartCharging(ctx, slot.BoothID, slot.Identifier); cmdErr != nil {
		r.logger.Error("start charging command failed",
			zap.Int64("session_id", sess.ID), zap.Error(cmdErr))
	}
	r.depositsDone.Add(1)
	r.completed(models.SessionDeposit, path)
	r.logger.Info("deposit completed",
		zap.Int64("session_id", sess.ID),
		zap.Int64("battery_id", batteryID),
		zap.Int32("initial_charge", cur.ChargeLevel),
		zap.String("path", path))
	return nil
}

// batteryRemoved 电池取出：已支付（in_progress）的取电会话完成。
// 消费对应放电会话、清除电池归属、释放仓位。
// 返回非空错误表示瞬时失败，调用方应保留基线以便重放。
func (r *Reconciler) batteryRemoved(ctx context.Context, slot *models.Slot, path string) error {
	sess, err := r.repo.GetActiveSessionForSlot(ctx, slot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.skip("no_session")
			return nil
		}
		r.logger.Error("load active session failed", zap.Int64("slot_id", slot.ID), zap.Error(err))
		return err
	}
	if sess.Type != models.SessionWithdrawal || sess.Status != models.StatusInProgress {
		// 未支付时电池消失属于异常，只记录
		r.skip("no_session")
		r.logger.Warn("battery removed without paid withdrawal",
			zap.Int64("slot_id", slot.ID),
			zap.Int64("session_id", sess.ID),
			zap.String("session_status", sess.Status))
		return nil
	}

	err = r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		moved, err := repo.CompleteWithdrawalSession(ctx, sess.ID, r.now())
		if err != nil {
			return err
		}
		if !moved {
			return errNoop
		}
		if sess.DepositSessionID != nil {
			if _, err := repo.MarkDepositRedeemed(ctx, *sess.DepositSessionID); err != nil {
				return err
			}
		}
		if sess.BatteryID != nil {
			if err := repo.SetBatteryOwner(ctx, *sess.BatteryID, nil); err != nil {
				return err
			}
		}
		return repo.FreeSlot(ctx, slot.ID)
	})
	if err != nil {
		if errors.Is(err, errNoop) {
			r.skip("noop")
			return nil
		}
		r.logger.Error("complete withdrawal failed", zap.Int64("session_id", sess.ID), zap.Error(err))
		return err
	}

	if cmdErr := r.commands.ClearDoorCommands(ctx, slot.BoothID, slot.Identifier); cmdErr != nil {
		r.logger.Error("clear door commands failed",
			zap.Int64("session_id", sess.ID), zap.Error(cmdErr))
	}
	r.withdrawalsDone.Add(1)
	r.completed(models.SessionWithdrawal, path)
	r.logger.Info("withdrawal completed",
		zap.Int64("session_id", sess.ID),
		zap.String("path", path))
	return nil
}

// handleAck 处理设备应答（离散事件，优先于遥测路径的替代完成通道）。
// 返回非空错误表示瞬时失败，调用方应保留基线以便重放。
func (r *Reconciler) handleAck(ctx context.Context, slot *models.Slot, cur mirror.Snapshot) error {
	kind := r.reasons.Classify(cur.LastAck)
	switch kind {
	case AckDepositAccepted:
		return r.batteryArrived(ctx, slot, cur, "ack")

	case AckDepositRejected:
		return r.rejectDeposit(ctx, slot, cur.LastAck)

	case AckCollectionAccepted:
		return r.batteryRemoved(ctx, slot, "ack")

	case AckCollectionRejected:
		return r.rejectCollection(ctx, slot, cur.LastAck)

	case AckChargeSafetyStop:
		r.logger.Warn("charge safety stop reported",
			zap.Int64("slot_id", slot.ID),
			zap.String("ack", cur.LastAck))
		if cmdErr := r.commands.StopCharging(ctx, slot.BoothID, slot.Identifier); cmdErr != nil {
			r.logger.Error("stop charging after safety ack failed",
				zap.Int64("slot_id", slot.ID), zap.Error(cmdErr))
		}

	default:
		if r.metrics != nil {
			r.metrics.AckUnknownTotal.Inc()
		}
		r.logger.Warn("unknown device ack",
			zap.Int64("slot_id", slot.ID),
			zap.String("ack", cur.LastAck))
	}
	return nil
}

// rejectDeposit 设备拒绝放入：取消 opening 放电会话，释放仓位
func (r *Reconciler) rejectDeposit(ctx context.Context, slot *models.Slot, ack string) error {
	sess, err := r.repo.GetActiveSessionForSlot(ctx, slot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.skip("no_session")
			return nil
		}
		r.logger.Error("load active session failed", zap.Int64("slot_id", slot.ID), zap.Error(err))
		return err
	}
	if sess.Type != models.SessionDeposit {
		r.skip("no_session")
		return nil
	}

	err = r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		moved, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusOpening, models.StatusCancelled)
		if err != nil {
			return err
		}
		if !moved {
			return errNoop
		}
		if err := repo.AppendSessionNote(ctx, sess.ID, "deposit rejected by device: "+ack); err != nil {
			return err
		}
		_, err = repo.TransitionSlotStatus(ctx, slot.ID, models.SlotOpening, models.SlotAvailable)
		return err
	})
	if err != nil {
		if errors.Is(err, errNoop) {
			r.skip("noop")
			return nil
		}
		r.logger.Error("cancel rejected deposit failed", zap.Int64("session_id", sess.ID), zap.Error(err))
		return err
	}

	if cmdErr := r.commands.ClearDoorCommands(ctx, slot.BoothID, slot.Identifier); cmdErr != nil {
		r.logger.Error("clear door commands failed", zap.Int64("slot_id", slot.ID), zap.Error(cmdErr))
	}
	if r.metrics != nil {
		r.metrics.SessionsCancelled.WithLabelValues("device_rejected").Inc()
	}
	r.logger.Info("deposit rejected by device",
		zap.Int64("session_id", sess.ID),
		zap.String("ack", ack))
	return nil
}

// rejectCollection 设备拒绝取出：取电会话置为 failed，电池留在仓内
func (r *Reconciler) rejectCollection(ctx context.Context, slot *models.Slot, ack string) error {
	sess, err := r.repo.GetActiveSessionForSlot(ctx, slot.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			r.skip("no_session")
			return nil
		}
		r.logger.Error("load active session failed", zap.Int64("slot_id", slot.ID), zap.Error(err))
		return err
	}
	if sess.Type != models.SessionWithdrawal {
		r.skip("no_session")
		return nil
	}

	err = r.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		moved, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusInProgress, models.StatusFailed)
		if err != nil {
			return err
		}
		if !moved {
			return errNoop
		}
		return repo.AppendSessionNote(ctx, sess.ID, "collection rejected by device: "+ack)
	})
	if err != nil {
		if errors.Is(err, errNoop) {
			r.skip("noop")
			return nil
		}
		r.logger.Error("fail rejected collection failed", zap.Int64("session_id", sess.ID), zap.Error(err))
		return err
	}

	if r.metrics != nil {
		r.metrics.SessionsFailed.WithLabelValues("collection_rejected").Inc()
	}
	r.logger.Warn("collection rejected by device",
		zap.Int64("session_id", sess.ID),
		zap.String("ack", ack))
	return nil
}

func (r *Reconciler) skip(reason string) {
	if r.metrics != nil {
		r.metrics.ReconcileSkipped.WithLabelValues(reason).Inc()
	}
}

func (r *Reconciler) completed(sessionType, path string) {
	if r.metrics != nil {
		r.metrics.SessionsCompleted.WithLabelValues(sessionType, path).Inc()
	}
}
