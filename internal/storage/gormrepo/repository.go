package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// Repository 基于 GORM 的 CoreRepo 实现。
// 使用 isTx 标记区分事务上下文，避免嵌套事务重复 Begin/Commit。
type Repository struct {
	db   *gorm.DB
	isTx bool
}

// New 返回一个使用给定 *gorm.DB 的 CoreRepo 实例。
func New(db *gorm.DB) storage.CoreRepo {
	return &Repository{db: db}
}

// WithTx 复用现有事务或开启新事务执行 fn。
func (r *Repository) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// ---------- 用户 ----------

// LockUser 对用户行加 FOR UPDATE 锁。必须在事务内调用。
func (r *Repository) LockUser(ctx context.Context, userID int64) error {
	var u models.User
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", userID).
		First(&u).Error
	return mapNotFound(err)
}

func (r *Repository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &u, nil
}

// ---------- 柜机 / 仓位 ----------

func (r *Repository) GetBooth(ctx context.Context, boothID int64) (*models.Booth, error) {
	var b models.Booth
	if err := r.db.WithContext(ctx).Where("id = ?", boothID).First(&b).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &b, nil
}

func (r *Repository) GetSlot(ctx context.Context, slotID int64) (*models.Slot, error) {
	var s models.Slot
	if err := r.db.WithContext(ctx).Where("id = ?", slotID).First(&s).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *Repository) GetSlotByIdentifier(ctx context.Context, boothID int64, identifier string) (*models.Slot, error) {
	var s models.Slot
	err := r.db.WithContext(ctx).
		Where("booth_id = ? AND identifier = ?", boothID, identifier).
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

// ListAvailableSlots 按 identifier 升序返回，保证并发请求的确定性遍历顺序。
func (r *Repository) ListAvailableSlots(ctx context.Context, boothID int64) ([]models.Slot, error) {
	var slots []models.Slot
	err := r.db.WithContext(ctx).
		Where("booth_id = ? AND status = ?", boothID, models.SlotAvailable).
		Order("identifier ASC").
		Find(&slots).Error
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// TransitionSlotStatus 条件迁移：RowsAffected==0 表示被并发请求抢先。
func (r *Repository) TransitionSlotStatus(ctx context.Context, slotID int64, from, to string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id = ? AND status = ?", slotID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) UpdateSlotStatus(ctx context.Context, slotID int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id = ?", slotID).
		Update("status", status).Error
}

func (r *Repository) FreeSlot(ctx context.Context, slotID int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id = ?", slotID).
		Updates(map[string]interface{}{
			"status":     models.SlotAvailable,
			"battery_id": nil,
		}).Error
}

func (r *Repository) SetSlotBattery(ctx context.Context, slotID int64, batteryID *int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id = ?", slotID).
		Update("battery_id", batteryID).Error
}

func (r *Repository) UpdateSlotTelemetry(ctx context.Context, slotID int64, t storage.SlotTelemetry) error {
	return r.db.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id = ?", slotID).
		Updates(map[string]interface{}{
			"charge_level":    t.ChargeLevel,
			"door_closed":     t.DoorClosed,
			"door_locked":     t.DoorLocked,
			"battery_present": t.BatteryPresent,
			"plug_connected":  t.PlugConnected,
			"charging":        t.Charging,
			"last_seen_at":    t.SeenAt,
		}).Error
}

func (r *Repository) IncrementSlotFault(ctx context.Context, slotID int64) (int32, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Slot{}).
		Where("id = ?", slotID).
		Update("fault_count", gorm.Expr("fault_count + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	s, err := r.GetSlot(ctx, slotID)
	if err != nil {
		return 0, err
	}
	return s.FaultCount, nil
}

// ---------- 电池 ----------

func (r *Repository) GetBattery(ctx context.Context, batteryID int64) (*models.Battery, error) {
	var b models.Battery
	if err := r.db.WithContext(ctx).Where("id = ?", batteryID).First(&b).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &b, nil
}

func (r *Repository) CreateBattery(ctx context.Context, b *models.Battery) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *Repository) SetBatteryOwner(ctx context.Context, batteryID int64, ownerUserID *int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Battery{}).
		Where("id = ?", batteryID).
		Update("owner_user_id", ownerUserID).Error
}

func (r *Repository) UpdateBatteryCharge(ctx context.Context, batteryID int64, chargeLevel int32) error {
	return r.db.WithContext(ctx).
		Model(&models.Battery{}).
		Where("id = ?", batteryID).
		Update("charge_level", chargeLevel).Error
}

func (r *Repository) IncrementBatteryFault(ctx context.Context, batteryID int64) (int32, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Battery{}).
		Where("id = ?", batteryID).
		Update("fault_count", gorm.Expr("fault_count + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	b, err := r.GetBattery(ctx, batteryID)
	if err != nil {
		return 0, err
	}
	return b.FaultCount, nil
}

func (r *Repository) UpdateBatteryHealth(ctx context.Context, batteryID int64, health string) error {
	return r.db.WithContext(ctx).
		Model(&models.Battery{}).
		Where("id = ?", batteryID).
		Update("health", health).Error
}

// ---------- 会话 ----------

func (r *Repository) CreateSession(ctx context.Context, s *models.SwapSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repository) GetSession(ctx context.Context, sessionID int64) (*models.SwapSession, error) {
	var s models.SwapSession
	if err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&s).Error; err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *Repository) GetSessionForUpdate(ctx context.Context, sessionID int64) (*models.SwapSession, error) {
	var s models.SwapSession
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", sessionID).
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *Repository) GetSessionByCheckoutRef(ctx context.Context, checkoutRef string) (*models.SwapSession, error) {
	var s models.SwapSession
	err := r.db.WithContext(ctx).
		Where("checkout_ref = ?", checkoutRef).
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *Repository) GetSessionForUpdateByCheckoutRef(ctx context.Context, checkoutRef string) (*models.SwapSession, error) {
	var s models.SwapSession
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("checkout_ref = ?", checkoutRef).
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *Repository) ListActiveSessions(ctx context.Context, userID int64) ([]models.SwapSession, error) {
	var sessions []models.SwapSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, models.NonTerminalStatuses()).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *Repository) GetActiveSessionForSlot(ctx context.Context, slotID int64) (*models.SwapSession, error) {
	var s models.SwapSession
	err := r.db.WithContext(ctx).
		Where("slot_id = ? AND status IN ?", slotID, models.NonTerminalStatuses()).
		Order("created_at DESC").
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

// GetUnredeemedDeposit 已完成且尚未被任何取电会话引用的放电会话。
func (r *Repository) GetUnredeemedDeposit(ctx context.Context, userID int64) (*models.SwapSession, error) {
	var s models.SwapSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND status = ?", userID, models.SessionDeposit, models.StatusCompleted).
		Order("completed_at DESC").
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

func (r *Repository) GetPendingWithdrawal(ctx context.Context, userID int64) (*models.SwapSession, error) {
	var s models.SwapSession
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND status = ?", userID, models.SessionWithdrawal, models.StatusPending).
		Order("created_at DESC").
		First(&s).Error
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &s, nil
}

// TransitionSessionStatus 条件迁移：第二次应用同一物理事件时 RowsAffected==0，安全无害。
func (r *Repository) TransitionSessionStatus(ctx context.Context, sessionID int64, from, to string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SwapSession{}).
		Where("id = ? AND status = ?", sessionID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) CompleteDepositSession(ctx context.Context, sessionID int64, initialCharge int32, batteryID int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SwapSession{}).
		Where("id = ? AND status = ?", sessionID, models.StatusOpening).
		Updates(map[string]interface{}{
			"status":               models.StatusCompleted,
			"initial_charge_level": initialCharge,
			"battery_id":           batteryID,
			"completed_at":         at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) CompleteWithdrawalSession(ctx context.Context, sessionID int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SwapSession{}).
		Where("id = ? AND status IN ?", sessionID, []string{models.StatusPending, models.StatusInProgress}).
		Updates(map[string]interface{}{
			"status":       models.StatusCompleted,
			"completed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) MarkDepositRedeemed(ctx context.Context, depositSessionID int64) (bool, error) {
	return r.TransitionSessionStatus(ctx, depositSessionID, models.StatusCompleted, models.StatusRedeemed)
}

func (r *Repository) SetSessionCheckout(ctx context.Context, sessionID int64, checkoutRef string, startedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.SwapSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]interface{}{
			"checkout_ref": checkoutRef,
			"status":       models.StatusPending,
			"started_at":   startedAt,
		}).Error
}

func (r *Repository) AppendSessionNote(ctx context.Context, sessionID int64, note string) error {
	return r.db.WithContext(ctx).
		Model(&models.SwapSession{}).
		Where("id = ?", sessionID).
		Update("notes", gorm.Expr("COALESCE(notes || E'\\n', '') || ?", note)).Error
}

func (r *Repository) ListSessionHistory(ctx context.Context, userID int64, limit, offset int) ([]models.SwapSession, error) {
	var sessions []models.SwapSession
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *Repository) ListStaleSessions(ctx context.Context, sessionType, status string, olderThan time.Time, limit int) ([]models.SwapSession, error) {
	var sessions []models.SwapSession
	q := r.db.WithContext(ctx).
		Where("type = ? AND status = ? AND created_at < ?", sessionType, status, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ---------- 计费规则 ----------

func (r *Repository) ListPricingRules(ctx context.Context) ([]models.PricingRule, error) {
	var rules []models.PricingRule
	if err := r.db.WithContext(ctx).Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Repository) UpsertPricingRule(ctx context.Context, key string, value float64) error {
	record := &models.PricingRule{Key: key, Value: value}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"value": value, "updated_at": gorm.Expr("NOW()")}),
		}).
		Create(record).Error
}

// ---------- 支付审计 ----------

func (r *Repository) AppendPaymentEvent(ctx context.Context, ev *models.PaymentEvent) error {
	if ev == nil {
		return fmt.Errorf("nil payment event")
	}
	return r.db.WithContext(ctx).Create(ev).Error
}

// ---------- 故障上报 ----------

func (r *Repository) CreateProblemReport(ctx context.Context, report *models.ProblemReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}
