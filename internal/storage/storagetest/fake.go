// Package storagetest 提供 CoreRepo 的内存实现，供各包单元测试使用。
// 行为对齐 gormrepo：条件迁移返回是否真正改变了状态；查询无匹配返回
// storage.ErrNotFound。无真实事务语义（WithTx 直接执行 fn）。
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// FakeRepo CoreRepo 的内存实现
type FakeRepo struct {
	mu sync.Mutex

	Users     map[int64]*models.User
	Booths    map[int64]*models.Booth
	Slots     map[int64]*models.Slot
	Batteries map[int64]*models.Battery
	Sessions  map[int64]*models.SwapSession
	Rules     map[string]float64
	Events    []*models.PaymentEvent
	Reports   []*models.ProblemReport

	nextSessionID int64
	nextBatteryID int64
}

// NewFakeRepo 创建空的内存仓库
func NewFakeRepo() *FakeRepo {
	return &FakeRepo{
		Users:     make(map[int64]*models.User),
		Booths:    make(map[int64]*models.Booth),
		Slots:     make(map[int64]*models.Slot),
		Batteries: make(map[int64]*models.Battery),
		Sessions:  make(map[int64]*models.SwapSession),
		Rules:     make(map[string]float64),
	}
}

var _ storage.CoreRepo = (*FakeRepo)(nil)

// WithTx 内存实现无事务语义，直接执行
func (r *FakeRepo) WithTx(ctx context.Context, fn func(repo storage.CoreRepo) error) error {
	return fn(r)
}

func (r *FakeRepo) LockUser(ctx context.Context, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Users[userID]; !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (r *FakeRepo) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.Users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *FakeRepo) GetBooth(ctx context.Context, boothID int64) (*models.Booth, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.Booths[boothID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *FakeRepo) GetSlot(ctx context.Context, slotID int64) (*models.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *FakeRepo) GetSlotByIdentifier(ctx context.Context, boothID int64, identifier string) (*models.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Slots {
		if s.BoothID == boothID && s.Identifier == identifier {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *FakeRepo) ListAvailableSlots(ctx context.Context, boothID int64) ([]models.Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Slot
	for _, s := range r.Slots {
		if s.BoothID == boothID && s.Status == models.SlotAvailable {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (r *FakeRepo) TransitionSlotStatus(ctx context.Context, slotID int64, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (r *FakeRepo) UpdateSlotStatus(ctx context.Context, slotID int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	s.Status = status
	return nil
}

func (r *FakeRepo) FreeSlot(ctx context.Context, slotID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	s.Status = models.SlotAvailable
	s.BatteryID = nil
	return nil
}

func (r *FakeRepo) SetSlotBattery(ctx context.Context, slotID int64, batteryID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	s.BatteryID = batteryID
	return nil
}

func (r *FakeRepo) UpdateSlotTelemetry(ctx context.Context, slotID int64, t storage.SlotTelemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok {
		return storage.ErrNotFound
	}
	charge, seen := t.ChargeLevel, t.SeenAt
	doorClosed, doorLocked := t.DoorClosed, t.DoorLocked
	present, plug, charging := t.BatteryPresent, t.PlugConnected, t.Charging
	s.ChargeLevel = &charge
	s.DoorClosed = &doorClosed
	s.DoorLocked = &doorLocked
	s.BatteryPresent = &present
	s.PlugConnected = &plug
	s.Charging = &charging
	s.LastSeenAt = &seen
	return nil
}

func (r *FakeRepo) IncrementSlotFault(ctx context.Context, slotID int64) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Slots[slotID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	s.FaultCount++
	return s.FaultCount, nil
}

func (r *FakeRepo) GetBattery(ctx context.Context, batteryID int64) (*models.Battery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.Batteries[batteryID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *FakeRepo) CreateBattery(ctx context.Context, b *models.Battery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == 0 {
		r.nextBatteryID++
		b.ID = r.nextBatteryID + 1000
	}
	cp := *b
	r.Batteries[b.ID] = &cp
	return nil
}

func (r *FakeRepo) SetBatteryOwner(ctx context.Context, batteryID int64, ownerUserID *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.Batteries[batteryID]
	if !ok {
		return storage.ErrNotFound
	}
	b.OwnerUserID = ownerUserID
	return nil
}

func (r *FakeRepo) UpdateBatteryCharge(ctx context.Context, batteryID int64, chargeLevel int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.Batteries[batteryID]
	if !ok {
		return storage.ErrNotFound
	}
	b.ChargeLevel = chargeLevel
	return nil
}

func (r *FakeRepo) IncrementBatteryFault(ctx context.Context, batteryID int64) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.Batteries[batteryID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	b.FaultCount++
	return b.FaultCount, nil
}

func (r *FakeRepo) UpdateBatteryHealth(ctx context.Context, batteryID int64, health string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.Batteries[batteryID]
	if !ok {
		return storage.ErrNotFound
	}
	b.Health = health
	return nil
}

func (r *FakeRepo) CreateSession(ctx context.Context, s *models.SwapSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		r.nextSessionID++
		s.ID = r.nextSessionID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	r.Sessions[s.ID] = &cp
	return nil
}

func (r *FakeRepo) GetSession(ctx context.Context, sessionID int64) (*models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *FakeRepo) GetSessionForUpdate(ctx context.Context, sessionID int64) (*models.SwapSession, error) {
	return r.GetSession(ctx, sessionID)
}

func (r *FakeRepo) GetSessionByCheckoutRef(ctx context.Context, checkoutRef string) (*models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Sessions {
		if s.CheckoutRef != nil && *s.CheckoutRef == checkoutRef {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *FakeRepo) GetSessionForUpdateByCheckoutRef(ctx context.Context, checkoutRef string) (*models.SwapSession, error) {
	return r.GetSessionByCheckoutRef(ctx, checkoutRef)
}

func (r *FakeRepo) ListActiveSessions(ctx context.Context, userID int64) ([]models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SwapSession
	for _, s := range r.Sessions {
		if s.UserID == userID && !s.Terminal() {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *FakeRepo) GetActiveSessionForSlot(ctx context.Context, slotID int64) (*models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Sessions {
		if s.SlotID == slotID && !s.Terminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *FakeRepo) GetUnredeemedDeposit(ctx context.Context, userID int64) (*models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *models.SwapSession
	for _, s := range r.Sessions {
		if s.UserID == userID && s.Type == models.SessionDeposit && s.Status == models.StatusCompleted {
			if latest == nil || s.ID > latest.ID {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *FakeRepo) GetPendingWithdrawal(ctx context.Context, userID int64) (*models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Sessions {
		if s.UserID == userID && s.Type == models.SessionWithdrawal && s.Status == models.StatusPending {
			cp := *s
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *FakeRepo) TransitionSessionStatus(ctx context.Context, sessionID int64, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Sessions[sessionID]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status = to
	return true, nil
}

func (r *FakeRepo) CompleteDepositSession(ctx context.Context, sessionID int64, initialCharge int32, batteryID int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Sessions[sessionID]
	if !ok || s.Status != models.StatusOpening {
		return false, nil
	}
	s.Status = models.StatusCompleted
	s.InitialChargeLevel = &initialCharge
	s.BatteryID = &batteryID
	s.CompletedAt = &at
	return true, nil
}

func (r *FakeRepo) CompleteWithdrawalSession(ctx context.Context, sessionID int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Sessions[sessionID]
	if !ok || (s.Status != models.StatusPending && s.Status != models.StatusInProgress) {
		return false, nil
	}
	s.Status = models.StatusCompleted
	s.CompletedAt = &at
	return true, nil
}

func (r *FakeRepo) MarkDepositRedeemed(ctx context.Context, depositSessionID int64) (bool, error) {
	return r.TransitionSessionStatus(ctx, depositSessionID, models.StatusCompleted, models.StatusRedeemed)
}

func (r *FakeRepo) SetSessionCheckout(ctx context.Context, sessionID int64, checkoutRef string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	s.CheckoutRef = &checkoutRef
	s.StartedAt = &startedAt
	return nil
}

func (r *FakeRepo) AppendSessionNote(ctx context.Context, sessionID int64, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Sessions[sessionID]
	if !ok {
		return storage.ErrNotFound
	}
	if s.Notes == nil {
		s.Notes = &note
	} else {
		joined := fmt.Sprintf("%s; %s", *s.Notes, note)
		s.Notes = &joined
	}
	return nil
}

func (r *FakeRepo) ListSessionHistory(ctx context.Context, userID int64, limit, offset int) ([]models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []models.SwapSession
	for _, s := range r.Sessions {
		if s.UserID == userID {
			all = append(all, *s)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *FakeRepo) ListStaleSessions(ctx context.Context, sessionType, status string, olderThan time.Time, limit int) ([]models.SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SwapSession
	for _, s := range r.Sessions {
		if s.Type == sessionType && s.Status == status && s.CreatedAt.Before(olderThan) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *FakeRepo) ListPricingRules(ctx context.Context) ([]models.PricingRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.PricingRule
	for k, v := range r.Rules {
		out = append(out, models.PricingRule{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *FakeRepo) UpsertPricingRule(ctx context.Context, key string, value float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rules[key] = value
	return nil
}

func (r *FakeRepo) AppendPaymentEvent(ctx context.Context, ev *models.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ev
	r.Events = append(r.Events, &cp)
	return nil
}

func (r *FakeRepo) CreateProblemReport(ctx context.Context, report *models.ProblemReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *report
	r.Reports = append(r.Reports, &cp)
	return nil
}

// Session 直接读取会话（断言用）
func (r *FakeRepo) Session(id int64) *models.SwapSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Sessions[id]
}

// Slot 直接读取仓位（断言用）
func (r *FakeRepo) Slot(id int64) *models.Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Slots[id]
}
