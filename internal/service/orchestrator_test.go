package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/mirror"
	"github.com/taoyao-code/swap-server/internal/pricing"
	"github.com/taoyao-code/swap-server/internal/storage/models"
	"github.com/taoyao-code/swap-server/internal/storage/storagetest"
)

type testEnv struct {
	repo     *storagetest.FakeRepo
	mirror   *fakeMirror
	commands *fakeCommander
	gateway  *fakeGateway
	svc      *Service
	now      time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     storagetest.NewFakeRepo(),
		mirror:   newFakeMirror(),
		commands: &fakeCommander{},
		gateway:  &fakeGateway{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = New(env.repo, env.mirror, env.commands, env.gateway, nil, zap.NewNop(),
		90*time.Second, 3,
		WithNow(func() time.Time { return env.now }))

	// 基础数据：一个在线柜机、两个空仓位、一个用户
	env.repo.Users[1] = &models.User{ID: 1, Phone: "254700000001"}
	env.repo.Booths[1] = &models.Booth{ID: 1, Name: "CBD Booth", Status: models.BoothOnline}
	env.repo.Slots[11] = &models.Slot{ID: 11, BoothID: 1, Identifier: "A1", Status: models.SlotAvailable}
	env.repo.Slots[12] = &models.Slot{ID: 12, BoothID: 1, Identifier: "A2", Status: models.SlotAvailable}
	env.repo.Rules[models.RuleBaseFee] = 50
	env.repo.Rules[models.RuleRatePerPercent] = 10
	return env
}

// seedDeposit 预置一条已完成的放电会话（电池在 A1 仓）
func (env *testEnv) seedDeposit(t *testing.T, initialCharge int32) *models.SwapSession {
	t.Helper()
	batteryID := int64(2001)
	env.repo.Batteries[batteryID] = &models.Battery{ID: batteryID, Serial: "BAT-2001", OwnerUserID: ptr(int64(1))}
	env.repo.Slots[11].Status = models.SlotOccupied
	env.repo.Slots[11].BatteryID = &batteryID
	done := env.now.Add(-time.Hour)
	sess := &models.SwapSession{
		UserID:             1,
		BoothID:            1,
		SlotID:             11,
		BatteryID:          &batteryID,
		Type:               models.SessionDeposit,
		Status:             models.StatusCompleted,
		InitialChargeLevel: &initialCharge,
		CompletedAt:        &done,
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))
	return sess
}

func ptr[T any](v T) *T { return &v }

func TestInitiateDeposit(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "A1", res.SlotIdentifier, "应按 identifier 升序认领第一个空仓位")

	sess := env.repo.Session(res.SessionID)
	require.NotNil(t, sess)
	assert.Equal(t, models.StatusOpening, sess.Status)
	assert.Equal(t, models.SlotOpening, env.repo.Slot(11).Status)
	assert.True(t, env.commands.has("open_for_deposit:1/A1"))
}

func TestInitiateDepositMirrorGuard(t *testing.T) {
	env := newTestEnv(t)
	// 数据库认为 A1 空闲，但镜像显示仍有电池
	env.mirror.set(1, "A1", mirror.Snapshot{BatteryPresent: true})

	res, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "A2", res.SlotIdentifier)
	assert.Equal(t, models.SlotAvailable, env.repo.Slot(11).Status, "被守卫跳过的仓位保持 available")
}

func TestInitiateDepositNoSlots(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Slots[11].Status = models.SlotOccupied
	env.repo.Slots[12].Status = models.SlotMaintenance

	_, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrNoAvailableSlots)
}

func TestInitiateDepositBoothNotOnline(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Booths[1].Status = models.BoothMaintenance

	_, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrBoothNotAvailable)
}

// 活动会话守卫先于柜机校验：离线柜机也报会话冲突而不是柜机不可用
func TestInitiateDepositActiveSessionBeforeBoothCheck(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Booths[1].Status = models.BoothOffline
	require.NoError(t, env.repo.CreateSession(context.Background(), &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusInProgress,
	}))

	_, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrActiveSessionInProgress)
}

func TestInitiateDepositSingleActiveSession(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.CreateSession(context.Background(), &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusInProgress,
	}))

	_, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrActiveSessionInProgress)
}

func TestInitiateDepositPendingWithdrawalBlocks(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.CreateSession(context.Background(), &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusPending,
	}))

	_, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrPendingWithdrawalExists)
}

func TestInitiateDepositReplacesStaleOpening(t *testing.T) {
	env := newTestEnv(t)
	stale := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionDeposit, Status: models.StatusOpening,
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), stale))
	env.repo.Slots[11].Status = models.SlotOpening

	res, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, env.repo.Session(stale.ID).Status)
	assert.NotEqual(t, stale.ID, res.SessionID)
	assert.True(t, env.commands.has("clear_door:1/A1"))
}

// 两个用户并发放电：条件认领保证不会拿到同一个仓位
func TestSlotExclusivityUnderConcurrentClaims(t *testing.T) {
	env := newTestEnv(t)
	env.repo.Users[2] = &models.User{ID: 2, Phone: "254700000002"}

	var wg sync.WaitGroup
	results := make([]*DepositResult, 2)
	errs := make([]error, 2)
	for i, uid := range []int64{1, 2} {
		wg.Add(1)
		go func(i int, uid int64) {
			defer wg.Done()
			results[i], errs[i] = env.svc.InitiateDeposit(context.Background(), uid, 1)
		}(i, uid)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, results[0].SlotIdentifier, results[1].SlotIdentifier)
}

func TestInitiateWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	deposit := env.seedDeposit(t, 20)
	env.mirror.set(1, "A1", mirror.Snapshot{BatteryPresent: true, Charging: true, ChargeLevel: 85})

	res, err := env.svc.InitiateWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 650.00, res.Amount, "50 + 65*10")
	assert.Equal(t, int32(20), res.InitialCharge)
	assert.Equal(t, int32(85), res.FinalCharge)
	assert.Equal(t, deposit.ID, res.DepositSessionID)
	assert.Equal(t, int64(3600), res.DepositAgeSeconds, "放入完成距今 1 小时")

	sess := env.repo.Session(res.SessionID)
	assert.Equal(t, models.StatusPending, sess.Status)
	assert.True(t, env.commands.has("stop_charging:1/A1"), "报价后应冻结电量")
}

func TestInitiateWithdrawalCachedChargeFallback(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, 80)
	env.repo.Slots[11].ChargeLevel = ptr(int32(90))
	// 镜像无数据，回退缓存列

	res, err := env.svc.InitiateWithdrawal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 100.00, res.Amount)
}

func TestInitiateWithdrawalNoDeposit(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.InitiateWithdrawal(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoDepositToRedeem)
}

func TestInitiateWithdrawalMissingRules(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, 20)
	env.mirror.set(1, "A1", mirror.Snapshot{ChargeLevel: 85})
	delete(env.repo.Rules, models.RuleRatePerPercent)

	_, err := env.svc.InitiateWithdrawal(context.Background(), 1)
	require.ErrorIs(t, err, pricing.ErrRulesMissing)
}

func TestTriggerPayment(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.checkoutRef = "ws_CO_1"
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusPending,
		Amount: ptr(650.00),
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))

	ref, err := env.svc.TriggerPayment(context.Background(), 1, sess.ID, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", ref)

	stored := env.repo.Session(sess.ID)
	require.NotNil(t, stored.CheckoutRef)
	assert.Equal(t, "ws_CO_1", *stored.CheckoutRef)
	assert.Equal(t, env.now, *stored.StartedAt, "自愈窗口从扣款发起时刻起算")
}

func TestTriggerPaymentGuards(t *testing.T) {
	env := newTestEnv(t)
	paid := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusInProgress,
		Amount: ptr(650.00),
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), paid))

	_, err := env.svc.TriggerPayment(context.Background(), 1, paid.ID, "254700000001")
	require.ErrorIs(t, err, ErrAlreadyPaid)

	_, err = env.svc.TriggerPayment(context.Background(), 2, paid.ID, "254700000002")
	require.ErrorIs(t, err, ErrSessionNotFound, "他人会话按不存在处理")

	_, err = env.svc.TriggerPayment(context.Background(), 1, 9999, "254700000001")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// 扣款被拒后重试：failed 会话重新发起支付，迁回 pending 并换新单号
func TestTriggerPaymentRetryAfterDecline(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.checkoutRef = "ws_CO_2"
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusFailed,
		Amount:      ptr(650.00),
		CheckoutRef: ptr("ws_CO_1"),
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))

	ref, err := env.svc.TriggerPayment(context.Background(), 1, sess.ID, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_2", ref)

	stored := env.repo.Session(sess.ID)
	assert.Equal(t, models.StatusPending, stored.Status)
	require.NotNil(t, stored.CheckoutRef)
	assert.Equal(t, "ws_CO_2", *stored.CheckoutRef)
	assert.Equal(t, env.now, *stored.StartedAt, "自愈窗口从新一次扣款起算")
}

func TestTriggerPaymentCancelledRefused(t *testing.T) {
	env := newTestEnv(t)
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusCancelled,
		Amount: ptr(650.00),
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))

	_, err := env.svc.TriggerPayment(context.Background(), 1, sess.ID, "254700000001")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelOpeningDeposit(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.svc.InitiateDeposit(context.Background(), 1, 1)
	require.NoError(t, err)

	require.NoError(t, env.svc.CancelSession(context.Background(), 1))
	assert.Equal(t, models.StatusCancelled, env.repo.Session(res.SessionID).Status)
	assert.Equal(t, models.SlotAvailable, env.repo.Slot(11).Status)
	assert.True(t, env.commands.has("clear_door:1/A1"))
}

func TestCancelPendingWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	env.seedDeposit(t, 20)
	env.mirror.set(1, "A1", mirror.Snapshot{ChargeLevel: 85})
	res, err := env.svc.InitiateWithdrawal(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, env.svc.CancelSession(context.Background(), 1))
	assert.Equal(t, models.StatusCancelled, env.repo.Session(res.SessionID).Status)
	assert.True(t, env.commands.has("start_charging:1/A1"), "电池留在仓内，恢复充电")
}

func TestCancelPaidWithdrawalRefused(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.repo.CreateSession(context.Background(), &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusInProgress,
	}))

	require.ErrorIs(t, env.svc.CancelSession(context.Background(), 1), ErrAlreadyPaid)
}

func TestCancelNoActiveSession(t *testing.T) {
	env := newTestEnv(t)
	require.ErrorIs(t, env.svc.CancelSession(context.Background(), 1), ErrNoActiveSession)
}

func TestMyBatteryStatus(t *testing.T) {
	env := newTestEnv(t)
	deposit := env.seedDeposit(t, 20)
	env.mirror.set(1, "A1", mirror.Snapshot{BatteryPresent: true, Charging: true, ChargeLevel: 72})

	status, err := env.svc.MyBatteryStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, deposit.ID, status.DepositSessionID)
	assert.Equal(t, "A1", status.SlotIdentifier)
	assert.Equal(t, int32(72), status.ChargeLevel)
	assert.True(t, status.Charging)
}

func TestMyBatteryStatusNone(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.MyBatteryStatus(context.Background(), 1)
	require.ErrorIs(t, err, ErrNoDepositToRedeem)
}

func TestHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, env.repo.CreateSession(context.Background(), &models.SwapSession{
			UserID: 1, BoothID: 1, SlotID: 11,
			Type: models.SessionDeposit, Status: models.StatusCancelled,
		}))
	}

	page, err := env.svc.History(context.Background(), 1, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Greater(t, page[0].ID, page[1].ID, "创建时间倒序")

	rest, err := env.svc.History(context.Background(), 1, 10, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 3)
}
