package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/mirror"
	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
	"github.com/taoyao-code/swap-server/internal/storage/storagetest"
)

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommands) record(kind string, boothID int64, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d/%s", kind, boothID, slot))
	return nil
}

func (f *fakeCommands) StartCharging(ctx context.Context, boothID int64, slot string) error {
	return f.record("start_charging", boothID, slot)
}
func (f *fakeCommands) StopCharging(ctx context.Context, boothID int64, slot string) error {
	return f.record("stop_charging", boothID, slot)
}
func (f *fakeCommands) ClearDoorCommands(ctx context.Context, boothID int64, slot string) error {
	return f.record("clear_door", boothID, slot)
}

func (f *fakeCommands) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(kind) && c[:len(kind)] == kind {
			n++
		}
	}
	return n
}

type fakeSubscriber struct {
	ch chan mirror.ChangeEvent
}

func (f *fakeSubscriber) Subscribe(ctx context.Context) (<-chan mirror.ChangeEvent, error) {
	return f.ch, nil
}

type reconTestEnv struct {
	repo     *storagetest.FakeRepo
	commands *fakeCommands
	store    *MemoryStore
	rec      *Reconciler
	now      time.Time
}

func newReconTestEnv(t *testing.T) *reconTestEnv {
	t.Helper()
	env := &reconTestEnv{
		repo:     storagetest.NewFakeRepo(),
		commands: &fakeCommands{},
		store:    NewMemoryStore(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.rec = New(env.repo, nil, env.store, DefaultReasonMap(), env.commands, nil, zap.NewNop(),
		WithNow(func() time.Time { return env.now }))

	env.repo.Users[1] = &models.User{ID: 1, Phone: "254700000001"}
	env.repo.Booths[1] = &models.Booth{ID: 1, Name: "CBD Booth", Status: models.BoothOnline}
	env.repo.Slots[11] = &models.Slot{ID: 11, BoothID: 1, Identifier: "A1", Status: models.SlotOpening}
	return env
}

func (env *reconTestEnv) event(snap mirror.Snapshot) mirror.ChangeEvent {
	return mirror.ChangeEvent{BoothID: 1, SlotIdentifier: "A1", Snapshot: snap}
}

// baseline 先喂一个事件建立 last-seen 基线
func (env *reconTestEnv) baseline(snap mirror.Snapshot) {
	env.rec.handle(context.Background(), env.event(snap))
}

func seedOpeningDeposit(t *testing.T, env *reconTestEnv) *models.SwapSession {
	t.Helper()
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionDeposit, Status: models.StatusOpening,
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))
	return sess
}

func seedPaidWithdrawal(t *testing.T, env *reconTestEnv) *models.SwapSession {
	t.Helper()
	batteryID, depositID := int64(2001), int64(900)
	env.repo.Batteries[batteryID] = &models.Battery{ID: batteryID, Serial: "BAT-2001", OwnerUserID: ptr(int64(1))}
	env.repo.Slots[11].Status = models.SlotOccupied
	env.repo.Slots[11].BatteryID = &batteryID
	deposit := &models.SwapSession{
		ID: depositID, UserID: 1, BoothID: 1, SlotID: 11, BatteryID: &batteryID,
		Type: models.SessionDeposit, Status: models.StatusCompleted,
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), deposit))
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11, BatteryID: &batteryID,
		Type: models.SessionWithdrawal, Status: models.StatusInProgress,
		DepositSessionID: &depositID,
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))
	return sess
}

func ptr[T any](v T) *T { return &v }

func TestDepositCompletesOnBatteryArrival(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedOpeningDeposit(t, env)
	env.baseline(mirror.Snapshot{BatteryPresent: false, DoorClosed: false})

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: true, DoorClosed: true, DoorLocked: true, ChargeLevel: 20,
	}))

	stored := env.repo.Session(sess.ID)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.InitialChargeLevel)
	assert.Equal(t, int32(20), *stored.InitialChargeLevel)
	require.NotNil(t, stored.BatteryID)

	slot := env.repo.Slot(11)
	assert.Equal(t, models.SlotOccupied, slot.Status)
	assert.Equal(t, *stored.BatteryID, *slot.BatteryID)
	assert.Equal(t, 1, env.commands.count("start_charging"))
}

func TestDepositNotCompletedWhileDoorOpen(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedOpeningDeposit(t, env)
	env.baseline(mirror.Snapshot{BatteryPresent: false})

	// 电池已到位但门还开着：不算完成
	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: true, DoorClosed: false, DoorLocked: false, ChargeLevel: 20,
	}))
	assert.Equal(t, models.StatusOpening, env.repo.Session(sess.ID).Status)
}

func TestDepositCompletionNeedsBaseline(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedOpeningDeposit(t, env)

	// 没有基线的首个事件只建立 last-seen，不驱动状态
	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: true, DoorClosed: true, DoorLocked: true, ChargeLevel: 20,
	}))
	assert.Equal(t, models.StatusOpening, env.repo.Session(sess.ID).Status)
}

// 遥测与应答两条路径各自到达：只完成一次
func TestTelemetryAndAckEitherOrderCompleteOnce(t *testing.T) {
	for _, ackFirst := range []bool{true, false} {
		name := "telemetry_first"
		if ackFirst {
			name = "ack_first"
		}
		t.Run(name, func(t *testing.T) {
			env := newReconTestEnv(t)
			sess := seedOpeningDeposit(t, env)
			env.baseline(mirror.Snapshot{BatteryPresent: false})

			ackEvent := env.event(mirror.Snapshot{
				BatteryPresent: false, LastAck: "deposit_accepted", ChargeLevel: 20,
			})
			telemetryEvent := env.event(mirror.Snapshot{
				BatteryPresent: true, DoorClosed: true, DoorLocked: true,
				LastAck: "deposit_accepted", ChargeLevel: 20,
			})
			if ackFirst {
				env.rec.handle(context.Background(), ackEvent)
				env.rec.handle(context.Background(), telemetryEvent)
			} else {
				env.rec.handle(context.Background(), telemetryEvent)
				env.rec.handle(context.Background(), ackEvent)
			}

			assert.Equal(t, models.StatusCompleted, env.repo.Session(sess.ID).Status)
			assert.Equal(t, 1, env.commands.count("start_charging"), "完成路径只生效一次")
			assert.Len(t, env.repo.Batteries, 1, "电池只登记一次")
		})
	}
}

// flakyRepo 让前 N 次 CreateBattery 失败，模拟瞬时数据库错误
type flakyRepo struct {
	*storagetest.FakeRepo
	createFailures int
}

func (r *flakyRepo) WithTx(ctx context.Context, fn func(repo storage.CoreRepo) error) error {
	return fn(r)
}

func (r *flakyRepo) CreateBattery(ctx context.Context, b *models.Battery) error {
	if r.createFailures > 0 {
		r.createFailures--
		return errors.New("connection reset by peer")
	}
	return r.FakeRepo.CreateBattery(ctx, b)
}

// 完成动作瞬时失败时不推进基线：同一状态变化由下一个事件重放
func TestTransientFailureKeepsBaselineForReplay(t *testing.T) {
	repo := &flakyRepo{FakeRepo: storagetest.NewFakeRepo(), createFailures: 1}
	commands := &fakeCommands{}
	rec := New(repo, nil, NewMemoryStore(), DefaultReasonMap(), commands, nil, zap.NewNop())

	repo.Users[1] = &models.User{ID: 1, Phone: "254700000001"}
	repo.Booths[1] = &models.Booth{ID: 1, Name: "CBD Booth", Status: models.BoothOnline}
	repo.Slots[11] = &models.Slot{ID: 11, BoothID: 1, Identifier: "A1", Status: models.SlotOpening}
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionDeposit, Status: models.StatusOpening,
	}
	require.NoError(t, repo.FakeRepo.CreateSession(context.Background(), sess))

	ev := func(snap mirror.Snapshot) mirror.ChangeEvent {
		return mirror.ChangeEvent{BoothID: 1, SlotIdentifier: "A1", Snapshot: snap}
	}
	rec.handle(context.Background(), ev(mirror.Snapshot{BatteryPresent: false}))

	arrived := ev(mirror.Snapshot{
		BatteryPresent: true, DoorClosed: true, DoorLocked: true, ChargeLevel: 35,
	})
	rec.handle(context.Background(), arrived)
	assert.Equal(t, models.StatusOpening, repo.Session(sess.ID).Status, "首次处理因数据库错误失败")

	// 基线仍是「无电池」，重放同一事件后完成
	rec.handle(context.Background(), arrived)
	stored := repo.Session(sess.ID)
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.InitialChargeLevel)
	assert.Equal(t, int32(35), *stored.InitialChargeLevel)
	assert.Equal(t, 1, commands.count("start_charging"))
}

func TestDepositRejectedByDevice(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedOpeningDeposit(t, env)
	env.baseline(mirror.Snapshot{BatteryPresent: false})

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: false, LastAck: "deposit_no_plug",
	}))

	stored := env.repo.Session(sess.ID)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	require.NotNil(t, stored.Notes)
	assert.Contains(t, *stored.Notes, "deposit_no_plug")
	assert.Equal(t, models.SlotAvailable, env.repo.Slot(11).Status)
	assert.Equal(t, 1, env.commands.count("clear_door"))
}

func TestWithdrawalCompletesOnBatteryRemoval(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedPaidWithdrawal(t, env)
	env.baseline(mirror.Snapshot{BatteryPresent: true, DoorClosed: true, DoorLocked: true})

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: false, DoorClosed: true, DoorLocked: true,
	}))

	assert.Equal(t, models.StatusCompleted, env.repo.Session(sess.ID).Status)
	assert.Equal(t, models.StatusRedeemed, env.repo.Session(900).Status, "放电会话被消费")
	assert.Nil(t, env.repo.Batteries[2001].OwnerUserID, "电池归属清除")

	slot := env.repo.Slot(11)
	assert.Equal(t, models.SlotAvailable, slot.Status)
	assert.Nil(t, slot.BatteryID)
}

func TestBatteryRemovedWithoutPaymentIgnored(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedPaidWithdrawal(t, env)
	// 未支付（退回 pending）
	env.repo.Session(sess.ID).Status = models.StatusPending
	env.baseline(mirror.Snapshot{BatteryPresent: true, DoorClosed: true, DoorLocked: true})

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: false, DoorClosed: true, DoorLocked: true,
	}))

	assert.Equal(t, models.StatusPending, env.repo.Session(sess.ID).Status)
	assert.Equal(t, models.SlotOccupied, env.repo.Slot(11).Status)
}

func TestCollectionRejectedByDevice(t *testing.T) {
	env := newReconTestEnv(t)
	sess := seedPaidWithdrawal(t, env)
	env.baseline(mirror.Snapshot{BatteryPresent: true})

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: true, LastAck: "collection_rejected",
	}))

	assert.Equal(t, models.StatusFailed, env.repo.Session(sess.ID).Status)
	assert.Equal(t, models.SlotOccupied, env.repo.Slot(11).Status, "电池留在仓内")
}

func TestChargeSafetyStop(t *testing.T) {
	env := newReconTestEnv(t)
	env.baseline(mirror.Snapshot{Charging: true})

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		Charging: true, LastAck: "charge_safety_stop",
	}))
	assert.Equal(t, 1, env.commands.count("stop_charging"))
}

func TestAckOnlyProcessedOnChange(t *testing.T) {
	env := newReconTestEnv(t)
	env.baseline(mirror.Snapshot{Charging: true, LastAck: "charge_safety_stop"})

	// 同一应答重复出现在后续快照里：不重复处理
	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		Charging: false, LastAck: "charge_safety_stop",
	}))
	assert.Equal(t, 1, env.commands.count("stop_charging"), "基线事件处理一次，重复快照不再处理")
}

func TestUnknownSlotSkipped(t *testing.T) {
	env := newReconTestEnv(t)
	env.rec.handle(context.Background(), mirror.ChangeEvent{
		BoothID: 1, SlotIdentifier: "Z9",
		Snapshot: mirror.Snapshot{BatteryPresent: true},
	})
	// 不 panic、不写库即可
	assert.Empty(t, env.commands.calls)
}

func TestTelemetryCacheRefreshed(t *testing.T) {
	env := newReconTestEnv(t)
	env.rec.handle(context.Background(), env.event(mirror.Snapshot{
		BatteryPresent: true, Charging: true, ChargeLevel: 42, DoorClosed: true,
	}))

	slot := env.repo.Slot(11)
	require.NotNil(t, slot.ChargeLevel)
	assert.Equal(t, int32(42), *slot.ChargeLevel)
	assert.True(t, *slot.Charging)
	assert.Equal(t, env.now, *slot.LastSeenAt)
}

func TestDeviceStatusMapsSlotStatus(t *testing.T) {
	env := newReconTestEnv(t)
	env.rec.handle(context.Background(), env.event(mirror.Snapshot{DeviceStatus: "faulty"}))
	assert.Equal(t, models.SlotFaulty, env.repo.Slot(11).Status)
}

func TestDisabledSlotStatusNeverOverwritten(t *testing.T) {
	env := newReconTestEnv(t)
	env.repo.Slots[11].Status = models.SlotDisabled

	env.rec.handle(context.Background(), env.event(mirror.Snapshot{DeviceStatus: "faulty", ChargeLevel: 10}))

	slot := env.repo.Slot(11)
	assert.Equal(t, models.SlotDisabled, slot.Status)
	require.NotNil(t, slot.ChargeLevel)
	assert.Equal(t, int32(10), *slot.ChargeLevel, "遥测缓存照常刷新")
}

func TestStartConsumesSubscription(t *testing.T) {
	env := newReconTestEnv(t)
	seedOpeningDeposit(t, env)
	sub := &fakeSubscriber{ch: make(chan mirror.ChangeEvent, 4)}
	rec := New(env.repo, sub, env.store, DefaultReasonMap(), env.commands, nil, zap.NewNop(),
		WithNow(func() time.Time { return env.now }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rec.Start(ctx))

	sub.ch <- env.event(mirror.Snapshot{BatteryPresent: false})
	sub.ch <- env.event(mirror.Snapshot{BatteryPresent: true, DoorClosed: true, DoorLocked: true, ChargeLevel: 33})
	close(sub.ch)

	require.Eventually(t, func() bool {
		return env.repo.Slot(11).Status == models.SlotOccupied
	}, time.Second, 10*time.Millisecond)
}
