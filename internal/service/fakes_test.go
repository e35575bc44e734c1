package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/taoyao-code/swap-server/internal/mirror"
	"github.com/taoyao-code/swap-server/internal/payment"
)

// fakeMirror 按 booth/slot 返回预置快照；未预置返回 ErrNoTelemetry
type fakeMirror struct {
	mu    sync.Mutex
	snaps map[string]*mirror.Snapshot
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{snaps: make(map[string]*mirror.Snapshot)}
}

func (f *fakeMirror) set(boothID int64, slot string, snap mirror.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[fmt.Sprintf("%d/%s", boothID, slot)] = &snap
}

func (f *fakeMirror) ReadSlot(ctx context.Context, boothID int64, slot string) (*mirror.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[fmt.Sprintf("%d/%s", boothID, slot)]
	if !ok {
		return nil, mirror.ErrNoTelemetry
	}
	cp := *snap
	return &cp, nil
}

// fakeCommander 记录下发的命令
type fakeCommander struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommander) record(kind string, boothID int64, slot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d/%s", kind, boothID, slot))
	return nil
}

func (f *fakeCommander) OpenForDeposit(ctx context.Context, boothID int64, slot string) error {
	return f.record("open_for_deposit", boothID, slot)
}
func (f *fakeCommander) OpenForCollection(ctx context.Context, boothID int64, slot string) error {
	return f.record("open_for_collection", boothID, slot)
}
func (f *fakeCommander) StartCharging(ctx context.Context, boothID int64, slot string) error {
	return f.record("start_charging", boothID, slot)
}
func (f *fakeCommander) StopCharging(ctx context.Context, boothID int64, slot string) error {
	return f.record("stop_charging", boothID, slot)
}
func (f *fakeCommander) ClearDoorCommands(ctx context.Context, boothID int64, slot string) error {
	return f.record("clear_door", boothID, slot)
}

func (f *fakeCommander) has(call string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == call {
			return true
		}
	}
	return false
}

// fakeGateway 可编程的支付网关
type fakeGateway struct {
	mu          sync.Mutex
	checkoutRef string
	initErr     error
	statusRes   *payment.StatusResult
	statusErr   error
	initCalls   int
	queryCalls  int
}

func (f *fakeGateway) InitiateCharge(ctx context.Context, phone string, amount float64, reference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.initErr != nil {
		return "", f.initErr
	}
	return f.checkoutRef, nil
}

func (f *fakeGateway) QueryStatus(ctx context.Context, checkoutRef string) (*payment.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.statusRes, nil
}
