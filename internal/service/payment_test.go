package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/swap-server/internal/payment"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// seedPaidPending 预置一条已发起扣款、等待确认的取电会话
func (env *testEnv) seedPaidPending(t *testing.T, checkoutRef string) *models.SwapSession {
	t.Helper()
	started := env.now.Add(-10 * time.Second)
	sess := &models.SwapSession{
		UserID: 1, BoothID: 1, SlotID: 11,
		Type: models.SessionWithdrawal, Status: models.StatusPending,
		Amount:      ptr(650.00),
		CheckoutRef: &checkoutRef,
		StartedAt:   &started,
	}
	require.NoError(t, env.repo.CreateSession(context.Background(), sess))
	return sess
}

func TestWebhookSuccess(t *testing.T) {
	env := newTestEnv(t)
	sess := env.seedPaidPending(t, "ws_CO_1")

	err := env.svc.HandleWebhook(context.Background(), &payment.CallbackPayload{
		CheckoutRef: "ws_CO_1", ResultCode: 0, ResultDesc: "processed",
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusInProgress, env.repo.Session(sess.ID).Status)
	assert.True(t, env.commands.has("stop_charging:1/A1"))
	assert.True(t, env.commands.has("open_for_collection:1/A1"))
	require.Len(t, env.repo.Events, 1, "每次回调都留审计记录")
	assert.Equal(t, "ws_CO_1", env.repo.Events[0].CheckoutRef)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	sess := env.seedPaidPending(t, "ws_CO_1")
	cb := &payment.CallbackPayload{CheckoutRef: "ws_CO_1", ResultCode: 0}

	require.NoError(t, env.svc.HandleWebhook(context.Background(), cb))
	commandCount := len(env.commands.calls)

	// 网关重复投递：状态不变，不重复下发命令
	require.NoError(t, env.svc.HandleWebhook(context.Background(), cb))
	assert.Equal(t, models.StatusInProgress, env.repo.Session(sess.ID).Status)
	assert.Len(t, env.commands.calls, commandCount)
	assert.Len(t, env.repo.Events, 2, "审计记录每次投递都追加")
}

func TestWebhookFailure(t *testing.T) {
	env := newTestEnv(t)
	sess := env.seedPaidPending(t, "ws_CO_1")

	err := env.svc.HandleWebhook(context.Background(), &payment.CallbackPayload{
		CheckoutRef: "ws_CO_1", ResultCode: 1032, ResultDesc: "cancelled by user",
	})
	require.NoError(t, err)

	stored := env.repo.Session(sess.ID)
	assert.Equal(t, models.StatusFailed, stored.Status)
	require.NotNil(t, stored.Notes)
	assert.Contains(t, *stored.Notes, "1032")
}

func TestWebhookUnknownRef(t *testing.T) {
	env := newTestEnv(t)
	err := env.svc.HandleWebhook(context.Background(), &payment.CallbackPayload{
		CheckoutRef: "ws_CO_nope", ResultCode: 0,
	})
	require.NoError(t, err, "未知单号不报错，只记日志")
	assert.Len(t, env.repo.Events, 1)
}

func TestWithdrawalStatusInsideWindow(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaidPending(t, "ws_CO_1")

	status, err := env.svc.WithdrawalStatus(context.Background(), 1, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, status)
	assert.Equal(t, 0, env.gateway.queryCalls, "窗口内不打网关")
}

func TestWithdrawalStatusSelfHealSuccess(t *testing.T) {
	env := newTestEnv(t)
	sess := env.seedPaidPending(t, "ws_CO_1")
	env.now = env.now.Add(2 * time.Minute) // 超过 90s 自愈窗口
	env.gateway.statusRes = &payment.StatusResult{ResultCode: 0, ResultDesc: "processed"}

	status, err := env.svc.WithdrawalStatus(context.Background(), 1, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, PayStatusPaid, status)
	assert.Equal(t, 1, env.gateway.queryCalls)
	assert.Equal(t, models.StatusInProgress, env.repo.Session(sess.ID).Status)
	assert.True(t, env.commands.has("open_for_collection:1/A1"))
}

func TestWithdrawalStatusSelfHealFailure(t *testing.T) {
	env := newTestEnv(t)
	sess := env.seedPaidPending(t, "ws_CO_1")
	env.now = env.now.Add(2 * time.Minute)
	env.gateway.statusRes = &payment.StatusResult{ResultCode: 1, ResultDesc: "insufficient funds"}

	status, err := env.svc.WithdrawalStatus(context.Background(), 1, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, PayStatusFailed, status)
	assert.Equal(t, models.StatusFailed, env.repo.Session(sess.ID).Status)
}

func TestWithdrawalStatusGatewayUnavailable(t *testing.T) {
	env := newTestEnv(t)
	sess := env.seedPaidPending(t, "ws_CO_1")
	env.now = env.now.Add(2 * time.Minute)
	env.gateway.statusErr = payment.ErrGatewayUnavailable

	status, err := env.svc.WithdrawalStatus(context.Background(), 1, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, PayStatusPending, status, "网关不可达按 pending 上报")
	assert.Equal(t, models.StatusPending, env.repo.Session(sess.ID).Status, "不落终态")
}

// webhook 先到、自愈查询后到：状态查询直接返回 paid，不再打网关
func TestWebhookThenSelfHealRace(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaidPending(t, "ws_CO_1")
	require.NoError(t, env.svc.HandleWebhook(context.Background(), &payment.CallbackPayload{
		CheckoutRef: "ws_CO_1", ResultCode: 0,
	}))
	env.now = env.now.Add(2 * time.Minute)

	status, err := env.svc.WithdrawalStatus(context.Background(), 1, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, PayStatusPaid, status)
	assert.Equal(t, 0, env.gateway.queryCalls)
}

func TestWithdrawalStatusTerminalMapping(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		session string
		want    string
	}{
		{models.StatusCompleted, PayStatusCompleted},
		{models.StatusRedeemed, PayStatusCompleted},
		{models.StatusFailed, PayStatusFailed},
		{models.StatusCancelled, PayStatusCancelled},
	}
	for i, tt := range tests {
		ref := "ws_CO_map_" + tt.session
		sess := env.seedPaidPending(t, ref)
		env.repo.Session(sess.ID).Status = tt.session

		status, err := env.svc.WithdrawalStatus(context.Background(), 1, ref)
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, tt.want, status)
	}
}

func TestWithdrawalStatusWrongUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedPaidPending(t, "ws_CO_1")

	_, err := env.svc.WithdrawalStatus(context.Background(), 2, "ws_CO_1")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSeedPricingRules(t *testing.T) {
	env := newTestEnv(t)
	// 已有规则时不覆盖
	require.NoError(t, env.svc.SeedPricingRules(context.Background(), map[string]float64{
		models.RuleBaseFee: 999,
	}))
	assert.Equal(t, 50.0, env.repo.Rules[models.RuleBaseFee])

	env.repo.Rules = map[string]float64{}
	require.NoError(t, env.svc.SeedPricingRules(context.Background(), map[string]float64{
		models.RuleBaseFee:        50,
		models.RuleRatePerPercent: 10,
	}))
	assert.Equal(t, 10.0, env.repo.Rules[models.RuleRatePerPercent])
}
