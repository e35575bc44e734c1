package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/payment"
	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// 取电支付状态（对外字符串）
const (
	PayStatusPending   = "pending"
	PayStatusPaid      = "paid"
	PayStatusCompleted = "completed"
	PayStatusFailed    = "failed"
	PayStatusCancelled = "cancelled"
)

// HandleWebhook 处理网关回调。调用方（api 层）已经对网关返回了 200，
// 这里的失败只影响内部状态，不影响回执。
// 幂等性：对同一 checkout_ref，只有第一次 pending 状态的迁移会生效。
func (s *Service) HandleWebhook(ctx context.Context, payload *payment.CallbackPayload) error {
	// 先落审计，再改状态；审计失败不阻断处理
	raw, _ := json.Marshal(payload)
	desc := payload.ResultDesc
	if err := s.repo.AppendPaymentEvent(ctx, &models.PaymentEvent{
		CheckoutRef: payload.CheckoutRef,
		ResultCode:  int32(payload.ResultCode),
		ResultDesc:  &desc,
		Payload:     raw,
	}); err != nil {
		s.logger.Error("append payment event failed",
			zap.String("checkout_ref", payload.CheckoutRef), zap.Error(err))
	}

	var sessionID int64
	err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		sess, err := repo.GetSessionForUpdateByCheckoutRef(ctx, payload.CheckoutRef)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.webhookResult("unknown")
				s.logger.Warn("webhook for unknown checkout ref",
					zap.String("checkout_ref", payload.CheckoutRef))
				return nil
			}
			return err
		}
		if sess.Status != models.StatusPending {
			// 重复投递或已被自愈路径处理
			s.webhookResult("duplicate")
			return nil
		}

		if payload.ResultCode == payment.ResultSuccess {
			sessionID = sess.ID
			return nil
		}

		// 扣款失败：pending -> failed
		if _, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusPending, models.StatusFailed); err != nil {
			return err
		}
		if err := repo.AppendSessionNote(ctx, sess.ID, fmt.Sprintf("payment failed: code=%d desc=%s", payload.ResultCode, payload.ResultDesc)); err != nil {
			return err
		}
		s.webhookResult("failure")
		if s.metrics != nil {
			s.metrics.SessionsFailed.WithLabelValues("payment_declined").Inc()
		}
		s.logger.Info("payment declined",
			zap.Int64("session_id", sess.ID),
			zap.String("checkout_ref", payload.CheckoutRef),
			zap.Int("result_code", payload.ResultCode))
		return nil
	})
	if err != nil {
		return err
	}

	if sessionID != 0 {
		done, err := s.CompletePaidWithdrawal(ctx, sessionID)
		if err != nil {
			return err
		}
		if done {
			s.webhookResult("success")
		} else {
			s.webhookResult("duplicate")
		}
	}
	return nil
}

// CompletePaidWithdrawal 支付确认后的共享收尾：pending -> in_progress，
// 下发停充 + 开仓取电。webhook 与自愈路径共用，条件迁移保证二者竞争时
// 只有一方生效。
func (s *Service) CompletePaidWithdrawal(ctx context.Context, sessionID int64) (bool, error) {
	var (
		moved     bool
		boothID   int64
		slotIdent string
	)

	err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		sess, err := repo.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		moved, err = repo.TransitionSessionStatus(ctx, sessionID, models.StatusPending, models.StatusInProgress)
		if err != nil || !moved {
			return err
		}
		slot, err := repo.GetSlot(ctx, sess.SlotID)
		if err != nil {
			return err
		}
		boothID, slotIdent = sess.BoothID, slot.Identifier
		return nil
	})
	if err != nil || !moved {
		return false, err
	}

	if cmdErr := s.commands.StopCharging(ctx, boothID, slotIdent); cmdErr != nil {
		s.logger.Error("stop charging after payment failed",
			zap.Int64("session_id", sessionID), zap.Error(cmdErr))
	}
	if cmdErr := s.commands.OpenForCollection(ctx, boothID, slotIdent); cmdErr != nil {
		s.logger.Error("open for collection command failed",
			zap.Int64("session_id", sessionID), zap.Error(cmdErr))
	}
	s.logger.Info("withdrawal paid, slot opening for collection",
		zap.Int64("session_id", sessionID),
		zap.Int64("booth_id", boothID),
		zap.String("slot", slotIdent))
	return true, nil
}

// WithdrawalStatus 查询取电支付状态。长时间 pending 时触发自愈：
// 超过自愈窗口主动向网关求证；网关不可达按 pending 上报，不落终态。
func (s *Service) WithdrawalStatus(ctx context.Context, userID int64, checkoutRef string) (string, error) {
	sess, err := s.repo.GetSessionByCheckoutRef(ctx, checkoutRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	if sess.UserID != userID {
		return "", ErrSessionNotFound
	}

	switch sess.Status {
	case models.StatusInProgress:
		return PayStatusPaid, nil
	case models.StatusCompleted, models.StatusRedeemed:
		return PayStatusCompleted, nil
	case models.StatusFailed:
		return PayStatusFailed, nil
	case models.StatusCancelled:
		return PayStatusCancelled, nil
	}

	// pending：窗口内让客户端继续轮询，窗口外主动求证
	startedAt := sess.CreatedAt
	if sess.StartedAt != nil {
		startedAt = *sess.StartedAt
	}
	if s.now().Sub(startedAt) < s.selfHealAfter {
		return PayStatusPending, nil
	}

	res, err := s.gateway.QueryStatus(ctx, checkoutRef)
	if err != nil {
		s.gatewayResult("error")
		s.logger.Warn("gateway status query failed, keeping pending",
			zap.String("checkout_ref", checkoutRef), zap.Error(err))
		return PayStatusPending, nil
	}
	if res.Success() {
		s.gatewayResult("success")
		if _, err := s.CompletePaidWithdrawal(ctx, sess.ID); err != nil {
			return "", err
		}
		s.logger.Info("payment self-healed via gateway query",
			zap.Int64("session_id", sess.ID),
			zap.String("checkout_ref", checkoutRef))
		return PayStatusPaid, nil
	}

	// 网关确认失败
	s.gatewayResult("failure")
	err = s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		moved, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusPending, models.StatusFailed)
		if err != nil || !moved {
			return err
		}
		return repo.AppendSessionNote(ctx, sess.ID, fmt.Sprintf("payment failed (self-heal): code=%d desc=%s", res.ResultCode, res.ResultDesc))
	})
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.SessionsFailed.WithLabelValues("payment_declined").Inc()
	}
	return PayStatusFailed, nil
}

func (s *Service) webhookResult(result string) {
	if s.metrics != nil {
		s.metrics.WebhookTotal.WithLabelValues(result).Inc()
	}
}

func (s *Service) gatewayResult(result string) {
	if s.metrics != nil {
		s.metrics.GatewayQueryTotal.WithLabelValues(result).Inc()
	}
}

// SeedPricingRules 首次启动时把配置的缺省计费规则写入 pricing_rules 表。
// 表非空时不做任何写入，运营端的修改不会被启动覆盖。
func (s *Service) SeedPricingRules(ctx context.Context, defaults map[string]float64) error {
	rows, err := s.repo.ListPricingRules(ctx)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		return nil
	}
	for key, value := range defaults {
		if err := s.repo.UpsertPricingRule(ctx, key, value); err != nil {
			return err
		}
	}
	s.logger.Info("pricing rules seeded", zap.Int("count", len(defaults)))
	return nil
}
