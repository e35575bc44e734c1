package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/swap-server/internal/config"
	"github.com/taoyao-code/swap-server/internal/metrics"
	"github.com/taoyao-code/swap-server/internal/service"
	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// MaintenanceSweeper 过期会话清理器。
// 定期回收两类悬挂会话：
//  1. opening 放电——仓位已预留但用户一直没放电池，取消并释放仓位
//  2. pending 取电——报价后一直未支付，置为 failed（电池留在仓内，
//     用户随时可重新发起取电拿到新报价）
type MaintenanceSweeper struct {
	repo     storage.CoreRepo
	commands service.Commander
	metrics  *metrics.AppMetrics
	logger   *zap.Logger

	checkInterval    time.Duration
	openingMaxAge    time.Duration
	withdrawalMaxAge time.Duration

	now func() time.Time

	// 统计
	statsChecked            int64
	statsExpiredDeposits    int64
	statsExpiredWithdrawals int64
}

// NewMaintenanceSweeper 创建清理器
func NewMaintenanceSweeper(
	repo storage.CoreRepo,
	commands service.Commander,
	m *metrics.AppMetrics,
	cfg cfgpkg.SweeperConfig,
	logger *zap.Logger,
) *MaintenanceSweeper {
	s := &MaintenanceSweeper{
		repo:             repo,
		commands:         commands,
		metrics:          m,
		logger:           logger,
		checkInterval:    cfg.CheckInterval,
		openingMaxAge:    cfg.OpeningMaxAge,
		withdrawalMaxAge: cfg.PendingWithdrawalMaxAge,
		now:              time.Now,
	}
	if s.checkInterval <= 0 {
		s.checkInterval = time.Minute
	}
	if s.openingMaxAge <= 0 {
		s.openingMaxAge = 10 * time.Minute
	}
	if s.withdrawalMaxAge <= 0 {
		s.withdrawalMaxAge = 30 * time.Minute
	}
	return s
}

// Start 启动清理循环，ctx 取消后退出
func (s *MaintenanceSweeper) Start(ctx context.Context) {
	s.logger.Info("maintenance sweeper started",
		zap.Duration("check_interval", s.checkInterval),
		zap.Duration("opening_max_age", s.openingMaxAge),
		zap.Duration("pending_withdrawal_max_age", s.withdrawalMaxAge))

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("maintenance sweeper stopped",
				zap.Int64("checked", s.statsChecked),
				zap.Int64("expired_deposits", s.statsExpiredDeposits),
				zap.Int64("expired_withdrawals", s.statsExpiredWithdrawals))
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *MaintenanceSweeper) sweep(ctx context.Context) {
	s.statsChecked++
	s.expireOpeningDeposits(ctx)
	s.expirePendingWithdrawals(ctx)
}

// expireOpeningDeposits 取消超龄的 opening 放电会话并释放仓位
func (s *MaintenanceSweeper) expireOpeningDeposits(ctx context.Context) {
	cutoff := s.now().Add(-s.openingMaxAge)
	stale, err := s.repo.ListStaleSessions(ctx, models.SessionDeposit, models.StatusOpening, cutoff, 100)
	if err != nil {
		s.logger.Error("list stale opening deposits failed", zap.Error(err))
		return
	}

	for i := range stale {
		sess := &stale[i]
		var slotIdent string
		err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
			moved, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusOpening, models.StatusCancelled)
			if err != nil || !moved {
				return err
			}
			if err := repo.AppendSessionNote(ctx, sess.ID, "expired by sweeper: door never used"); err != nil {
				return err
			}
			if _, err := repo.TransitionSlotStatus(ctx, sess.SlotID, models.SlotOpening, models.SlotAvailable); err != nil {
				return err
			}
			slot, err := repo.GetSlot(ctx, sess.SlotID)
			if err != nil {
				return err
			}
			slotIdent = slot.Identifier
			return nil
		})
		if err != nil {
			s.logger.Error("expire opening deposit failed",
				zap.Int64("session_id", sess.ID), zap.Error(err))
			continue
		}
		if slotIdent == "" {
			continue
		}

		if cmdErr := s.commands.ClearDoorCommands(ctx, sess.BoothID, slotIdent); cmdErr != nil {
			s.logger.Warn("clear door commands failed",
				zap.Int64("session_id", sess.ID), zap.Error(cmdErr))
		}
		s.statsExpiredDeposits++
		if s.metrics != nil {
			s.metrics.SweeperExpired.WithLabelValues("opening_deposit").Inc()
		}
		s.logger.Info("stale opening deposit expired",
			zap.Int64("session_id", sess.ID),
			zap.Int64("user_id", sess.UserID),
			zap.Time("created_at", sess.CreatedAt))
	}
}

// expirePendingWithdrawals 把超龄未支付的取电会话置为 failed
func (s *MaintenanceSweeper) expirePendingWithdrawals(ctx context.Context) {
	cutoff := s.now().Add(-s.withdrawalMaxAge)
	stale, err := s.repo.ListStaleSessions(ctx, models.SessionWithdrawal, models.StatusPending, cutoff, 100)
	if err != nil {
		s.logger.Error("list stale pending withdrawals failed", zap.Error(err))
		return
	}

	for i := range stale {
		sess := &stale[i]
		var slotIdent string
		err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
			moved, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusPending, models.StatusFailed)
			if err != nil || !moved {
				return err
			}
			if err := repo.AppendSessionNote(ctx, sess.ID, "expired by sweeper: never paid"); err != nil {
				return err
			}
			slot, err := repo.GetSlot(ctx, sess.SlotID)
			if err != nil {
				return err
			}
			slotIdent = slot.Identifier
			return nil
		})
		if err != nil {
			s.logger.Error("expire pending withdrawal failed",
				zap.Int64("session_id", sess.ID), zap.Error(err))
			continue
		}
		if slotIdent == "" {
			continue
		}

		// 报价时停了充电，过期后恢复
		if cmdErr := s.commands.StartCharging(ctx, sess.BoothID, slotIdent); cmdErr != nil {
			s.logger.Warn("resume charging failed",
				zap.Int64("session_id", sess.ID), zap.Error(cmdErr))
		}
		s.statsExpiredWithdrawals++
		if s.metrics != nil {
			s.metrics.SweeperExpired.WithLabelValues("pending_withdrawal").Inc()
		}
		s.logger.Info("stale pending withdrawal expired",
			zap.Int64("session_id", sess.ID),
			zap.Int64("user_id", sess.UserID))
	}
}

// Stats 获取清理统计
func (s *MaintenanceSweeper) Stats() map[string]interface{} {
	return map[string]interface{}{
		"checked":             s.statsChecked,
		"expired_deposits":    s.statsExpiredDeposits,
		"expired_withdrawals": s.statsExpiredWithdrawals,
		"check_interval_sec":  s.checkInterval.Seconds(),
	}
}
