package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// CreateProblemReport 记录故障上报，并累加涉事仓位/电池的故障计数；
// 达到阈值时自动标记 faulty（disabled 仓位的状态不覆盖）。
func (s *Service) CreateProblemReport(ctx context.Context, report *models.ProblemReport) error {
	return s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		if err := repo.CreateProblemReport(ctx, report); err != nil {
			return err
		}

		if report.SlotID != nil {
			count, err := repo.IncrementSlotFault(ctx, *report.SlotID)
			if err != nil {
				return err
			}
			if int(count) >= s.faultThreshold {
				slot, err := repo.GetSlot(ctx, *report.SlotID)
				if err != nil {
					return err
				}
				if slot.Status != models.SlotDisabled && slot.Status != models.SlotFaulty {
					if err := repo.UpdateSlotStatus(ctx, slot.ID, models.SlotFaulty); err != nil {
						return err
					}
					s.logger.Warn("slot auto-flagged faulty",
						zap.Int64("slot_id", slot.ID),
						zap.Int32("fault_count", count))
				}
			}
		}

		if report.BatteryID != nil {
			count, err := repo.IncrementBatteryFault(ctx, *report.BatteryID)
			if err != nil {
				return err
			}
			if int(count) >= s.faultThreshold {
				if err := repo.UpdateBatteryHealth(ctx, *report.BatteryID, models.BatteryFaulty); err != nil {
					return err
				}
				s.logger.Warn("battery auto-flagged faulty",
					zap.Int64("battery_id", *report.BatteryID),
					zap.Int32("fault_count", count))
			}
		}

		s.logger.Info("problem report created",
			zap.Int64("user_id", report.UserID),
			zap.Int64("booth_id", report.BoothID),
			zap.String("category", report.Category))
		return nil
	})
}
