// Package service 换电会话编排核心。
// 所有写路径都在单个数据库事务内执行，并以用户行锁开头序列化同一用户的
// 并发请求；硬件命令只在事务提交之后下发。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/metrics"
	"github.com/taoyao-code/swap-server/internal/mirror"
	"github.com/taoyao-code/swap-server/internal/payment"
	"github.com/taoyao-code/swap-server/internal/pricing"
	"github.com/taoyao-code/swap-server/internal/storage"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// Commander 硬件命令下发接口（dispatch.Dispatcher 实现）
type Commander interface {
	OpenForDeposit(ctx context.Context, boothID int64, slot string) error
	OpenForCollection(ctx context.Context, boothID int64, slot string) error
	StartCharging(ctx context.Context, boothID int64, slot string) error
	StopCharging(ctx context.Context, boothID int64, slot string) error
	ClearDoorCommands(ctx context.Context, boothID int64, slot string) error
}

// Service 会话编排服务
type Service struct {
	repo     storage.CoreRepo
	mirror   mirror.Reader
	commands Commander
	gateway  payment.Gateway
	metrics  *metrics.AppMetrics
	logger   *zap.Logger

	selfHealAfter  time.Duration
	faultThreshold int

	now func() time.Time
}

// Option 服务可选参数
type Option func(*Service)

// WithNow 注入时钟（测试用）
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New 创建会话编排服务
func New(
	repo storage.CoreRepo,
	mirrorReader mirror.Reader,
	commands Commander,
	gateway payment.Gateway,
	m *metrics.AppMetrics,
	logger *zap.Logger,
	selfHealAfter time.Duration,
	faultThreshold int,
	opts ...Option,
) *Service {
	s := &Service{
		repo:           repo,
		mirror:         mirrorReader,
		commands:       commands,
		gateway:        gateway,
		metrics:        m,
		logger:         logger,
		selfHealAfter:  selfHealAfter,
		faultThreshold: faultThreshold,
		now:            time.Now,
	}
	if s.selfHealAfter <= 0 {
		s.selfHealAfter = 90 * time.Second
	}
	if s.faultThreshold <= 0 {
		s.faultThreshold = 3
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DepositResult 放电发起结果
type DepositResult struct {
	SessionID      int64  `json:"session_id"`
	BoothID        int64  `json:"booth_id"`
	SlotIdentifier string `json:"slot_identifier"`
}

// InitiateDeposit 发起放电：锁用户 -> 校验活动会话 -> 校验柜机 ->
// 扫描空仓位并条件认领，提交后下发开仓命令。
func (s *Service) InitiateDeposit(ctx context.Context, userID, boothID int64) (*DepositResult, error) {
	var (
		session    *models.SwapSession
		slotIdent  string
		clearSlots []string // 被顺带取消的陈旧 opening 会话对应的仓位
	)

	err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		active, err := repo.ListActiveSessions(ctx, userID)
		if err != nil {
			return err
		}
		for i := range active {
			as := &active[i]
			// 同用户陈旧的 opening 放电会话：顺带取消并释放仓位
			if as.Type == models.SessionDeposit && as.Status == models.StatusOpening {
				if _, err := repo.TransitionSessionStatus(ctx, as.ID, models.StatusOpening, models.StatusCancelled); err != nil {
					return err
				}
				if _, err := repo.TransitionSlotStatus(ctx, as.SlotID, models.SlotOpening, models.SlotAvailable); err != nil {
					return err
				}
				if slot, err := repo.GetSlot(ctx, as.SlotID); err == nil {
					clearSlots = append(clearSlots, slot.Identifier)
				}
				continue
			}
			if as.Type == models.SessionWithdrawal && as.Status == models.StatusPending {
				return ErrPendingWithdrawalExists
			}
			return ErrActiveSessionInProgress
		}

		booth, err := repo.GetBooth(ctx, boothID)
		if err != nil {
			return err
		}
		if booth.Status != models.BoothOnline {
			return ErrBoothNotAvailable
		}

		slots, err := repo.ListAvailableSlots(ctx, boothID)
		if err != nil {
			return err
		}
		for i := range slots {
			slot := &slots[i]
			// 镜像点读守卫：数据库认为空闲但镜像显示有电池/插头时跳过
			snap, err := s.mirror.ReadSlot(ctx, boothID, slot.Identifier)
			if err != nil && !errors.Is(err, mirror.ErrNoTelemetry) {
				return fmt.Errorf("read mirror for slot %s: %w", slot.Identifier, err)
			}
			if snap != nil && (snap.BatteryPresent || snap.PlugConnected) {
				continue
			}

			claimed, err := repo.TransitionSlotStatus(ctx, slot.ID, models.SlotAvailable, models.SlotOpening)
			if err != nil {
				return err
			}
			if !claimed {
				// 其他请求抢先认领了这个仓位
				continue
			}

			now := s.now()
			session = &models.SwapSession{
				UserID:    userID,
				BoothID:   boothID,
				SlotID:    slot.ID,
				Type:      models.SessionDeposit,
				Status:    models.StatusOpening,
				StartedAt: &now,
			}
			if err := repo.CreateSession(ctx, session); err != nil {
				return err
			}
			slotIdent = slot.Identifier
			return nil
		}
		return ErrNoAvailableSlots
	})
	if err != nil {
		return nil, err
	}

	for _, ident := range clearSlots {
		if cmdErr := s.commands.ClearDoorCommands(ctx, boothID, ident); cmdErr != nil {
			s.logger.Warn("clear door commands for stale deposit failed",
				zap.Int64("booth_id", boothID), zap.String("slot", ident), zap.Error(cmdErr))
		}
	}
	if cmdErr := s.commands.OpenForDeposit(ctx, boothID, slotIdent); cmdErr != nil {
		s.logger.Error("open for deposit command failed",
			zap.Int64("session_id", session.ID), zap.Error(cmdErr))
	}
	if s.metrics != nil {
		s.metrics.SessionsStarted.WithLabelValues(models.SessionDeposit).Inc()
	}
	s.logger.Info("deposit session started",
		zap.Int64("session_id", session.ID),
		zap.Int64("user_id", userID),
		zap.Int64("booth_id", boothID),
		zap.String("slot", slotIdent))

	return &DepositResult{SessionID: session.ID, BoothID: boothID, SlotIdentifier: slotIdent}, nil
}

// WithdrawalResult 取电发起结果（金额已冻结）
type WithdrawalResult struct {
	SessionID        int64   `json:"session_id"`
	DepositSessionID int64   `json:"deposit_session_id"`
	BoothID          int64   `json:"booth_id"`
	SlotIdentifier   string  `json:"slot_identifier"`
	InitialCharge    int32   `json:"initial_charge_level"`
	FinalCharge      int32   `json:"final_charge_level"`
	Amount           float64 `json:"amount"`
	// 电池放入完成距今的时长（秒）
	DepositAgeSeconds int64 `json:"deposit_age_seconds"`
}

// InitiateWithdrawal 发起取电：定位未消费的放电会话，读取当前电量并报价，
// 创建待支付取电会话；提交后下发停充命令冻结电量。
func (s *Service) InitiateWithdrawal(ctx context.Context, userID int64) (*WithdrawalResult, error) {
	var (
		result    *WithdrawalResult
		boothID   int64
		slotIdent string
	)

	err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		active, err := repo.ListActiveSessions(ctx, userID)
		if err != nil {
			return err
		}
		if len(active) > 0 {
			if active[0].Type == models.SessionWithdrawal && active[0].Status == models.StatusPending {
				return ErrPendingWithdrawalExists
			}
			return ErrActiveSessionInProgress
		}

		deposit, err := repo.GetUnredeemedDeposit(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrNoDepositToRedeem
			}
			return err
		}
		slot, err := repo.GetSlot(ctx, deposit.SlotID)
		if err != nil {
			return err
		}
		boothID = deposit.BoothID
		slotIdent = slot.Identifier

		finalCharge, err := s.currentCharge(ctx, deposit.BoothID, slot)
		if err != nil {
			return err
		}
		var initialCharge int32
		if deposit.InitialChargeLevel != nil {
			initialCharge = *deposit.InitialChargeLevel
		}

		rows, err := repo.ListPricingRules(ctx)
		if err != nil {
			return err
		}
		rules, err := pricing.FromRows(rows)
		if err != nil {
			return err
		}
		amount := rules.Quote(initialCharge, finalCharge)

		now := s.now()
		session := &models.SwapSession{
			UserID:             userID,
			BoothID:            deposit.BoothID,
			SlotID:             deposit.SlotID,
			BatteryID:          deposit.BatteryID,
			Type:               models.SessionWithdrawal,
			Status:             models.StatusPending,
			Amount:             &amount,
			InitialChargeLevel: &initialCharge,
			FinalChargeLevel:   &finalCharge,
			DepositSessionID:   &deposit.ID,
			StartedAt:          &now,
		}
		if err := repo.CreateSession(ctx, session); err != nil {
			return err
		}
		var depositAge int64
		if deposit.CompletedAt != nil {
			depositAge = int64(now.Sub(*deposit.CompletedAt).Seconds())
		}
		result = &WithdrawalResult{
			SessionID:         session.ID,
			DepositSessionID:  deposit.ID,
			BoothID:           deposit.BoothID,
			SlotIdentifier:    slot.Identifier,
			InitialCharge:     initialCharge,
			FinalCharge:       finalCharge,
			Amount:            amount,
			DepositAgeSeconds: depositAge,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 停充，冻结计费基准
	if cmdErr := s.commands.StopCharging(ctx, boothID, slotIdent); cmdErr != nil {
		s.logger.Error("stop charging command failed",
			zap.Int64("session_id", result.SessionID), zap.Error(cmdErr))
	}
	if s.metrics != nil {
		s.metrics.SessionsStarted.WithLabelValues(models.SessionWithdrawal).Inc()
	}
	s.logger.Info("withdrawal session started",
		zap.Int64("session_id", result.SessionID),
		zap.Int64("user_id", userID),
		zap.Float64("amount", result.Amount))

	return result, nil
}

// TriggerPayment 对取电会话发起网关扣款，写入支付单号。
// pending 与 failed 都可发起：扣款被拒后用户可直接重试，
// failed 会话在写单号时迁回 pending。网关调用在事务外。
func (s *Service) TriggerPayment(ctx context.Context, userID, sessionID int64, phone string) (string, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrSessionNotFound
		}
		return "", err
	}
	if session.UserID != userID || session.Type != models.SessionWithdrawal {
		return "", ErrSessionNotFound
	}
	switch session.Status {
	case models.StatusPending, models.StatusFailed:
	case models.StatusInProgress, models.StatusCompleted:
		return "", ErrAlreadyPaid
	default:
		return "", ErrSessionNotFound
	}
	if session.Amount == nil {
		return "", fmt.Errorf("withdrawal session %d has no amount", sessionID)
	}

	reference := fmt.Sprintf("swap-%d", sessionID)
	checkoutRef, err := s.gateway.InitiateCharge(ctx, phone, *session.Amount, reference)
	if err != nil {
		return "", fmt.Errorf("initiate charge: %w", err)
	}

	err = s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		locked, err := repo.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		switch locked.Status {
		case models.StatusPending:
		case models.StatusFailed:
			// 重试：回到待支付
			if _, err := repo.TransitionSessionStatus(ctx, sessionID, models.StatusFailed, models.StatusPending); err != nil {
				return err
			}
		default:
			return ErrAlreadyPaid
		}
		// 重置 started_at，自愈窗口从扣款发起时刻起算
		return repo.SetSessionCheckout(ctx, sessionID, checkoutRef, s.now())
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("payment initiated",
		zap.Int64("session_id", sessionID),
		zap.String("checkout_ref", checkoutRef))
	return checkoutRef, nil
}

// CancelSession 取消用户当前活动会话。已支付的取电会话不可取消。
func (s *Service) CancelSession(ctx context.Context, userID int64) error {
	var (
		boothID   int64
		slotIdent string
		resume    bool // 取消取电后恢复充电
	)

	err := s.repo.WithTx(ctx, func(repo storage.CoreRepo) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}
		active, err := repo.ListActiveSessions(ctx, userID)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			return ErrNoActiveSession
		}
		sess := &active[0]

		switch {
		case sess.Type == models.SessionWithdrawal && sess.Status == models.StatusInProgress:
			return ErrAlreadyPaid

		case sess.Type == models.SessionDeposit && sess.Status == models.StatusOpening:
			if _, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusOpening, models.StatusCancelled); err != nil {
				return err
			}
			if _, err := repo.TransitionSlotStatus(ctx, sess.SlotID, models.SlotOpening, models.SlotAvailable); err != nil {
				return err
			}
			slot, err := repo.GetSlot(ctx, sess.SlotID)
			if err != nil {
				return err
			}
			boothID, slotIdent = sess.BoothID, slot.Identifier
			return nil

		case sess.Type == models.SessionWithdrawal && sess.Status == models.StatusPending:
			if _, err := repo.TransitionSessionStatus(ctx, sess.ID, models.StatusPending, models.StatusCancelled); err != nil {
				return err
			}
			slot, err := repo.GetSlot(ctx, sess.SlotID)
			if err != nil {
				return err
			}
			boothID, slotIdent, resume = sess.BoothID, slot.Identifier, true
			return nil
		}
		return ErrNoActiveSession
	})
	if err != nil {
		return err
	}

	if slotIdent != "" {
		if resume {
			// 电池留在仓内，恢复充电
			if cmdErr := s.commands.StartCharging(ctx, boothID, slotIdent); cmdErr != nil {
				s.logger.Warn("resume charging after cancel failed",
					zap.Int64("booth_id", boothID), zap.String("slot", slotIdent), zap.Error(cmdErr))
			}
		} else {
			if cmdErr := s.commands.ClearDoorCommands(ctx, boothID, slotIdent); cmdErr != nil {
				s.logger.Warn("clear door commands after cancel failed",
					zap.Int64("booth_id", boothID), zap.String("slot", slotIdent), zap.Error(cmdErr))
			}
		}
	}
	if s.metrics != nil {
		s.metrics.SessionsCancelled.WithLabelValues("user_request").Inc()
	}
	s.logger.Info("session cancelled", zap.Int64("user_id", userID))
	return nil
}

// BatteryStatus 用户在柜电池的实时状态
type BatteryStatus struct {
	DepositSessionID int64      `json:"deposit_session_id"`
	BoothID          int64      `json:"booth_id"`
	BoothName        string     `json:"booth_name"`
	SlotIdentifier   string     `json:"slot_identifier"`
	ChargeLevel      int32      `json:"charge_level"`
	Charging         bool       `json:"charging"`
	DepositedAt      *time.Time `json:"deposited_at,omitempty"`
}

// MyBatteryStatus 查询用户已放入电池的实时状态（镜像优先，缓存兜底）
func (s *Service) MyBatteryStatus(ctx context.Context, userID int64) (*BatteryStatus, error) {
	deposit, err := s.repo.GetUnredeemedDeposit(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoDepositToRedeem
		}
		return nil, err
	}
	slot, err := s.repo.GetSlot(ctx, deposit.SlotID)
	if err != nil {
		return nil, err
	}
	booth, err := s.repo.GetBooth(ctx, deposit.BoothID)
	if err != nil {
		return nil, err
	}

	status := &BatteryStatus{
		DepositSessionID: deposit.ID,
		BoothID:          booth.ID,
		BoothName:        booth.Name,
		SlotIdentifier:   slot.Identifier,
		DepositedAt:      deposit.CompletedAt,
	}
	if snap, err := s.mirror.ReadSlot(ctx, deposit.BoothID, slot.Identifier); err == nil {
		status.ChargeLevel = snap.ChargeLevel
		status.Charging = snap.Charging
	} else {
		if slot.ChargeLevel != nil {
			status.ChargeLevel = *slot.ChargeLevel
		}
		if slot.Charging != nil {
			status.Charging = *slot.Charging
		}
	}
	return status, nil
}

// PendingWithdrawal 查询用户待支付的取电会话
func (s *Service) PendingWithdrawal(ctx context.Context, userID int64) (*models.SwapSession, error) {
	sess, err := s.repo.GetPendingWithdrawal(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNoActiveSession
		}
		return nil, err
	}
	return sess, nil
}

// History 用户历史会话（分页，创建时间倒序）
func (s *Service) History(ctx context.Context, userID int64, limit, offset int) ([]models.SwapSession, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListSessionHistory(ctx, userID, limit, offset)
}

// currentCharge 读取仓位当前电量：镜像优先，缓存列兜底
func (s *Service) currentCharge(ctx context.Context, boothID int64, slot *models.Slot) (int32, error) {
	snap, err := s.mirror.ReadSlot(ctx, boothID, slot.Identifier)
	if err == nil {
		return snap.ChargeLevel, nil
	}
	if !errors.Is(err, mirror.ErrNoTelemetry) {
		s.logger.Warn("mirror read failed, falling back to cached telemetry",
			zap.Int64("booth_id", boothID), zap.String("slot", slot.Identifier), zap.Error(err))
	}
	if slot.ChargeLevel != nil {
		return *slot.ChargeLevel, nil
	}
	return 0, fmt.Errorf("no charge level known for slot %s", slot.Identifier)
}
