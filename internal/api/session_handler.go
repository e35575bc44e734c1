package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/api/middleware"
	"github.com/taoyao-code/swap-server/internal/payment"
	"github.com/taoyao-code/swap-server/internal/service"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// SessionService 处理器依赖的业务接口（service.Service 实现）
type SessionService interface {
	InitiateDeposit(ctx context.Context, userID, boothID int64) (*service.DepositResult, error)
	InitiateWithdrawal(ctx context.Context, userID int64) (*service.WithdrawalResult, error)
	TriggerPayment(ctx context.Context, userID, sessionID int64, phone string) (string, error)
	CancelSession(ctx context.Context, userID int64) error
	MyBatteryStatus(ctx context.Context, userID int64) (*service.BatteryStatus, error)
	PendingWithdrawal(ctx context.Context, userID int64) (*models.SwapSession, error)
	WithdrawalStatus(ctx context.Context, userID int64, checkoutRef string) (string, error)
	History(ctx context.Context, userID int64, limit, offset int) ([]models.SwapSession, error)
	HandleWebhook(ctx context.Context, payload *payment.CallbackPayload) error
	CreateProblemReport(ctx context.Context, report *models.ProblemReport) error
}

// SessionHandler 会话接口处理器
type SessionHandler struct {
	svc    SessionService
	logger *zap.Logger
}

// NewSessionHandler 创建会话接口处理器
func NewSessionHandler(svc SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

// DepositRequest 发起放电请求
type DepositRequest struct {
	BoothID int64 `json:"booth_id" binding:"required,min=1"`
}

// Deposit 发起放电：认领空仓位并开仓
// @Summary 发起放电
// @Description 为用户在指定柜机认领一个空仓位并下发开仓指令
// @Tags 换电会话
// @Accept json
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Param request body DepositRequest true "放电请求"
// @Success 200 {object} StandardResponse "成功"
// @Failure 409 {object} StandardResponse "已有进行中的会话或无可用仓位"
// @Router /api/v1/sessions/deposit [post]
func (h *SessionHandler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	res, err := h.svc.InitiateDeposit(c.Request.Context(), middleware.UserID(c), req.BoothID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, res)
}

// MyBattery 查询在柜电池状态
// @Summary 查询在柜电池
// @Tags 换电会话
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Success 200 {object} StandardResponse "成功"
// @Success 204 "无在柜电池"
// @Router /api/v1/sessions/my-battery [get]
func (h *SessionHandler) MyBattery(c *gin.Context) {
	status, err := h.svc.MyBatteryStatus(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, status)
}

// Withdrawal 发起取电：报价并创建待支付会话
// @Summary 发起取电
// @Description 对用户未取回的在柜电池报价并创建待支付会话
// @Tags 换电会话
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Success 200 {object} StandardResponse "成功"
// @Failure 404 {object} StandardResponse "无可取回的电池"
// @Router /api/v1/sessions/withdrawal [post]
func (h *SessionHandler) Withdrawal(c *gin.Context) {
	res, err := h.svc.InitiateWithdrawal(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, res)
}

// PayRequest 发起支付请求
type PayRequest struct {
	Phone string `json:"phone" binding:"required"`
}

// Pay 对取电会话发起移动支付扣款
// @Summary 发起支付
// @Tags 换电会话
// @Accept json
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Param id path int true "会话ID"
// @Param request body PayRequest true "支付请求"
// @Success 200 {object} StandardResponse "成功"
// @Failure 409 {object} StandardResponse "会话已支付"
// @Router /api/v1/sessions/{id}/pay [post]
func (h *SessionHandler) Pay(c *gin.Context) {
	sessionID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || sessionID <= 0 {
		respondError(c, http.StatusBadRequest, "invalid session id")
		return
	}
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	checkoutRef, err := h.svc.TriggerPayment(c.Request.Context(), middleware.UserID(c), sessionID, req.Phone)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"checkout_ref": checkoutRef})
}

// PendingWithdrawal 查询待支付的取电会话
func (h *SessionHandler) PendingWithdrawal(c *gin.Context) {
	sess, err := h.svc.PendingWithdrawal(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, sess)
}

// WithdrawalStatus 查询取电支付状态（长时间 pending 触发自愈）
// @Summary 查询支付状态
// @Tags 换电会话
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Param checkout_ref path string true "支付单号"
// @Success 200 {object} StandardResponse "成功"
// @Failure 404 {object} StandardResponse "单号不存在"
// @Router /api/v1/sessions/withdrawal-status/{checkout_ref} [get]
func (h *SessionHandler) WithdrawalStatus(c *gin.Context) {
	checkoutRef := c.Param("checkout_ref")
	if checkoutRef == "" {
		respondError(c, http.StatusBadRequest, "missing checkout ref")
		return
	}

	status, err := h.svc.WithdrawalStatus(c.Request.Context(), middleware.UserID(c), checkoutRef)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"status": status})
}

// Cancel 取消当前活动会话
// @Summary 取消会话
// @Description 取消进行中的放电或未支付的取电会话，已支付会话不可取消
// @Tags 换电会话
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Success 200 {object} StandardResponse "成功"
// @Failure 409 {object} StandardResponse "会话已支付，不可取消"
// @Router /api/v1/sessions/cancel [post]
func (h *SessionHandler) Cancel(c *gin.Context) {
	if err := h.svc.CancelSession(c.Request.Context(), middleware.UserID(c)); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, nil)
}

// History 历史会话分页查询
func (h *SessionHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.svc.History(c.Request.Context(), middleware.UserID(c), limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"sessions": page, "limit": limit, "offset": offset})
}

// ProblemRequest 故障上报请求
type ProblemRequest struct {
	BoothID     int64  `json:"booth_id" binding:"required,min=1"`
	SlotID      *int64 `json:"slot_id"`
	BatteryID   *int64 `json:"battery_id"`
	Category    string `json:"category" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// ReportProblem 故障上报
// @Summary 故障上报
// @Tags 故障上报
// @Accept json
// @Produce json
// @Param X-User-ID header int true "用户ID"
// @Param request body ProblemRequest true "故障描述"
// @Success 200 {object} StandardResponse "成功"
// @Router /api/v1/problems [post]
func (h *SessionHandler) ReportProblem(c *gin.Context) {
	var req ProblemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	err := h.svc.CreateProblemReport(c.Request.Context(), &models.ProblemReport{
		UserID:      middleware.UserID(c),
		BoothID:     req.BoothID,
		SlotID:      req.SlotID,
		BatteryID:   req.BatteryID,
		Category:    req.Category,
		Description: req.Description,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, nil)
}
