package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/payment"
)

// WebhookHandler 支付网关回调处理器。
// 网关期望收到 200 即视为投递成功；业务处理放在回执之后异步执行，
// 内部失败不触发网关重试（审计表里留有原始报文可人工补账）。
type WebhookHandler struct {
	svc    SessionService
	logger *zap.Logger
	// processTimeout 异步处理的超时（请求上下文在回执后即失效，不能复用）
	processTimeout time.Duration
}

// NewWebhookHandler 创建回调处理器
func NewWebhookHandler(svc SessionService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{svc: svc, logger: logger, processTimeout: 30 * time.Second}
}

// Callback 支付结果回调入口
// @Summary 支付回调
// @Description 接收支付网关回调，始终立即返回 200，业务处理异步完成
// @Tags 支付回调
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "已接收"
// @Router /api/v1/payments/callback [post]
func (h *WebhookHandler) Callback(c *gin.Context) {
	var payload payment.CallbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		// 报文不完整也回 200，避免网关对坏报文无限重试
		h.logger.Warn("malformed payment callback", zap.Error(err))
		respondOK(c, gin.H{"accepted": false})
		return
	}

	respondOK(c, gin.H{"accepted": true})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.processTimeout)
		defer cancel()
		if err := h.svc.HandleWebhook(ctx, &payload); err != nil {
			h.logger.Error("payment webhook processing failed",
				zap.String("checkout_ref", payload.CheckoutRef),
				zap.Error(err))
		}
	}()
}
