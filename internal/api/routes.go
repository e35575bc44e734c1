package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/api/middleware"
)

// RegisterRoutes 注册 /api/v1 路由。
// 用户接口要求 X-User-ID 头（认证在外部协作方完成）；
// 支付回调不走用户身份，由网关签名保证来源。
func RegisterRoutes(r *gin.Engine, svc SessionService, authCfg middleware.AuthConfig, logger *zap.Logger) {
	if r == nil || svc == nil {
		return
	}

	handler := NewSessionHandler(svc, logger)
	webhook := NewWebhookHandler(svc, logger)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RequestID())
	if authCfg.Enabled {
		v1.Use(middleware.APIKeyAuth(authCfg, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(authCfg.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 支付回调（网关侧调用，无用户身份）
	v1.POST("/payments/callback", webhook.Callback)

	// 会话接口
	sessions := v1.Group("/sessions")
	sessions.Use(middleware.UserIdentity())
	sessions.POST("/deposit", handler.Deposit)
	sessions.GET("/my-battery", handler.MyBattery)
	sessions.POST("/withdrawal", handler.Withdrawal)
	sessions.POST("/:id/pay", handler.Pay)
	sessions.GET("/pending-withdrawal", handler.PendingWithdrawal)
	sessions.GET("/withdrawal-status/:checkout_ref", handler.WithdrawalStatus)
	sessions.POST("/cancel", handler.Cancel)
	sessions.GET("/history", handler.History)

	// 故障上报
	problems := v1.Group("/problems")
	problems.Use(middleware.UserIdentity())
	problems.POST("", handler.ReportProblem)

	logger.Info("api routes registered", zap.Int("endpoints", 10))
}
