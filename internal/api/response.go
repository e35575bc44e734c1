// Package api 对外 REST 接口层：参数绑定、错误到状态码的映射、标准响应信封。
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/swap-server/internal/pricing"
	"github.com/taoyao-code/swap-server/internal/service"
	"github.com/taoyao-code/swap-server/internal/storage"
)

// StandardResponse 标准响应格式
type StandardResponse struct {
	Code      int         `json:"code"`           // 0=成功, >0=错误码
	Message   string      `json:"message"`        // 消息
	Data      interface{} `json:"data,omitempty"` // 业务数据
	RequestID string      `json:"request_id"`     // 请求追踪ID
	Timestamp int64       `json:"timestamp"`      // 时间戳
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{
		Code:      0,
		Message:   "success",
		Data:      data,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, StandardResponse{
		Code:      status,
		Message:   message,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

// respondServiceError 把业务错误映射为 HTTP 状态码
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNoActiveSession),
		errors.Is(err, service.ErrNoDepositToRedeem) && c.Request.Method == http.MethodGet:
		// 查询类接口：没有就是没有
		c.Status(http.StatusNoContent)

	case errors.Is(err, service.ErrNoDepositToRedeem):
		respondError(c, http.StatusNotFound, "no deposited battery to withdraw")

	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, storage.ErrNotFound):
		respondError(c, http.StatusNotFound, "not found")

	case errors.Is(err, service.ErrActiveSessionInProgress):
		respondError(c, http.StatusConflict, "an active session is already in progress")

	case errors.Is(err, service.ErrPendingWithdrawalExists):
		respondError(c, http.StatusConflict, "a pending withdrawal must be paid or cancelled first")

	case errors.Is(err, service.ErrBoothNotAvailable):
		respondError(c, http.StatusConflict, "booth is not available")

	case errors.Is(err, service.ErrNoAvailableSlots):
		respondError(c, http.StatusConflict, "no available slots in this booth")

	case errors.Is(err, service.ErrAlreadyPaid):
		respondError(c, http.StatusConflict, "session is already paid")

	case errors.Is(err, pricing.ErrRulesMissing):
		// 配置缺失是部署事故，不能让用户侧重试掩盖
		respondError(c, http.StatusInternalServerError, "pricing rules are not configured")

	default:
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
