// Package payment 支付网关适配层。
// 发起扣款 + 同步状态查询，异步结果通过 webhook 回调（由 api 层接收）。
package payment

import (
	"context"
	"errors"
)

// ErrGatewayUnavailable 网关侧瞬时错误（调用方按 pending 上报，不落终态）
var ErrGatewayUnavailable = errors.New("payment: gateway unavailable")

// ResultSuccess 网关结果码：0 为成功，非 0 为失败
const ResultSuccess = 0

// StatusResult 同步状态查询结果
type StatusResult struct {
	ResultCode int    `json:"resultCode"`
	ResultDesc string `json:"resultDesc"`
}

// Success 扣款是否已确认成功
func (r *StatusResult) Success() bool {
	return r != nil && r.ResultCode == ResultSuccess
}

// MetadataItem webhook 报文里的附加键值
type MetadataItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CallbackPayload 网关 webhook 回调报文
type CallbackPayload struct {
	CheckoutRef string         `json:"checkoutRef" binding:"required"`
	ResultCode  int            `json:"resultCode"`
	ResultDesc  string         `json:"resultDesc"`
	Metadata    []MetadataItem `json:"metadataItems"`
}

// Gateway 支付网关接口
type Gateway interface {
	// InitiateCharge 发起一笔移动支付扣款，返回网关单号（checkout reference）
	InitiateCharge(ctx context.Context, phone string, amount float64, reference string) (string, error)
	// QueryStatus 同步查询扣款结果（自愈路径使用）
	QueryStatus(ctx context.Context, checkoutRef string) (*StatusResult, error)
}
