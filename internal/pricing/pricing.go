// Package pricing 计费引擎：纯函数，把充电量差值和配置规则映射成费用。
package pricing

import (
	"errors"
	"math"

	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// ErrRulesMissing 计费规则缺失，费用无法安全计算（对外映射为 500）
var ErrRulesMissing = errors.New("pricing: rules missing")

// Rules 计费规则。
// OvertimePenaltyPerMinute / GracePeriodMinutes 会被加载和校验，
// 但当前费用公式不包含超时罚金项（决策见 DESIGN.md）。
type Rules struct {
	BaseFee                  float64
	RatePerPercent           float64
	OvertimePenaltyPerMinute float64
	GracePeriodMinutes       int
}

// FromRows 从 pricing_rules 表行构建规则。
// base_fee 与 rate_per_percent 任一缺失即视为配置致命错误。
func FromRows(rows []models.PricingRule) (*Rules, error) {
	var r Rules
	var haveBase, haveRate bool
	for _, row := range rows {
		switch row.Key {
		case models.RuleBaseFee:
			r.BaseFee = row.Value
			haveBase = true
		case models.RuleRatePerPercent:
			r.RatePerPercent = row.Value
			haveRate = true
		case models.RuleOvertimePenaltyPerMinute:
			r.OvertimePenaltyPerMinute = row.Value
		case models.RuleGracePeriodMinutes:
			r.GracePeriodMinutes = int(row.Value)
		}
	}
	if !haveBase || !haveRate {
		return nil, ErrRulesMissing
	}
	return &r, nil
}

// Quote 计算取电费用：
//   chargeAdded = max(0, final - initial)
//   cost = round2(max(baseFee, chargeAdded * ratePerPercent))
// 基础费始终兜底，电量未增长也收取。
func (r *Rules) Quote(initialCharge, finalCharge int32) float64 {
	chargeAdded := finalCharge - initialCharge
	if chargeAdded < 0 {
		chargeAdded = 0
	}
	chargingCost := float64(chargeAdded) * r.RatePerPercent
	return Round2(math.Max(r.BaseFee, chargingCost))
}

// Round2 金额四舍五入到分
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
