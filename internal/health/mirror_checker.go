package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/swap-server/internal/mirror"
)

// MirrorChecker 遥测镜像（Redis）健康检查器
type MirrorChecker struct {
	client *mirror.RedisMirror
}

// NewMirrorChecker 创建镜像健康检查器
func NewMirrorChecker(client *mirror.RedisMirror) *MirrorChecker {
	return &MirrorChecker{client: client}
}

// Name 返回检查器名称
func (c *MirrorChecker) Name() string {
	return "mirror"
}

// Check 执行健康检查
func (c *MirrorChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.client.HealthCheck(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	stats := c.client.Stats()

	// 连接池利用率
	utilization := 0.0
	if stats.TotalConns > 0 {
		utilization = float64(stats.TotalConns-stats.IdleConns) / float64(stats.TotalConns)
	}

	status := StatusHealthy
	message := "ok"
	if utilization > 0.9 {
		status = StatusDegraded
		message = "connection pool near limit"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"total_conns": stats.TotalConns,
			"idle_conns":  stats.IdleConns,
			"stale_conns": stats.StaleConns,
			"hits":        stats.Hits,
			"misses":      stats.Misses,
			"timeouts":    stats.Timeouts,
			"utilization": fmt.Sprintf("%.1f%%", utilization*100),
		},
		Latency: time.Since(start),
	}
}
