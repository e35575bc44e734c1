package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DatabaseChecker 会话存储（PostgreSQL）健康检查器。
// 除连接探活外还查询核心表，迁移未执行时降级而不是假装健康。
type DatabaseChecker struct {
	pool *pgxpool.Pool
}

// NewDatabaseChecker 创建数据库健康检查器
func NewDatabaseChecker(pool *pgxpool.Pool) *DatabaseChecker {
	return &DatabaseChecker{pool: pool}
}

// Name 返回检查器名称
func (c *DatabaseChecker) Name() string {
	return "database"
}

// Check 执行健康检查
func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	if err := c.pool.Ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("ping failed: %v", err),
			Latency: time.Since(start),
		}
	}

	// 迁移检查：计费规则表由启动播种，查不到说明 schema 不完整
	var pricingRules int64
	schemaErr := c.pool.QueryRow(ctx, "SELECT count(*) FROM pricing_rules").Scan(&pricingRules)

	stats := c.pool.Stat()
	utilization := 0.0
	if stats.MaxConns() > 0 {
		utilization = float64(stats.AcquiredConns()) / float64(stats.MaxConns())
	}

	status := StatusHealthy
	message := "ok"
	switch {
	case schemaErr != nil:
		status = StatusDegraded
		message = fmt.Sprintf("schema check failed: %v", schemaErr)
	case utilization >= 1.0:
		status = StatusUnhealthy
		message = "connection pool exhausted"
	case utilization > 0.9:
		status = StatusDegraded
		message = "connection pool near limit"
	}

	return CheckResult{
		Status:  status,
		Message: message,
		Details: map[string]interface{}{
			"total_conns":    stats.TotalConns(),
			"idle_conns":     stats.IdleConns(),
			"acquired_conns": stats.AcquiredConns(),
			"max_conns":      stats.MaxConns(),
			"utilization":    fmt.Sprintf("%.1f%%", utilization*100),
			"pricing_rules":  pricingRules,
		},
		Latency: time.Since(start),
	}
}
