package health

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

// RegisterHTTPRoutes 注册健康检查HTTP路由
func RegisterHTTPRoutes(r *gin.Engine, aggregator *Aggregator) {
	// Readiness：K8s 据此摘流。响应里带上不健康的子系统名，方便告警定位。
	// GET /health/ready
	r.GET("/health/ready", func(c *gin.Context) {
		results := aggregator.CheckAll(c.Request.Context())

		var failing []string
		for name, result := range results {
			if result.Status == StatusUnhealthy {
				failing = append(failing, name)
			}
		}
		sort.Strings(failing)

		if len(failing) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":   false,
				"failing": failing,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"ready": true,
		})
	})

	// Liveness
	// GET /health/live
	r.GET("/health/live", func(c *gin.Context) {
		if !aggregator.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"alive": false,
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"alive": true,
		})
	})

	// 详细健康报告
	// GET /health
	r.GET("/health", func(c *gin.Context) {
		report := aggregator.Report(c.Request.Context())

		// Degraded 仍返回 200，表示可以服务
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, report)
	})
}
