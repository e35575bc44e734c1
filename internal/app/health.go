package app

import (
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/swap-server/internal/health"
	"github.com/taoyao-code/swap-server/internal/mirror"
)

// NewHealthAggregator 创建健康检查聚合器
func NewHealthAggregator(dbpool *pgxpool.Pool) *health.Aggregator {
	return health.NewAggregator(
		health.NewDatabaseChecker(dbpool),
	)
}

// AddMirrorChecker 添加遥测镜像检查器到聚合器
func AddMirrorChecker(aggregator *health.Aggregator, client *mirror.RedisMirror) {
	if client != nil {
		aggregator.AddChecker(health.NewMirrorChecker(client))
	}
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

// NewReady 创建就绪状态聚合
func NewReady() *health.Readiness {
	return health.New()
}
