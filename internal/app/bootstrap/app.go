// Package bootstrap 负责按依赖顺序装配并启动全部子系统。
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/swap-server/internal/api"
	"github.com/taoyao-code/swap-server/internal/api/middleware"
	"github.com/taoyao-code/swap-server/internal/app"
	cfgpkg "github.com/taoyao-code/swap-server/internal/config"
	"github.com/taoyao-code/swap-server/internal/dispatch"
	"github.com/taoyao-code/swap-server/internal/metrics"
	"github.com/taoyao-code/swap-server/internal/mirror"
	"github.com/taoyao-code/swap-server/internal/payment"
	"github.com/taoyao-code/swap-server/internal/reconciler"
	"github.com/taoyao-code/swap-server/internal/service"
	"github.com/taoyao-code/swap-server/internal/storage/gormrepo"
	"github.com/taoyao-code/swap-server/internal/storage/models"
)

// Run 装配并运行服务，直到收到退出信号。
// 启动顺序：指标 → 数据库（阻塞，失败即退出）→ 遥测镜像 →
// 业务服务 → 后台工作器 → HTTP。关闭顺序相反。
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// 1. 指标与就绪状态
	reg, appm := app.NewMetrics()
	ready := app.NewReady()

	// 2. 数据库：连接失败直接退出，迁移失败同样退出
	dbpool, err := app.ConnectDBAndMigrate(rootCtx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer dbpool.Close()

	gdb, err := app.OpenGorm(cfg.Database)
	if err != nil {
		return fmt.Errorf("gorm init: %w", err)
	}
	repo := gormrepo.New(gdb)
	ready.SetDBReady(true)
	log.Info("database ready", zap.String("dsn", maskDSN(cfg.Database.DSN)))

	healthAgg := app.NewHealthAggregator(dbpool)

	// 3. 遥测镜像（Redis）：设备侧的权威实时状态
	telemetry, err := mirror.NewRedisMirror(cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("mirror init: %w", err)
	}
	defer telemetry.Close()
	ready.SetMirrorReady(true)
	app.AddMirrorChecker(healthAgg, telemetry)
	log.Info("telemetry mirror ready", zap.String("addr", cfg.Redis.Addr))

	// 4. 业务服务
	gateway := payment.NewClient(cfg.Payment, log)
	commands := dispatch.New(telemetry, appm, log)

	svc := service.New(
		repo, telemetry, commands, gateway, appm, log,
		cfg.Payment.SelfHealAfter, cfg.Problem.FaultThreshold,
	)
	if err := svc.SeedPricingRules(rootCtx, pricingDefaults(cfg.Pricing)); err != nil {
		return fmt.Errorf("seed pricing rules: %w", err)
	}

	// 5. 后台工作器
	reasons, err := reconciler.LoadReasonMap(cfg.Reconciler.AckReasonMapPath)
	if err != nil {
		return fmt.Errorf("load ack reason map: %w", err)
	}
	snapshots := reconciler.NewRedisStore(telemetry.Raw(), cfg.Reconciler.SnapshotTTL)
	recon := reconciler.New(repo, telemetry, snapshots, reasons, commands, appm, log)
	if err := recon.Start(rootCtx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	if cfg.Sweeper.Enable {
		sweeper := app.NewMaintenanceSweeper(repo, commands, appm, cfg.Sweeper, log)
		go sweeper.Start(rootCtx)
	}

	// 6. HTTP 服务
	metricsPath := ""
	if cfg.Metrics.Enable {
		metricsPath = cfg.Metrics.Path
	}
	httpSrv := app.NewHTTPServer(cfg.HTTP, metricsPath,
		metrics.Handler(reg), ready.Ready)
	httpSrv.Register(func(r *gin.Engine) {
		api.RegisterRoutes(r, svc, middleware.AuthConfig{
			APIKeys: cfg.Auth.APIKeys,
			Enabled: cfg.Auth.Enabled,
		}, log)
		app.RegisterHealthRoutes(r, healthAgg)
	})
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			httpErr <- err
		}
	}()
	log.Info("server started",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("env", cfg.App.Env))

	// 7. 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-httpErr:
		log.Error("http server failed", zap.Error(err))
	}

	// 8. 优雅关闭：先停 HTTP，再停工作器与连接
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}
	rootCancel()
	log.Info("server stopped")
	return nil
}

// pricingDefaults 把配置翻译成 pricing_rules 表的首次写入值
func pricingDefaults(cfg cfgpkg.PricingConfig) map[string]float64 {
	return map[string]float64{
		models.RuleBaseFee:                  cfg.BaseFee,
		models.RuleRatePerPercent:           cfg.RatePerPercent,
		models.RuleOvertimePenaltyPerMinute: cfg.OvertimePenaltyPerMinute,
		models.RuleGracePeriodMinutes:       float64(cfg.GracePeriodMinutes),
	}
}

// maskDSN 日志中隐藏连接串里的密码
func maskDSN(dsn string) string {
	at := strings.Index(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
