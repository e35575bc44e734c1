package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	SessionsStarted   *prometheus.CounterVec // labels: type=deposit|withdrawal
	SessionsCompleted *prometheus.CounterVec // labels: type, path=telemetry|ack|webhook|selfheal
	SessionsCancelled *prometheus.CounterVec // labels: reason
	SessionsFailed    *prometheus.CounterVec // labels: reason
	WebhookTotal      *prometheus.CounterVec // labels: result=success|failure|duplicate|unknown
	GatewayQueryTotal *prometheus.CounterVec // labels: result=success|failure|error
	CommandsTotal     *prometheus.CounterVec // labels: kind
	ReconcileEvents   prometheus.Counter     // 处理的遥测变更事件数
	ReconcileSkipped  *prometheus.CounterVec // labels: reason=unknown_slot|no_session|noop
	AckUnknownTotal   prometheus.Counter     // 无法识别的设备应答
	SweeperExpired    *prometheus.CounterVec // labels: kind=opening_deposit|pending_withdrawal
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		SessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_sessions_started_total",
			Help: "Sessions created by type.",
		}, []string{"type"}),
		SessionsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_sessions_completed_total",
			Help: "Sessions completed by type and completion path.",
		}, []string{"type", "path"}),
		SessionsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_sessions_cancelled_total",
			Help: "Sessions cancelled by reason.",
		}, []string{"reason"}),
		SessionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_sessions_failed_total",
			Help: "Sessions failed by reason.",
		}, []string{"reason"}),
		WebhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_payment_webhook_total",
			Help: "Payment webhook deliveries by outcome.",
		}, []string{"result"}),
		GatewayQueryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_gateway_query_total",
			Help: "Synchronous gateway status queries by outcome.",
		}, []string{"result"}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_commands_dispatched_total",
			Help: "Hardware commands written to the telemetry mirror.",
		}, []string{"kind"}),
		ReconcileEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swap_reconcile_events_total",
			Help: "Telemetry change events consumed by the reconciler.",
		}),
		ReconcileSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_reconcile_skipped_total",
			Help: "Telemetry change events skipped by reason.",
		}, []string{"reason"}),
		AckUnknownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swap_ack_unknown_total",
			Help: "Device acknowledgements that did not map to a known kind.",
		}),
		SweeperExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_sweeper_expired_total",
			Help: "Stale sessions expired by the maintenance sweeper.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.SessionsStarted, m.SessionsCompleted, m.SessionsCancelled, m.SessionsFailed,
		m.WebhookTotal, m.GatewayQueryTotal, m.CommandsTotal,
		m.ReconcileEvents, m.ReconcileSkipped, m.AckUnknownTotal, m.SweeperExpired,
	)
	return m
}
