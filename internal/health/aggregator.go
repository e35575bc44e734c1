package health

import (
	"context"
	"sync"
	"time"
)

// Aggregator 聚合换电柜服务的各项健康检查（会话存储、状态镜像等）
type Aggregator struct {
	checkers []Checker
	mu       sync.RWMutex
}

// NewAggregator 创建聚合器
func NewAggregator(checkers ...Checker) *Aggregator {
	return &Aggregator{
		checkers: checkers,
	}
}

// AddChecker 添加检查器
func (a *Aggregator) AddChecker(checker Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkers = append(a.checkers, checker)
}

// CheckAll 并发执行所有健康检查，按检查器名称返回结果
func (a *Aggregator) CheckAll(ctx context.Context) map[string]CheckResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	results := make(map[string]CheckResult)
	resultsMu := sync.Mutex{}
	wg := sync.WaitGroup{}

	for _, checker := range a.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()

			result := c.Check(ctx)

			resultsMu.Lock()
			results[c.Name()] = result
			resultsMu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// Summarize 由一组检查结果推导总体状态：
// 任一 Unhealthy 则整体 Unhealthy，否则任一 Degraded 则整体 Degraded。
func Summarize(results map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// OverallStatus 执行所有检查并返回总体健康状态
func (a *Aggregator) OverallStatus(ctx context.Context) Status {
	return Summarize(a.CheckAll(ctx))
}

// Ready 判断服务是否可以接收流量。
// Degraded（如连接池接近上限）仍然就绪，只有 Unhealthy 才摘流。
func (a *Aggregator) Ready(ctx context.Context) bool {
	return a.OverallStatus(ctx) != StatusUnhealthy
}

// Alive 判断进程是否存活。进程挂了不会响应，所以恒为 true。
func (a *Aggregator) Alive() bool {
	return true
}

// Report 执行所有检查并生成带时间戳的健康报告
func (a *Aggregator) Report(ctx context.Context) HealthReport {
	results := a.CheckAll(ctx)
	return HealthReport{
		Status:    Summarize(results),
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// HealthReport 健康报告，/health 接口的响应体
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}
