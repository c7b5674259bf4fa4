package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// HealthStatus 健康状态
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck 单项检查结果
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message,omitempty"`
	Duration    time.Duration `json:"duration"`
	LastChecked time.Time     `json:"last_checked"`
}

// HealthReport 健康报告
type HealthReport struct {
	Status    HealthStatus  `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []HealthCheck `json:"checks"`
	Version   string        `json:"version"`
}

// Pinger 可检查连通性的依赖
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthReporter 汇总存储、内存和 goroutine 状态，并定期刷新系统指标
type HealthReporter struct {
	store         Pinger
	metrics       *Metrics
	logger        *zap.Logger
	startTime     time.Time
	version       string
	memoryLimitMB float64
	maxGoroutines int
}

// NewHealthReporter 创建健康报告器。metrics 可以为空。
func NewHealthReporter(store Pinger, metrics *Metrics, logger *zap.Logger, version string) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthReporter{
		store:         store,
		metrics:       metrics,
		logger:        logger,
		startTime:     time.Now(),
		version:       version,
		memoryLimitMB: 1024,
		maxGoroutines: 10000,
	}
}

// CheckHealth 执行全部检查
func (hr *HealthReporter) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Timestamp: time.Now(),
		Uptime:    time.Since(hr.startTime),
		Version:   hr.version,
		Checks:    make([]HealthCheck, 0, 3),
	}

	checks := []func(context.Context) HealthCheck{
		hr.checkStore,
		hr.checkMemory,
		hr.checkGoroutines,
	}

	overall := HealthStatusHealthy
	for _, check := range checks {
		result := check(ctx)
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall != HealthStatusUnhealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	report.Status = overall
	return report
}

func (hr *HealthReporter) checkStore(ctx context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: "store", LastChecked: start}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := hr.store.Health(ctx); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = fmt.Sprintf("store unavailable: %v", err)
	} else {
		check.Status = HealthStatusHealthy
	}

	check.Duration = time.Since(start)
	return check
}

func (hr *HealthReporter) checkMemory(context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: "memory", LastChecked: start}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	usedMB := float64(m.Alloc) / 1024 / 1024

	if usedMB > hr.memoryLimitMB {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("high memory usage: %.2f MB", usedMB)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("memory usage: %.2f MB", usedMB)
	}

	check.Duration = time.Since(start)
	return check
}

func (hr *HealthReporter) checkGoroutines(context.Context) HealthCheck {
	start := time.Now()
	check := HealthCheck{Name: "goroutines", LastChecked: start}

	n := runtime.NumGoroutine()
	if n > hr.maxGoroutines {
		check.Status = HealthStatusDegraded
		check.Message = fmt.Sprintf("high goroutine count: %d", n)
	} else {
		check.Status = HealthStatusHealthy
		check.Message = fmt.Sprintf("goroutines: %d", n)
	}

	check.Duration = time.Since(start)
	return check
}

// Uptime 返回运行时间
func (hr *HealthReporter) Uptime() time.Duration {
	return time.Since(hr.startTime)
}

// Run 定期执行检查并更新系统指标，ctx 取消后返回
func (hr *HealthReporter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report := hr.CheckHealth(ctx)

			if hr.metrics != nil {
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				hr.metrics.UpdateMemoryUsage(int64(m.Alloc))
				hr.metrics.UpdateSystemUptime(report.Uptime)
			}

			switch report.Status {
			case HealthStatusUnhealthy:
				hr.logger.Error("system health check failed",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime))
			case HealthStatusDegraded:
				hr.logger.Warn("system health check degraded",
					zap.String("status", string(report.Status)),
					zap.Duration("uptime", report.Uptime))
			default:
				hr.logger.Debug("system health check passed",
					zap.Duration("uptime", report.Uptime))
			}
		}
	}
}
