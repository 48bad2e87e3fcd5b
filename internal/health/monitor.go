package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
	"github.com/vietddude/httpguard/internal/infra/rpc/routing"
)

// Error rate thresholds over 5xx responses and IO errors.
const (
	DegradedErrorRate = 0.1
	CriticalErrorRate = 0.5
)

// Service is a guarded client whose node pool and host metrics are inspected.
type Service interface {
	Service() string
	Selector() *routing.Selector
	HostMetrics() *hostmetrics.Registry
}

// PingFunc checks an external dependency such as the database.
type PingFunc func(ctx context.Context) error

// Monitor aggregates health status from the guarded services.
type Monitor struct {
	services   []Service
	deps       map[string]PingFunc
	interval   time.Duration
	lastCheck  time.Time
	lastReport HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. Reports are cached for interval.
func NewMonitor(services []Service, interval time.Duration) *Monitor {
	return &Monitor{
		services: services,
		deps:     make(map[string]PingFunc),
		interval: interval,
	}
}

// AddDependency registers an external dependency checked on every report.
// A failing dependency degrades the system status.
func (m *Monitor) AddDependency(name string, ping PingFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps[name] = ping
}

// CheckHealth performs a health check for all services.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.interval > 0 && time.Since(m.lastCheck) < m.interval && m.lastReport.Services != nil {
		return m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Services:     make(map[string]ServiceHealth, len(m.services)),
	}

	for _, svc := range m.services {
		h := m.checkService(ctx, svc)
		report.Services[h.Service] = h
		report.SystemStatus = worse(report.SystemStatus, h.Status)
	}

	if len(m.deps) > 0 {
		report.Dependencies = make(map[string]string, len(m.deps))
		for name, ping := range m.deps {
			if err := ping(ctx); err != nil {
				report.Dependencies[name] = err.Error()
				report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
				continue
			}
			report.Dependencies[name] = "ok"
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}

func (m *Monitor) checkService(ctx context.Context, svc Service) ServiceHealth {
	name := svc.Service()
	sel := svc.Selector()
	h := ServiceHealth{
		Service: name,
		Status:  StatusHealthy,
		Nodes:   sel.Len(),
	}

	for i := 0; i < sel.Len(); i++ {
		if !sel.IsAvailable(ctx, i) {
			h.CoolingNodes++
		}
	}

	var failures int64
	for _, snap := range svc.HostMetrics().Metrics() {
		if snap.ServiceName != name {
			continue
		}
		h.Calls += snap.Total.Count
		h.IOErrors += snap.IOErrors
		failures += snap.Family(hostmetrics.Family5xx).Count + snap.IOErrors
	}
	if attempts := h.Calls + h.IOErrors; attempts > 0 {
		h.ErrorRate = float64(failures) / float64(attempts)
	}

	// Evaluate Status
	switch {
	case h.Nodes > 0 && h.CoolingNodes == h.Nodes, h.ErrorRate >= CriticalErrorRate:
		h.Status = StatusCritical
	case h.CoolingNodes > 0, h.ErrorRate >= DegradedErrorRate:
		h.Status = StatusDegraded
	}
	return h
}
