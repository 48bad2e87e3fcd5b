// Package health provides service health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ServiceHealth contains health metrics for one guarded upstream service.
type ServiceHealth struct {
	Service      string       `json:"service"`
	Status       SystemStatus `json:"status"`
	Nodes        int          `json:"nodes"`
	CoolingNodes int          `json:"cooling_nodes"`
	Calls        int64        `json:"calls"`
	IOErrors     int64        `json:"io_errors"`
	ErrorRate    float64      `json:"error_rate"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus             `json:"system_status"`
	Services     map[string]ServiceHealth `json:"services"`
	Dependencies map[string]string        `json:"dependencies,omitempty"`
}

// worse returns the more severe of two statuses.
func worse(a, b SystemStatus) SystemStatus {
	rank := func(s SystemStatus) int {
		switch s {
		case StatusCritical:
			return 2
		case StatusDegraded:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
