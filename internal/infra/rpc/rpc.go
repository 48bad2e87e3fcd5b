// Package rpc provides a resilient HTTP client over a pool of equivalent nodes.
//
// This package offers:
//   - QoS handling: 308 redirects, 429 throttling and 503 unavailability
//   - Exponential backoff retries (blocking or asynchronous, cancelable)
//   - Node failover with per-node cooldown
//   - Per-host AIMD concurrency limiting
//   - Per-(service, host) timing metrics
//
// # Quick Start
//
//	import "github.com/vietddude/httpguard/internal/infra/rpc"
//
//	client, err := rpc.NewClient(rpc.Config{
//	    Service:           "billing",
//	    URIs:              []string{"https://billing-1.internal/api", "https://billing-2.internal/api"},
//	    MaxNumRetries:     4,
//	    FailedURLCooldown: 30 * time.Second,
//	})
//
//	req, _ := http.NewRequest(http.MethodGet, "/invoices/42", nil)
//	resp, err := client.Do(ctx, req)
//
// # Package Structure
//
// The package is organized into sub-packages:
//
//   - qos/         - QoS classification of responses
//   - backoff/     - Retry wait strategies
//   - routing/     - Base URLs, node selection, failover, cooldown
//   - limiter/     - Adaptive per-key concurrency limiting
//   - retry/       - QoS retry orchestrator and futures
//   - hostmetrics/ - Per-host timing registry and Prometheus collector
//   - transport/   - Replayable HTTP calls
//
// Most types are re-exported at the root level for convenience.
package rpc

import (
	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
	"github.com/vietddude/httpguard/internal/infra/rpc/limiter"
	"github.com/vietddude/httpguard/internal/infra/rpc/qos"
	"github.com/vietddude/httpguard/internal/infra/rpc/retry"
	"github.com/vietddude/httpguard/internal/infra/rpc/routing"
)

// =============================================================================
// Re-exported types from qos package
// =============================================================================

// QosError pairs a QoS condition with the response that signaled it.
type QosError = qos.Error

// ProtocolError is a malformed QoS response.
type ProtocolError = qos.ProtocolError

// =============================================================================
// Re-exported types from routing package
// =============================================================================

// NodeSelectionStrategy defines which node a new call uses.
type NodeSelectionStrategy = routing.NodeSelectionStrategy

// CooldownStore records nodes excluded from failover.
type CooldownStore = routing.CooldownStore

// Node selection constants
const (
	PinUntilError = routing.PinUntilError
	RoundRobin    = routing.RoundRobin
)

// ParseNodeSelectionStrategy parses PIN_UNTIL_ERROR or ROUND_ROBIN.
func ParseNodeSelectionStrategy(s string) (NodeSelectionStrategy, error) {
	return routing.ParseNodeSelectionStrategy(s)
}

// =============================================================================
// Re-exported types from retry, limiter and hostmetrics packages
// =============================================================================

// Future is the handle of an asynchronous call.
type Future = retry.Future

// ErrCanceled completes a canceled Future.
var ErrCanceled = retry.ErrCanceled

// LimiterConfig holds concurrency limiter settings.
type LimiterConfig = limiter.Config

// DefaultLimiterConfig returns sensible limiter defaults.
func DefaultLimiterConfig() LimiterConfig {
	return limiter.DefaultConfig()
}

// HostMetricsRegistry holds per-(service, host) metrics.
type HostMetricsRegistry = hostmetrics.Registry

// HostSnapshot is a copy of one host's metrics.
type HostSnapshot = hostmetrics.Snapshot

// NewHostMetricsRegistry creates an empty registry.
func NewHostMetricsRegistry() *HostMetricsRegistry {
	return hostmetrics.NewRegistry()
}
