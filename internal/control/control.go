// Package control wires configuration into running guarded clients, the
// health server and snapshot persistence.
package control

import (
	"fmt"

	"github.com/vietddude/httpguard/internal/core/config"
	"github.com/vietddude/httpguard/internal/infra/rpc"
	"github.com/vietddude/httpguard/internal/infra/rpc/limiter"
)

// ClientConfig converts one configured service into client settings.
func ClientConfig(s config.ServiceConfig) (rpc.Config, error) {
	strategy, err := rpc.ParseNodeSelectionStrategy(s.NodeSelectionStrategy)
	if err != nil {
		return rpc.Config{}, fmt.Errorf("service %s: %w", s.Name, err)
	}

	cfg := rpc.Config{
		Service:               s.Name,
		URIs:                  s.URIs,
		MaxNumRetries:         s.Retries(),
		BackoffSlotSize:       s.BackoffSlotSize,
		FailedURLCooldown:     s.FailedURLCooldown,
		NodeSelectionStrategy: strategy,
		MaxThrottleRetries:    s.MaxThrottleRetries,
		MaxRedirects:          s.MaxRedirects,
		Timeout:               s.Timeout,
	}

	if s.Limiter.Enabled {
		lc := limiter.DefaultConfig()
		if s.Limiter.InitialLimit > 0 {
			lc.InitialLimit = s.Limiter.InitialLimit
		}
		if s.Limiter.MaxLimit > 0 {
			lc.MaxLimit = s.Limiter.MaxLimit
		}
		if s.Limiter.PollInterval > 0 {
			lc.PollInterval = s.Limiter.PollInterval
		}
		cfg.Limiter = &lc
	}
	return cfg, nil
}
