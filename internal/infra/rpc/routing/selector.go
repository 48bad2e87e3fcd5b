// Package routing handles node selection, failover and cooldown.
//
// This package contains:
//   - BaseURL: canonical node address and base matching
//   - Selector: the configured node pool, redirects and cooldown-aware failover
//   - CooldownStore: memory implementation (a Redis one lives in infra/redis)
//   - NodeRotator: node-selection policies (pin-until-error, round-robin)
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/vietddude/httpguard/internal/metrics"
)

// ErrNoNodes is returned when a selector is built without any URL.
var ErrNoNodes = errors.New("at least one base url is required")

// Selector owns the ordered node pool of one logical service.
type Selector struct {
	nodes    []BaseURL
	cooldown CooldownStore
	ttl      time.Duration
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithCooldownStore replaces the in-memory cooldown store.
func WithCooldownStore(store CooldownStore) SelectorOption {
	return func(s *Selector) { s.cooldown = store }
}

// WithFailedURLCooldown sets how long a failed node is excluded.
// Zero disables cooldown.
func WithFailedURLCooldown(d time.Duration) SelectorOption {
	return func(s *Selector) { s.ttl = d }
}

// NewSelector validates every raw URL as a canonical base URL.
func NewSelector(rawURLs []string, opts ...SelectorOption) (*Selector, error) {
	if len(rawURLs) == 0 {
		return nil, ErrNoNodes
	}

	nodes := make([]BaseURL, 0, len(rawURLs))
	for i, raw := range rawURLs {
		b, err := ParseBaseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, b)
	}

	s := &Selector{
		nodes:    nodes,
		cooldown: NewMemoryCooldown(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Nodes returns a copy of the configured nodes in order.
func (s *Selector) Nodes() []BaseURL {
	out := make([]BaseURL, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// Len returns the number of configured nodes.
func (s *Selector) Len() int {
	return len(s.nodes)
}

// Node returns the i-th configured node.
func (s *Selector) Node(i int) BaseURL {
	return s.nodes[i]
}

// IndexFor returns the configured node that is a base for u. When several
// nodes match, the one with the longest path wins.
func (s *Selector) IndexFor(u *url.URL) (int, bool) {
	best, bestLen := -1, -1
	for i, n := range s.nodes {
		if !IsBaseURLFor(n.u, u) {
			continue
		}
		if l := len(strings.TrimSuffix(n.u.Path, "/")); l > bestLen {
			best, bestLen = i, l
		}
	}
	return best, best >= 0
}

// RedirectTo rewrites current onto the configured node named by target.
// It returns false when target is not a configured node or when current
// does not belong to any configured node.
func (s *Selector) RedirectTo(current *url.URL, target string) (*url.URL, bool) {
	node, err := ParseBaseURL(target)
	if err != nil {
		return nil, false
	}
	to, ok := s.nodeIndex(node)
	if !ok {
		return nil, false
	}
	from, ok := s.IndexFor(current)
	if !ok {
		return nil, false
	}
	return rebase(current, s.nodes[from], s.nodes[to]), true
}

// nodeIndex returns the configured node equal to b.
func (s *Selector) nodeIndex(b BaseURL) (int, bool) {
	for i, n := range s.nodes {
		if n.Equal(b) {
			return i, true
		}
	}
	return -1, false
}

// RedirectToNext rewrites current onto the node following its own node in
// configured order, skipping nodes in cooldown. If every node is cooling
// down the plain next node is used.
func (s *Selector) RedirectToNext(ctx context.Context, current *url.URL) (*url.URL, bool) {
	from, ok := s.IndexFor(current)
	if !ok {
		return nil, false
	}
	to := s.NextAvailable(ctx, from)
	return rebase(current, s.nodes[from], s.nodes[to]), true
}

// NextAvailable returns the first node after from (wrapping, from itself
// last) that is not cooling down, or from+1 when all are.
func (s *Selector) NextAvailable(ctx context.Context, from int) int {
	n := len(s.nodes)
	for step := 1; step <= n; step++ {
		i := (from + step) % n
		if s.IsAvailable(ctx, i) {
			return i
		}
	}
	return (from + 1) % n
}

// IsAvailable reports whether node i is outside its cooldown window.
// Store errors count as available.
func (s *Selector) IsAvailable(ctx context.Context, i int) bool {
	cooling, err := s.cooldown.IsCoolingDown(ctx, s.nodes[i].String())
	if err != nil {
		slog.Warn("Cooldown lookup failed, treating node as available",
			"node", s.nodes[i].String(), "error", err)
		return true
	}
	return !cooling
}

// MarkFailed places the node serving u in cooldown.
func (s *Selector) MarkFailed(ctx context.Context, u *url.URL) {
	if s.ttl <= 0 {
		return
	}
	i, ok := s.IndexFor(u)
	if !ok {
		return
	}
	node := s.nodes[i].String()
	if err := s.cooldown.MarkFailed(ctx, node, s.ttl); err != nil {
		slog.Warn("Failed to mark node in cooldown", "node", node, "error", err)
		return
	}
	metrics.NodeCooldownsTotal.WithLabelValues(node).Inc()
	slog.Debug("Node placed in cooldown", "node", node, "ttl", s.ttl)
}
