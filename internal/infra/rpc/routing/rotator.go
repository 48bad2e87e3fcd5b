package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// NodeSelectionStrategy defines which node a new top-level call uses.
type NodeSelectionStrategy int

const (
	PinUntilError NodeSelectionStrategy = iota // Stick to one node until it fails
	RoundRobin                                 // Spread calls over all nodes
)

func (s NodeSelectionStrategy) String() string {
	switch s {
	case PinUntilError:
		return "PIN_UNTIL_ERROR"
	case RoundRobin:
		return "ROUND_ROBIN"
	default:
		return fmt.Sprintf("NodeSelectionStrategy(%d)", int(s))
	}
}

// ParseNodeSelectionStrategy parses PIN_UNTIL_ERROR or ROUND_ROBIN
// (case-insensitive). The empty string selects PIN_UNTIL_ERROR.
func ParseNodeSelectionStrategy(s string) (NodeSelectionStrategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "PIN_UNTIL_ERROR":
		return PinUntilError, nil
	case "ROUND_ROBIN":
		return RoundRobin, nil
	default:
		return 0, fmt.Errorf("unknown node selection strategy %q", s)
	}
}

// NodeRotator picks the node for each new top-level call.
type NodeRotator interface {
	// Select returns the index of the node to use.
	Select(ctx context.Context) int

	// Failed reports that a call against node i failed.
	Failed(ctx context.Context, i int)
}

// NewNodeRotator builds the rotator for strategy over sel's nodes.
func NewNodeRotator(strategy NodeSelectionStrategy, sel *Selector) NodeRotator {
	switch strategy {
	case RoundRobin:
		return &roundRobin{sel: sel}
	default:
		return &pinUntilError{sel: sel}
	}
}

type pinUntilError struct {
	sel *Selector

	mu     sync.Mutex
	pinned int
}

func (p *pinUntilError) Select(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.sel.IsAvailable(ctx, p.pinned) {
		p.pinned = p.sel.NextAvailable(ctx, p.pinned)
	}
	return p.pinned
}

func (p *pinUntilError) Failed(ctx context.Context, i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Only the first failure against the pinned node moves the pin.
	if i == p.pinned {
		p.pinned = p.sel.NextAvailable(ctx, i)
	}
}

type roundRobin struct {
	sel  *Selector
	next atomic.Uint64
}

func (r *roundRobin) Select(ctx context.Context) int {
	n := r.sel.Len()
	start := int((r.next.Add(1) - 1) % uint64(n))

	for step := 0; step < n; step++ {
		i := (start + step) % n
		if r.sel.IsAvailable(ctx, i) {
			return i
		}
	}
	return start
}

func (r *roundRobin) Failed(context.Context, int) {}
