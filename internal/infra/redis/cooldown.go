package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// markScript sets the cooldown key unless an existing mark outlives the new one.
// PTTL is -2 for a missing key, so the first mark always wins.
var markScript = redis.NewScript(`
local cur = redis.call('PTTL', KEYS[1])
if cur < tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
	return 1
end
return 0
`)

// CooldownStore shares failed-node marks between processes through Redis
// key expiry. It satisfies routing.CooldownStore.
type CooldownStore struct {
	rdb       *redis.Client
	namespace string
}

// NewCooldownStore creates a cooldown store scoped to namespace, usually
// the service name.
func NewCooldownStore(client *Client, namespace string) *CooldownStore {
	return &CooldownStore{rdb: client.rdb, namespace: namespace}
}

// Key helpers
func (s *CooldownStore) key(node string) string {
	return fmt.Sprintf("cooldown:%s:%s", s.namespace, node)
}

// MarkFailed excludes node for ttl. A non-positive ttl is a no-op.
func (s *CooldownStore) MarkFailed(ctx context.Context, node string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ms := ttl.Milliseconds()
	if ms == 0 {
		ms = 1
	}
	if err := markScript.Run(ctx, s.rdb, []string{s.key(node)}, ms).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("mark cooldown failed: %w", err)
	}
	return nil
}

// IsCoolingDown reports whether node has an unexpired mark.
func (s *CooldownStore) IsCoolingDown(ctx context.Context, node string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(node)).Result()
	if err != nil {
		return false, fmt.Errorf("exists failed: %w", err)
	}
	return n > 0, nil
}

// Clear removes the mark for node.
func (s *CooldownStore) Clear(ctx context.Context, node string) error {
	return s.rdb.Del(ctx, s.key(node)).Err()
}
