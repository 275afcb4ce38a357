// Package dedup tracks which external feed items have already been
// processed. Each source has a Redis set of seen identifiers; a sync
// cycle loads the set once, marks identifiers in memory, and saves only
// the additions when the source finishes. A per-source lock keeps two
// cycles from interleaving.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCycleRunning is returned when a sync cycle for the source is
// already in flight; the caller should skip, not wait.
var ErrCycleRunning = errors.New("sync cycle already running for source")

type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func seenKey(source string) string  { return "dedup:seen:" + source }
func cycleKey(source string) string { return "dedup:cycle:" + source }

// AcquireCycle takes the single-flight lock for a source. The TTL bounds
// how long a crashed cycle can block the next one.
func (s *Store) AcquireCycle(ctx context.Context, source string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, cycleKey(source), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		return ErrCycleRunning
	}
	return nil
}

func (s *Store) ReleaseCycle(ctx context.Context, source string) error {
	return s.rdb.Del(ctx, cycleKey(source)).Err()
}

// Load reads the full seen-set for a source into memory for one cycle.
func (s *Store) Load(ctx context.Context, source string) (*Cache, error) {
	ids, err := s.rdb.SMembers(ctx, seenKey(source)).Result()
	if err != nil {
		return nil, fmt.Errorf("load dedup cache for %s: %w", source, err)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return &Cache{source: source, seen: seen}, nil
}

// Save persists identifiers marked during this cycle. Only additions are
// written (SADD), so a previously confirmed identifier can never be lost
// by a partial save.
func (s *Store) Save(ctx context.Context, c *Cache) error {
	if len(c.added) == 0 {
		return nil
	}
	members := make([]interface{}, len(c.added))
	for i, id := range c.added {
		members[i] = id
	}
	if err := s.rdb.SAdd(ctx, seenKey(c.source), members...).Err(); err != nil {
		return fmt.Errorf("save dedup cache for %s: %w", c.source, err)
	}
	c.added = c.added[:0]
	return nil
}

// Cache is the in-memory seen-set for one source during one cycle.
// It is not safe for concurrent use; the cycle lock makes that moot.
type Cache struct {
	source string
	seen   map[string]struct{}
	added  []string
}

func (c *Cache) Source() string { return c.source }

func (c *Cache) Seen(id string) bool {
	_, ok := c.seen[id]
	return ok
}

// MarkSeen records an identifier as processed. The mutation stays local
// until Save.
func (c *Cache) MarkSeen(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.added = append(c.added, id)
}
