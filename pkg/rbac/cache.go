package rbac

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// CacheStats reports effective permission cache usage
type CacheStats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Entries    int     `json:"entries"`
	Generation uint64  `json:"generation"`
}

// effectiveSet is the cached view for one role-set fingerprint. It stores the structural
// candidates per key rather than decisions, so the same entry answers any request context.
// An entry computed under an older generation is never trusted.
type effectiveSet struct {
	generation uint64
	roleIDs    []RoleID

	mu         sync.RWMutex
	candidates map[PermissionKey][]candidate
}

func (s *effectiveSet) lookup(key PermissionKey) ([]candidate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cands, ok := s.candidates[key]
	return cands, ok
}

func (s *effectiveSet) store(key PermissionKey, cands []candidate) {
	s.mu.Lock()
	s.candidates[key] = cands
	s.mu.Unlock()
}

// decisionCache is a bounded LRU of effective permission sets keyed by role-set fingerprint.
// Writers never touch it: bumping the engine generation makes every entry stale.
type decisionCache struct {
	sets  *lru.LRU[string, *effectiveSet]
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

func newDecisionCache(size int, ttl time.Duration) *decisionCache {
	if size < 1 {
		size = 1
	}
	return &decisionCache{
		sets: lru.NewLRU[string, *effectiveSet](size, nil, ttl),
	}
}

// set returns the entry for the fingerprint at the given generation, replacing a stale one
func (c *decisionCache) set(fp string, generation uint64, roleIDs []RoleID) *effectiveSet {
	if s, ok := c.sets.Get(fp); ok && s.generation == generation {
		return s
	}
	s := &effectiveSet{
		generation: generation,
		roleIDs:    roleIDs,
		candidates: make(map[PermissionKey][]candidate),
	}
	c.sets.Add(fp, s)
	return s
}

// candidates returns the cached candidates for key, computing them at most once per
// fingerprint, generation and key when several readers miss together.
func (c *decisionCache) candidates(fp string, s *effectiveSet, key PermissionKey, compute func() []candidate) ([]candidate, bool) {
	if cands, ok := s.lookup(key); ok {
		c.hits.Add(1)
		return cands, true
	}
	c.misses.Add(1)

	flight := fmt.Sprintf("%s|%d|%s", fp, s.generation, key)
	v, _, _ := c.group.Do(flight, func() (interface{}, error) {
		if cands, ok := s.lookup(key); ok {
			return cands, nil
		}
		cands := compute()
		s.store(key, cands)
		return cands, nil
	})
	return v.([]candidate), false
}

func (c *decisionCache) stats(generation uint64) CacheStats {
	stats := CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Entries:    c.sets.Len(),
		Generation: generation,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *decisionCache) purge() {
	c.sets.Purge()
}
