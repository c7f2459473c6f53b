package adjust

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kage/internal/model"
)

type cacheEntry struct {
	factor    model.AdjustmentFactor
	expiresAt time.Time
}

// FactorCache holds the latest factor per (tool, version). Readers load an
// immutable map through an atomic pointer; writers copy it.
type FactorCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[map[model.ToolVersion]cacheEntry]
}

// NewFactorCache creates an empty cache whose entries expire ttl after they
// were calculated.
func NewFactorCache(ttl time.Duration) *FactorCache {
	c := &FactorCache{ttl: ttl, now: time.Now}
	empty := map[model.ToolVersion]cacheEntry{}
	c.entries.Store(&empty)
	return c
}

// Factor returns the cached factor for tv, or 0 when none is cached or the
// entry has expired.
func (c *FactorCache) Factor(tv model.ToolVersion) float64 {
	e, ok := (*c.entries.Load())[tv]
	if !ok || !c.now().Before(e.expiresAt) {
		return 0
	}
	return e.factor.Factor
}

// Set stores f, replacing any older entry for the same pair. Entries older
// than the one already cached are ignored.
func (c *FactorCache) Set(f model.AdjustmentFactor) {
	expires := f.CalculatedAt.Add(c.ttl)
	if !c.now().Before(expires) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.entries.Load()
	if old, ok := cur[f.Key()]; ok && old.factor.CalculatedAt.After(f.CalculatedAt) {
		return
	}
	next := make(map[model.ToolVersion]cacheEntry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[f.Key()] = cacheEntry{factor: f, expiresAt: expires}
	c.entries.Store(&next)
}

// Snapshot returns the unexpired factors.
func (c *FactorCache) Snapshot() []model.AdjustmentFactor {
	now := c.now()
	cur := *c.entries.Load()
	out := make([]model.AdjustmentFactor, 0, len(cur))
	for _, e := range cur {
		if now.Before(e.expiresAt) {
			out = append(out, e.factor)
		}
	}
	sortFactors(out)
	return out
}
