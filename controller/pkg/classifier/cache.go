package classifier

import (
	"bytes"
	"sync"

	"github.com/bluele/gcache"
	"github.com/cespare/xxhash"
	"go.aporeto.io/capfilter/controller/pkg/ruleset"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of frames a Cache remembers.
const DefaultCacheSize = 2048

type cached struct {
	frame []byte
	rule  *ruleset.Rule
}

// Cache memoises Classify results for a ruleset. Results are dropped as soon
// as the ruleset changes.
type Cache struct {
	rs         *ruleset.Ruleset
	generation uint64
	results    gcache.Cache

	sync.Mutex
}

// NewCache creates a cache of size entries for rs. A size below one selects
// DefaultCacheSize.
func NewCache(rs *ruleset.Ruleset, size int) *Cache {

	if size < 1 {
		size = DefaultCacheSize
	}

	return &Cache{
		rs:         rs,
		generation: rs.Generation(),
		results:    gcache.New(size).LRU().Build(),
	}
}

// Classify is Classify with memoisation. The frame is copied when stored.
func (c *Cache) Classify(frame []byte) *ruleset.Rule {

	c.Lock()
	defer c.Unlock()

	if g := c.rs.Generation(); g != c.generation {
		c.results.Purge()
		c.generation = g
	}

	key := xxhash.Sum64(frame)

	if data, err := c.results.Get(key); err == nil {
		if e := data.(*cached); bytes.Equal(e.frame, frame) {
			return e.rule
		}
	}

	r := Classify(c.rs, frame)

	if err := c.results.Set(key, &cached{frame: append([]byte(nil), frame...), rule: r}); err != nil {
		zap.L().Error("Failed to cache classification", zap.Error(err))
	}

	return r
}

// Stats returns the number of cache hits and misses so far.
func (c *Cache) Stats() (hits uint64, misses uint64) {
	return c.results.HitCount(), c.results.MissCount()
}
