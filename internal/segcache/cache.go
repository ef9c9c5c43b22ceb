// Package segcache implements the bounded, LRU-ordered on-SSD segment
// cache. Entries are kept in recency order, the oldest entry being the
// least recently used and the first evicted; the order is backed by an
// insertion-ordered map (github.com/wk8/go-ordered-map/v2) so
// touch/insert/evict are O(1) and membership is an O(1) map lookup rather
// than a linear scan.
package segcache

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Cache is the bounded LRU segment cache. A disabled cache (configured
// cache_size below the largest possible segment) creates no cache directory
// and ScanExisting reports nothing for it; the other methods do not check
// the flag, so callers check Disabled and use a scratch file instead.
type Cache struct {
	mu           sync.Mutex
	order        *orderedmap.OrderedMap[string, int64] // digest -> length, newest = MRU
	currentBytes int64
	cacheSize    int64
	mapper       *layout.Mapper
	logger       *slog.Logger
	disabled     bool
}

// New returns a segment cache bounded at cacheSize bytes. If cacheSize is
// smaller than maxSegSize, the cache is force-disabled.
func New(mapper *layout.Mapper, cacheSize, maxSegSize int64, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		order:     orderedmap.New[string, int64](),
		cacheSize: cacheSize,
		mapper:    mapper,
		logger:    logger,
		disabled:  cacheSize < maxSegSize,
	}

	if c.disabled {
		logger.Info("segcache: disabled (cache_size below max segment size)", "cache_size", cacheSize, "max_seg_size", maxSegSize)
		return c, nil
	}

	if err := os.MkdirAll(mapper.CacheDir(), 0o755); err != nil {
		return nil, &tiererrors.IoError{Op: "mkdir", Path: mapper.CacheDir(), Err: err}
	}

	return c, nil
}

// Disabled reports whether caching is force-disabled.
func (c *Cache) Disabled() bool {
	return c.disabled
}

// Contains reports whether digest is present in the cache.
func (c *Cache) Contains(dig string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.order.Get(dig)
	return ok
}

// Touch promotes digest to most-recently-used. No-op if digest is absent.
func (c *Cache) Touch(dig string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	length, ok := c.order.Get(dig)
	if !ok {
		return
	}
	c.order.Delete(dig)
	c.order.Set(dig, length)
}

// Insert adds digest (of the given length) as most-recently-used. Callers
// must have already called EnsureCapacity and materialised the segment file
// on disk before calling Insert.
func (c *Cache) Insert(dig string, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.order.Get(dig); ok {
		c.order.Delete(dig)
	} else {
		c.currentBytes += length
	}
	c.order.Set(dig, length)
}

// EnsureCapacity evicts least-recently-used entries until at least n bytes
// of headroom exist under cache_size, or the cache is empty (it then returns
// nil even if n exceeds cache_size). Each eviction deletes the on-SSD
// segment file and decrements the running byte counter.
func (c *Cache) EnsureCapacity(n int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.cacheSize-c.currentBytes < n {
		oldest := c.order.Oldest()
		if oldest == nil {
			// Nothing left to evict; capacity simply cannot be reached.
			return nil
		}
		if err := c.evictLocked(oldest.Key); err != nil {
			return err
		}
	}
	return nil
}

// Evict removes digest from the cache wherever it sits in the order, and
// deletes its on-SSD file. No-op if digest is absent.
func (c *Cache) Evict(dig string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.order.Get(dig); !ok {
		return nil
	}
	return c.evictLocked(dig)
}

func (c *Cache) evictLocked(dig string) error {
	length, ok := c.order.Get(dig)
	if !ok {
		return nil
	}

	path := c.mapper.CachePath(dig)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &tiererrors.IoError{Op: "evict", Path: path, Err: err}
	}

	c.order.Delete(dig)
	c.currentBytes -= length
	return nil
}

// CurrentBytes returns the running total of cached bytes.
func (c *Cache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBytes
}

// Resurrect re-registers a digest already materialised under /.cache as
// present, without touching disk. Used by the daemon's cold-start scan to
// restore cache state for digests the rebuilt index still carries.
func (c *Cache) Resurrect(dig string, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.order.Get(dig); ok {
		return
	}
	c.order.Set(dig, length)
	c.currentBytes += length
}

// ScanExisting lists the digests currently materialised under the cache
// directory, for the cold-start resurrection pass.
func (c *Cache) ScanExisting() ([]string, error) {
	if c.disabled {
		return nil, nil
	}

	entries, err := os.ReadDir(c.mapper.CacheDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &tiererrors.IoError{Op: "scan", Path: c.mapper.CacheDir(), Err: err}
	}

	digests := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		digests = append(digests, e.Name())
	}
	return digests, nil
}

func (c *Cache) String() string {
	return fmt.Sprintf("segcache{items=%d bytes=%d/%d disabled=%v}", c.order.Len(), c.currentBytes, c.cacheSize, c.disabled)
}
