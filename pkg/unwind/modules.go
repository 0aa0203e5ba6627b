package unwind

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/piotrbartman/sandboxed-api/pkg/logflags"
	"github.com/piotrbartman/sandboxed-api/pkg/minielf"
)

// moduleCache memoizes symbol handles for the modules touched by a
// walk. Decoding an ELF symbol table is by far the most expensive step
// of symbolization and the same few modules own almost every frame, so
// each path is opened at most once per walk. Unusable modules are
// remembered too, as a nil handle.
type moduleCache struct {
	cache   *lru.Cache
	metrics *Metrics
	logger  logflags.Logger
}

func newModuleCache(size int, metrics *Metrics, logger logflags.Logger) *moduleCache {
	if size < 1 {
		size = 1
	}
	// NewWithEvict only fails for non-positive sizes.
	cache, _ := lru.NewWithEvict(size, func(_, value interface{}) {
		if h, ok := value.(*minielf.File); ok && h != nil {
			h.Close()
		}
	})
	return &moduleCache{cache: cache, metrics: metrics, logger: logger}
}

// open returns the symbol handle for path, opening the image on first
// use. It returns nil when the module cannot serve symbols; the failure
// then costs one attempt per walk instead of one per frame.
func (c *moduleCache) open(path string) *minielf.File {
	if v, ok := c.cache.Get(path); ok {
		h, _ := v.(*minielf.File)
		return h
	}
	h, err := minielf.Open(path)
	if err != nil {
		c.logger.Debugf("module %s has no usable symbols: %v", path, err)
		c.metrics.moduleError(err)
		c.cache.Add(path, (*minielf.File)(nil))
		return nil
	}
	c.cache.Add(path, h)
	return h
}

// close releases every cached handle.
func (c *moduleCache) close() {
	c.cache.Purge()
}
