// SPDX-License-Identifier: MIT

package predictor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tonearm/tonearm/internal/log"
)

// Cache maps (model, backbone, head-type) to loaded handles within one
// process. All operations are safe under parallel access; eviction
// takes the write lock for as long as it needs to release handles.
type Cache struct {
	mu sync.RWMutex

	backend Backend

	initialized  bool
	lastAccessMs int64
	entries      map[Key]Handle
	manifests    map[Key]Manifest

	autoEvict   bool
	idleTimeout time.Duration

	now func() time.Time
}

// NewCache creates an empty cache. idleTimeout <= 0 disables idle
// eviction regardless of autoEvict.
func NewCache(backend Backend, autoEvict bool, idleTimeout time.Duration) *Cache {
	return &Cache{
		backend:     backend,
		entries:     make(map[Key]Handle),
		manifests:   make(map[Key]Manifest),
		autoEvict:   autoEvict,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

// Warmup discovers every head under modelsDir and loads it. A second
// call on an initialized cache is a no-op returning the current size.
func (c *Cache) Warmup(ctx context.Context, modelsDir string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return len(c.entries), nil
	}

	heads, err := Discover(modelsDir)
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("predictor")
	for _, m := range heads {
		key := m.Key()
		if _, ok := c.entries[key]; ok {
			continue
		}
		h, err := c.backend.Load(ctx, m)
		if err != nil {
			c.releaseLocked()
			return 0, fmt.Errorf("load head %s: %w", key, err)
		}
		c.entries[key] = h
		c.manifests[key] = m
		logger.Info().Str("head", key.String()).Msg("head loaded")
	}

	c.initialized = true
	c.lastAccessMs = c.now().UnixMilli()
	logger.Info().Int("heads", len(c.entries)).Msg("predictor cache warmed up")
	return len(c.entries), nil
}

// Touch refreshes the idle clock. Every successful use of a handle
// calls this.
func (c *Cache) Touch() {
	c.mu.Lock()
	c.lastAccessMs = c.now().UnixMilli()
	c.mu.Unlock()
}

// Get returns the handle for key, or false when the cache holds none
// (not warmed up, cleared, or unknown head).
func (c *Cache) Get(key Key) (Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.entries[key]
	return h, ok
}

// Handles returns the loaded heads with their manifests, for callers
// that iterate all heads per file.
func (c *Cache) Handles() map[Key]Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Key]Handle, len(c.entries))
	for k, h := range c.entries {
		out[k] = h
	}
	return out
}

// Manifest returns the discovery manifest of a loaded head.
func (c *Cache) Manifest(key Key) (Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.manifests[key]
	return m, ok
}

// Size returns the number of loaded heads.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LastAccessMs returns the idle clock value.
func (c *Cache) LastAccessMs() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAccessMs
}

// CheckAndEvictIfIdle clears the cache when auto-eviction is on, a
// timeout is configured and the cache has been idle past it. Returns
// whether it evicted.
func (c *Cache) CheckAndEvictIfIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.autoEvict || c.idleTimeout <= 0 || !c.initialized {
		return false
	}
	idle := c.now().UnixMilli() - c.lastAccessMs
	if idle <= c.idleTimeout.Milliseconds() {
		return false
	}

	n := len(c.entries)
	c.releaseLocked()
	log.WithComponent("predictor").Info().
		Int("heads", n).
		Dur("idle", time.Duration(idle)*time.Millisecond).
		Msg("idle predictor cache evicted")
	return true
}

// Clear unconditionally releases every handle. The cache can be warmed
// up again afterwards.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

// releaseLocked closes all handles. Callers hold the write lock.
func (c *Cache) releaseLocked() {
	for key, h := range c.entries {
		if err := h.Close(); err != nil {
			log.WithComponent("predictor").Warn().Err(err).
				Str("head", key.String()).Msg("head close failed")
		}
	}
	c.entries = make(map[Key]Handle)
	c.manifests = make(map[Key]Manifest)
	c.initialized = false
}
