package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Shaydu/mondrian/internal/logging"
)

// AdapterHandle is the model handle of an adapter-augmented base model.
type AdapterHandle string

// String implements fmt.Stringer.
func (h AdapterHandle) String() string { return string(h) }

// AdapterCache loads fine-tuned adapter handles once per advisor. A handle is
// read-only after its first successful load; reload requires an explicit
// Invalidate.
type AdapterCache struct {
	baseHandle string
	adapterDir string

	mu      sync.RWMutex
	handles map[string]AdapterHandle
}

// NewAdapterCache builds a cache deriving handles from the base model.
func NewAdapterCache(baseHandle, adapterDir string) *AdapterCache {
	return &AdapterCache{
		baseHandle: baseHandle,
		adapterDir: adapterDir,
		handles:    make(map[string]AdapterHandle),
	}
}

// BaseHandle returns the unadapted base model handle.
func (c *AdapterCache) BaseHandle() string { return c.baseHandle }

// Load returns the advisor's adapter handle, loading and caching it on first
// use. adapterPath may be absolute or relative to the adapter dir; an empty
// path or a missing adapter is an error the caller maps to "unavailable".
func (c *AdapterCache) Load(advisorID, adapterPath string) (AdapterHandle, error) {
	c.mu.RLock()
	h, ok := c.handles[advisorID]
	c.mu.RUnlock()
	if ok {
		return h, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-checked: another goroutine may have loaded while we waited.
	if h, ok := c.handles[advisorID]; ok {
		return h, nil
	}

	if adapterPath == "" {
		return "", fmt.Errorf("advisor %s has no adapter configured", advisorID)
	}
	path := adapterPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.adapterDir, adapterPath)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("adapter for advisor %s not loadable: %w", advisorID, err)
	}

	h = AdapterHandle(c.baseHandle + "+adapter:" + path)
	c.handles[advisorID] = h
	logging.Model("Loaded adapter for advisor %s: %s", advisorID, h)
	return h, nil
}

// Invalidate drops the advisor's cached handle so the next Load re-stats the
// adapter. Manual operator reset only.
func (c *AdapterCache) Invalidate(advisorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, advisorID)
}
