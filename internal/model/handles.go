package model

import "sync"

// Handles serializes access to model handles. The model callable is a
// singleton resource per handle; the dispatcher holds the handle's lock
// across each call and never across store or retrieval work.
type Handles struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHandles builds an empty handle registry.
func NewHandles() *Handles {
	return &Handles{locks: make(map[string]*sync.Mutex)}
}

// Lock returns the mutex guarding the named handle, creating it on first use.
func (h *Handles) Lock(handle string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.locks[handle]
	if !ok {
		m = &sync.Mutex{}
		h.locks[handle] = m
	}
	return m
}
