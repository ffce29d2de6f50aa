package config

import "sync"

// Live holds the hot-reloadable slice of the configuration. The WS
// admission check and the sandbox consult it on every call, so a reload
// applies to the next frame without restarting connections.
type Live struct {
	mu      sync.RWMutex
	origins []string
	roots   []string
}

func NewLive(cfg Config) *Live {
	l := &Live{}
	l.Update(cfg)
	return l
}

func (l *Live) Origins() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.origins
}

func (l *Live) ProjectRoots() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roots
}

// Update replaces the live fields from a freshly loaded config.
func (l *Live) Update(cfg Config) {
	origins := append([]string(nil), cfg.AllowOrigins...)
	roots := append([]string(nil), cfg.ProjectRoots...)
	l.mu.Lock()
	l.origins = origins
	l.roots = roots
	l.mu.Unlock()
}
