// Package agent holds process-wide dispatch state shared between the admin
// API and the task executor: feature flags and the per-backend capability
// cache.
package agent

import "sync"

// Flag keys the admin API accepts. Anything else in an update payload is
// ignored.
const (
	FlagMCP        = "mcp_enabled"
	FlagGUI        = "computer_use_enabled"
	FlagBrowser    = "browser_use_enabled"
	FlagUserPlugin = "user_plugin_enabled"
)

var knownFlags = map[string]struct{}{
	FlagMCP:        {},
	FlagGUI:        {},
	FlagBrowser:    {},
	FlagUserPlugin: {},
}

// Flags is the mutable feature-flag set. All flags default to off.
type Flags struct {
	mu     sync.Mutex
	values map[string]bool
}

func NewFlags() *Flags {
	return &Flags{values: map[string]bool{
		FlagMCP:        false,
		FlagGUI:        false,
		FlagBrowser:    false,
		FlagUserPlugin: false,
	}}
}

// Update applies the known boolean keys from raw and reports which keys were
// accepted. Unknown keys and non-boolean values are dropped.
func (f *Flags) Update(raw map[string]any) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var applied []string
	for key, val := range raw {
		if _, ok := knownFlags[key]; !ok {
			continue
		}
		b, ok := val.(bool)
		if !ok {
			continue
		}
		f.values[key] = b
		applied = append(applied, key)
	}
	return applied
}

func (f *Flags) Get(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func (f *Flags) Snapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// AnyEnabled reports whether at least one dispatch channel is on.
func (f *Flags) AnyEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.values {
		if v {
			return true
		}
	}
	return false
}

// Capability is one backend's readiness probe result.
type Capability struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// CapabilityCache holds the last readiness probe per backend.
type CapabilityCache struct {
	mu    sync.Mutex
	cache map[string]Capability
}

func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{cache: make(map[string]Capability)}
}

func (c *CapabilityCache) Set(name string, ready bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[name] = Capability{Ready: ready, Reason: reason}
}

func (c *CapabilityCache) Get(name string) (Capability, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache[name]
	return v, ok
}

func (c *CapabilityCache) Snapshot() map[string]Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Capability, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}
