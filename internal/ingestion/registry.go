package ingestion

import (
	"fmt"
	"strings"
)

// Registry maps source ids to plugins. It is populated once at startup and
// preserves registration order, which is the dispatch order.
type Registry struct {
	plugins []Plugin
	byID    map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Plugin)}
}

// Register adds a plugin. Source ids are case-insensitive and must be unique.
func (r *Registry) Register(p Plugin) error {
	id := strings.ToUpper(strings.TrimSpace(p.SourceID()))
	if id == "" {
		return fmt.Errorf("register plugin: empty source id")
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("register plugin: duplicate source id %q", p.SourceID())
	}
	r.byID[id] = p
	r.plugins = append(r.plugins, p)
	return nil
}

// Lookup finds a plugin by source id.
func (r *Registry) Lookup(sourceID string) (Plugin, bool) {
	p, ok := r.byID[strings.ToUpper(strings.TrimSpace(sourceID))]
	return p, ok
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func (r *Registry) Len() int { return len(r.plugins) }
