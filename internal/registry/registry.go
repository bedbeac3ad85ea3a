// Package registry maps crawler-type names to implementations.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hyperion-data/krx-crawler/internal/task"
)

// Registry is a concurrency-safe name -> crawler mapping. It is populated
// at startup and read-mostly afterwards; re-registering a name replaces
// the prior binding, which tests use to install stubs.
type Registry struct {
	mu       sync.RWMutex
	crawlers map[string]task.Crawler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		crawlers: make(map[string]task.Crawler),
	}
}

// Register associates name with a crawler implementation. Last write wins.
func (r *Registry) Register(name string, c task.Crawler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crawlers[name] = c
}

// Resolve returns the crawler registered under name or
// task.ErrUnknownCrawlerType.
func (r *Registry) Resolve(name string) (task.Crawler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.crawlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownCrawlerType, name)
	}
	return c, nil
}

// Names returns the registered crawler-type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.crawlers))
	for name := range r.crawlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
