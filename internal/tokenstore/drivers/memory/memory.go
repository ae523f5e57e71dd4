// Package memory is the process-memory token backend. Tokens do not survive
// a restart.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"
)

type Backend struct {
	mu     sync.RWMutex
	values map[string]string
}

func New() *Backend {
	return &Backend{values: make(map[string]string)}
}

func (b *Backend) Load(_ context.Context, keys ...string) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := b.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *Backend) Store(_ context.Context, entries map[string]string, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, v := range entries {
		if v == "" {
			delete(b.values, k)
			continue
		}
		b.values[k] = v
	}
	return nil
}

func (b *Backend) Remove(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range keys {
		delete(b.values, k)
	}
	return nil
}

// Snapshot copies the raw stored values. Used by tests and the CLI status view.
func (b *Backend) Snapshot() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.values)
}

func (b *Backend) Close() error { return nil }
