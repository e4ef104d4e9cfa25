package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrFeatureNotFound marks an unknown (model, point) reference. Callers must
// treat it as a configuration error: it fails policy validation, never a
// per-sample evaluation.
var ErrFeatureNotFound = errors.New("feature not found")

// Source supplies the catalog snapshot the registry caches. The store
// implements it; tests supply a fixture.
type Source interface {
	ListFeatures(ctx context.Context) ([]Feature, error)
}

// Registry is the read path for device point definitions. It holds the whole
// catalog in memory and refreshes either periodically or on an explicit
// invalidation signal (catalog-change notification).
type Registry struct {
	source Source

	mu       sync.RWMutex
	features map[string]Feature
	loadedAt time.Time

	refreshEvery time.Duration
}

func NewRegistry(source Source) *Registry {
	return &Registry{
		source:       source,
		features:     map[string]Feature{},
		refreshEvery: 30 * time.Second,
	}
}

// Load replaces the cached snapshot from the source.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.source.ListFeatures(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	next := make(map[string]Feature, len(rows))
	for _, f := range rows {
		next[f.Key()] = f
	}
	r.mu.Lock()
	r.features = next
	r.loadedAt = time.Now().UTC()
	r.mu.Unlock()
	return nil
}

// Invalidate forces a reload on the next refresh tick by clearing loadedAt.
// Used by the catalog-change MQTT handler.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// Start runs the refresh loop until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(r.refreshEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.mu.RLock()
				stale := time.Since(r.loadedAt) >= r.refreshEvery
				r.mu.RUnlock()
				if !stale {
					continue
				}
				if err := r.Load(ctx); err != nil {
					slog.Warn("catalog refresh failed", "error", err)
				}
			}
		}
	}()
}

// Resolve looks up a point definition by device model and identifier.
func (r *Registry) Resolve(modelID, identifier string) (Feature, error) {
	r.mu.RLock()
	f, ok := r.features[modelID+"."+identifier]
	r.mu.RUnlock()
	if !ok {
		return Feature{}, fmt.Errorf("%w: %s.%s", ErrFeatureNotFound, modelID, identifier)
	}
	return f, nil
}

// Len reports the number of cached points, for health and metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.features)
}
