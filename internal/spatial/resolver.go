package spatial

import (
	"context"
	"fmt"
	"sync"

	"policy-engine/internal/policy"
)

// NodeKind is the level of a spatial node in the building/floor/room tree.
type NodeKind string

const (
	KindBuilding NodeKind = "building"
	KindFloor    NodeKind = "floor"
	KindRoom     NodeKind = "room"
)

func (k NodeKind) Valid() bool {
	return k == KindBuilding || k == KindFloor || k == KindRoom
}

// Node is one spatial hierarchy entry.
type Node struct {
	ID       string   `json:"id"`
	ParentID string   `json:"parent_id,omitempty"`
	Kind     NodeKind `json:"kind"`
	Name     string   `json:"name"`
}

// Source supplies the hierarchy snapshot. The store implements it.
type Source interface {
	ListSpatialNodes(ctx context.Context) ([]Node, error)
	ListOccupantCategories(ctx context.Context) ([]Category, error)
}

// Category is an occupant classification (undergraduate, staff, visitor...).
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Resolver answers scope membership questions against a cached snapshot of
// the spatial tree and occupant categories. Matching is pure; Refresh swaps
// the snapshot.
type Resolver struct {
	source Source

	mu         sync.RWMutex
	parents    map[string]string
	nodes      map[string]Node
	categories map[string]Category
}

func NewResolver(source Source) *Resolver {
	return &Resolver{
		source:     source,
		parents:    map[string]string{},
		nodes:      map[string]Node{},
		categories: map[string]Category{},
	}
}

// Refresh reloads the hierarchy snapshot from the source.
func (r *Resolver) Refresh(ctx context.Context) error {
	nodes, err := r.source.ListSpatialNodes(ctx)
	if err != nil {
		return fmt.Errorf("load spatial nodes: %w", err)
	}
	cats, err := r.source.ListOccupantCategories(ctx)
	if err != nil {
		return fmt.Errorf("load occupant categories: %w", err)
	}

	parents := make(map[string]string, len(nodes))
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		if n.ParentID != "" {
			parents[n.ID] = n.ParentID
		}
	}
	byCat := make(map[string]Category, len(cats))
	for _, c := range cats {
		byCat[c.ID] = c
	}

	r.mu.Lock()
	r.parents = parents
	r.nodes = byID
	r.categories = byCat
	r.mu.Unlock()
	return nil
}

// Context is the spatial and occupant classification a telemetry sample
// carries.
type Context struct {
	RoomID             string
	OccupantCategoryID string
}

// Matches decides whether a sample falls inside a policy scope. Both
// dimensions must hold: the sample's room (or one of its ancestors) is in the
// scope's spatial set AND its occupant category is in the scope's category
// set. An empty set on either dimension matches nothing.
func (r *Resolver) Matches(scope policy.Scope, sc Context) bool {
	if scope.Empty() {
		return false
	}
	if !r.spatialMember(scope.SpatialIDs, sc.RoomID) {
		return false
	}
	for _, id := range scope.OccupantCategoryIDs {
		if id == sc.OccupantCategoryID {
			return true
		}
	}
	return false
}

// spatialMember walks the ancestor chain of nodeID looking for a scope hit,
// so selecting a building covers every floor and room beneath it.
func (r *Resolver) spatialMember(selected []string, nodeID string) bool {
	if nodeID == "" {
		return false
	}
	set := make(map[string]struct{}, len(selected))
	for _, id := range selected {
		set[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := 0
	for id := nodeID; id != ""; id = r.parents[id] {
		if _, ok := set[id]; ok {
			return true
		}
		// A corrupted parent chain must not loop forever.
		if seen++; seen > len(r.parents)+1 {
			return false
		}
	}
	return false
}

// Node returns the cached node definition.
func (r *Resolver) Node(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return n, ok
}

// KnownCategory reports whether the occupant category exists.
func (r *Resolver) KnownCategory(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.categories[id]
	return ok
}
