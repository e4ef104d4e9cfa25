package spatial

import (
	"context"
	"testing"

	"policy-engine/internal/policy"
)

type fakeSource struct {
	nodes      []Node
	categories []Category
}

func (f *fakeSource) ListSpatialNodes(context.Context) ([]Node, error) { return f.nodes, nil }
func (f *fakeSource) ListOccupantCategories(context.Context) ([]Category, error) {
	return f.categories, nil
}

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	src := &fakeSource{
		nodes: []Node{
			{ID: "b_1", Kind: KindBuilding, Name: "Dormitory building 1"},
			{ID: "b_1_f_1", ParentID: "b_1", Kind: KindFloor, Name: "Floor 1"},
			{ID: "r_101", ParentID: "b_1_f_1", Kind: KindRoom, Name: "Room 101"},
			{ID: "b_2", Kind: KindBuilding, Name: "Dormitory building 2"},
			{ID: "b_2_f_1", ParentID: "b_2", Kind: KindFloor, Name: "Floor 1"},
		},
		categories: []Category{
			{ID: "u_1", Name: "Undergraduate"},
			{ID: "u_2", Name: "Postgraduate"},
		},
	}
	r := NewResolver(src)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return r
}

func TestMatchesThroughHierarchy(t *testing.T) {
	r := testResolver(t)
	scope := policy.Scope{SpatialIDs: []string{"b_1"}, OccupantCategoryIDs: []string{"u_1"}}

	// Selecting the building covers its floors and rooms.
	if !r.Matches(scope, Context{RoomID: "r_101", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected room under selected building to match")
	}
	if !r.Matches(scope, Context{RoomID: "b_1_f_1", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected floor under selected building to match")
	}
	if !r.Matches(scope, Context{RoomID: "b_1", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected the selected building itself to match")
	}
	// A different building does not.
	if r.Matches(scope, Context{RoomID: "b_2_f_1", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected other building to not match")
	}
}

func TestMatchesRequiresBothDimensions(t *testing.T) {
	r := testResolver(t)
	scope := policy.Scope{SpatialIDs: []string{"b_1"}, OccupantCategoryIDs: []string{"u_1"}}

	// Right room, wrong occupant category.
	if r.Matches(scope, Context{RoomID: "r_101", OccupantCategoryID: "u_2"}) {
		t.Fatalf("expected occupant mismatch to fail the scope")
	}
	// Right occupant, wrong room.
	if r.Matches(scope, Context{RoomID: "b_2", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected spatial mismatch to fail the scope")
	}
}

func TestEmptyScopeMatchesNothing(t *testing.T) {
	r := testResolver(t)
	sc := Context{RoomID: "r_101", OccupantCategoryID: "u_1"}

	if r.Matches(policy.Scope{}, sc) {
		t.Fatalf("expected empty scope to match nothing")
	}
	if r.Matches(policy.Scope{SpatialIDs: []string{"b_1"}}, sc) {
		t.Fatalf("expected scope without occupant categories to match nothing")
	}
	if r.Matches(policy.Scope{OccupantCategoryIDs: []string{"u_1"}}, sc) {
		t.Fatalf("expected scope without spatial nodes to match nothing")
	}
}

func TestMatchesUnknownRoom(t *testing.T) {
	r := testResolver(t)
	scope := policy.Scope{SpatialIDs: []string{"b_1"}, OccupantCategoryIDs: []string{"u_1"}}
	if r.Matches(scope, Context{RoomID: "r_999", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected unknown room to not match")
	}
}

func TestMatchesSurvivesParentCycle(t *testing.T) {
	src := &fakeSource{
		nodes: []Node{
			{ID: "a", ParentID: "b", Kind: KindFloor},
			{ID: "b", ParentID: "a", Kind: KindFloor},
		},
		categories: []Category{{ID: "u_1"}},
	}
	r := NewResolver(src)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	scope := policy.Scope{SpatialIDs: []string{"other"}, OccupantCategoryIDs: []string{"u_1"}}
	// Must terminate and report no match.
	if r.Matches(scope, Context{RoomID: "a", OccupantCategoryID: "u_1"}) {
		t.Fatalf("expected cyclic chain to not match an outside selection")
	}
}
