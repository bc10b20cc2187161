// ABOUTME: Tests for the JSON snapshot parser
// ABOUTME: Validates slot wiring, kinds, young objects and error handling

package heapdump

import (
	"errors"
	"strings"
	"testing"

	"github.com/prateek/concmark/graph"
)

func TestJSONParse(t *testing.T) {
	jsonData := `{
		"objects": [
			{"id": 1, "type": "Root", "size": 64, "ptrs": [2, 0]},
			{"id": 2, "type": "Cell", "kind": "weak_cell", "ptrs": [1]}
		],
		"roots": [1]
	}`

	s, err := DecodeJSON(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if s.Graph.NumObjects() != 2 {
		t.Errorf("Expected 2 objects, got %d", s.Graph.NumObjects())
	}

	root := s.Lookup(1)
	if root == nil {
		t.Fatal("Object 1 not found")
	}
	if root.Type != "Root" {
		t.Errorf("Expected type 'Root', got %s", root.Type)
	}
	if root.Size != 64 {
		t.Errorf("Expected size 64, got %d", root.Size)
	}
	if root.Kind != graph.KindPlain {
		t.Errorf("Expected kind plain, got %v", root.Kind)
	}
	if root.NumSlots() != 2 || root.Slot(0) != s.Addresses[2] || root.Slot(1).IsHeapObject() {
		t.Errorf("Expected slots [2, nil], got %v", root.Ptrs())
	}

	cell := s.Lookup(2)
	if cell.Kind != graph.KindWeakCell {
		t.Errorf("Expected kind weak_cell, got %v", cell.Kind)
	}
	if cell.Size != graph.SizeFor(1) {
		t.Errorf("Expected default size %d, got %d", graph.SizeFor(1), cell.Size)
	}

	roots := s.Graph.GetRoots()
	if len(roots.IDs) != 1 || roots.IDs[0] != root.ID {
		t.Errorf("Expected roots [%#x], got %v", uint64(root.ID), roots.IDs)
	}
	if s.Graph.InAllocationArea(root.ID) || s.Graph.InAllocationArea(cell.ID) {
		t.Error("Expected old objects to be sealed")
	}
}

func TestJSONYoungObjects(t *testing.T) {
	jsonData := `{
		"objects": [
			{"id": 7, "type": "Fresh", "young": true},
			{"id": 3, "type": "Old", "ptrs": [7]}
		],
		"roots": [3]
	}`

	s, err := DecodeJSON(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	fresh, old := s.Lookup(7), s.Lookup(3)
	if !s.Graph.InAllocationArea(fresh.ID) {
		t.Error("Expected young object in the allocation area")
	}
	if s.Graph.InAllocationArea(old.ID) {
		t.Error("Expected old object outside the allocation area")
	}
	if fresh.ID < old.ID {
		t.Errorf("Expected young object above old object, got %#x < %#x", uint64(fresh.ID), uint64(old.ID))
	}
	if old.Slot(0) != fresh.ID {
		t.Errorf("Expected old object to point at the young one, got %v", old.Ptrs())
	}
}

func TestJSONEvacuationCandidates(t *testing.T) {
	jsonData := `{
		"objects": [
			{"id": 1, "type": "A", "size": 65536},
			{"id": 2, "type": "B"}
		],
		"roots": [1],
		"evacuation_candidates": [1]
	}`

	s, err := DecodeJSON(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Graph.NumRegions() != 2 {
		t.Fatalf("Expected 2 regions, got %d", s.Graph.NumRegions())
	}
	if s.Graph.RegionOf(s.Addresses[1]).IsEvacuationCandidate() {
		t.Error("Expected region 0 to stay in place")
	}
	if !s.Graph.RegionOf(s.Addresses[2]).IsEvacuationCandidate() {
		t.Error("Expected region 1 to be an evacuation candidate")
	}
}

func TestJSONCanParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{
			name:    "Valid JSON object",
			content: `{"objects": [], "roots": []}`,
			want:    true,
		},
		{
			name:    "Leading whitespace",
			content: "\n\t {\"objects\": [{\"id\": 1}]}",
			want:    true,
		},
		{
			name:    "Truncated preview",
			content: `{"objects": [{"id": 1, "type": "A", "ptrs": [2`,
			want:    true,
		},
		{
			name:    "Non-JSON",
			content: `not json at all`,
			want:    false,
		},
		{
			name:    "JSON without objects key",
			content: `{"data": []}`,
			want:    false,
		},
		{
			name:    "Empty",
			content: ``,
			want:    false,
		},
	}

	parser := &JSONParser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parser.CanParse(strings.NewReader(tt.content))
			if got != tt.want {
				t.Errorf("CanParse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMalformedJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{
			name:    "Invalid JSON syntax",
			content: `{"objects": [}`,
		},
		{
			name:    "Wrong type for objects",
			content: `{"objects": "not an array", "roots": []}`,
		},
		{
			name:    "Missing id",
			content: `{"objects": [{"type": "test"}]}`,
			want:    ErrMissingID,
		},
		{
			name:    "Duplicate id",
			content: `{"objects": [{"id": 1}, {"id": 1}]}`,
			want:    ErrDuplicateID,
		},
		{
			name:    "Dangling pointer",
			content: `{"objects": [{"id": 1, "ptrs": [9]}]}`,
			want:    ErrDanglingReference,
		},
		{
			name:    "Dangling root",
			content: `{"objects": [{"id": 1}], "roots": [2]}`,
			want:    ErrDanglingReference,
		},
		{
			name:    "Unknown kind",
			content: `{"objects": [{"id": 1, "kind": "closure"}]}`,
			want:    graph.ErrUnknownKind,
		},
		{
			name:    "Size too small",
			content: `{"objects": [{"id": 1, "size": 8, "ptrs": [0, 0]}]}`,
			want:    graph.ErrInvalidSize,
		},
		{
			name:    "Unknown region",
			content: `{"objects": [{"id": 1}], "evacuation_candidates": [3]}`,
			want:    ErrUnknownRegion,
		},
	}

	parser := &JSONParser{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.Parse(strings.NewReader(tt.content))
			if err == nil {
				t.Fatal("Expected error for malformed snapshot")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestJSONWithComplexGraph(t *testing.T) {
	// Cycles and multiple roots
	jsonData := `{
		"objects": [
			{"id": 1, "type": "Root1", "ptrs": [2, 3]},
			{"id": 2, "type": "Node", "ptrs": [3]},
			{"id": 3, "type": "Node", "ptrs": [1]},
			{"id": 4, "type": "Root2", "ptrs": [2]}
		],
		"roots": [1, 4]
	}`

	g, err := (&JSONParser{}).Parse(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if g.NumObjects() != 4 {
		t.Errorf("Expected 4 objects, got %d", g.NumObjects())
	}

	roots := g.GetRoots()
	if len(roots.IDs) != 2 {
		t.Errorf("Expected 2 roots, got %d", len(roots.IDs))
	}

	paths := graph.PathsToRoots(g, g.GetObject(roots.IDs[0]).Slot(1), 4)
	if len(paths) == 0 {
		t.Error("Expected a path from node 3 to a root")
	}
}
