// ABOUTME: JSON heap snapshot parser
// ABOUTME: Loads objects, kinds, roots, evacuation candidates and young objects into a MemGraph

package heapdump

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prateek/concmark/graph"
)

var (
	// ErrMissingID is returned for objects without an id
	ErrMissingID = errors.New("object without id")

	// ErrDuplicateID is returned when two objects share an id
	ErrDuplicateID = errors.New("duplicate object id")

	// ErrDanglingReference is returned when a pointer or root names no object
	ErrDanglingReference = errors.New("reference to unknown object")

	// ErrUnknownRegion is returned for evacuation candidates past the last region
	ErrUnknownRegion = errors.New("unknown region")
)

// JSONParser reads snapshots of the form
//
//	{
//	  "objects": [
//	    {"id": 1, "type": "JSObject", "kind": "plain", "ptrs": [2, 0]},
//	    {"id": 2, "type": "WeakCell", "kind": "weak_cell", "size": 32, "ptrs": [1]}
//	  ],
//	  "roots": [1],
//	  "evacuation_candidates": [0]
//	}
//
// Pointer 0 is a nil slot. A missing size is the minimal size for the
// slots. Objects flagged "young" are allocated after the heap is sealed,
// so they sit in the allocation area.
type JSONParser struct{}

// jsonSnapshot represents the JSON snapshot format
type jsonSnapshot struct {
	Objects    []jsonObject `json:"objects"`
	Roots      []uint64     `json:"roots"`
	Candidates []int        `json:"evacuation_candidates"`
}

// jsonObject represents an object in the JSON format
type jsonObject struct {
	ID    *uint64  `json:"id"`
	Type  string   `json:"type"`
	Kind  string   `json:"kind"`
	Size  uint64   `json:"size"`
	Ptrs  []uint64 `json:"ptrs"`
	Young bool     `json:"young"`
}

// Snapshot is a decoded heap together with the address assigned to every
// snapshot id
type Snapshot struct {
	Graph     *graph.MemGraph
	Addresses map[uint64]graph.ObjID
}

// Lookup returns the object loaded for snapshot id, or nil
func (s *Snapshot) Lookup(id uint64) *graph.Object {
	addr, ok := s.Addresses[id]
	if !ok {
		return nil
	}
	return s.Graph.GetObject(addr)
}

// CanParse checks if the input looks like a JSON snapshot
func (p *JSONParser) CanParse(r io.Reader) bool {
	buf, err := io.ReadAll(r)
	if err != nil {
		return false
	}
	trimmed := bytes.TrimSpace(buf)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return bytes.Contains(trimmed, []byte(`"objects"`))
}

// Parse reads a JSON snapshot and builds a graph
func (p *JSONParser) Parse(r io.Reader) (graph.Graph, error) {
	s, err := DecodeJSON(r)
	if err != nil {
		return nil, err
	}
	return s.Graph, nil
}

// DecodeJSON reads a JSON snapshot and keeps the id to address mapping
func DecodeJSON(r io.Reader) (*Snapshot, error) {
	var dump jsonSnapshot
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	g := graph.NewMemGraph()
	s := &Snapshot{Graph: g, Addresses: make(map[uint64]graph.ObjID, len(dump.Objects))}
	objs := make([]*graph.Object, len(dump.Objects))

	allocate := func(young bool) error {
		for i, o := range dump.Objects {
			if o.Young != young {
				continue
			}
			obj, err := allocateJSON(g, o)
			if err != nil {
				return fmt.Errorf("object %d: %w", i, err)
			}
			if _, dup := s.Addresses[*o.ID]; dup {
				return fmt.Errorf("%w: %d", ErrDuplicateID, *o.ID)
			}
			s.Addresses[*o.ID] = obj.ID
			objs[i] = obj
		}
		return nil
	}

	if err := allocate(false); err != nil {
		return nil, err
	}
	g.Seal()
	if err := allocate(true); err != nil {
		return nil, err
	}

	for i, o := range dump.Objects {
		for slot, ptr := range o.Ptrs {
			if ptr == 0 {
				continue
			}
			target, ok := s.Addresses[ptr]
			if !ok {
				return nil, fmt.Errorf("%w: object %d slot %d points at %d", ErrDanglingReference, *o.ID, slot, ptr)
			}
			objs[i].SetSlot(slot, target)
		}
	}

	roots := make([]graph.ObjID, 0, len(dump.Roots))
	for _, id := range dump.Roots {
		addr, ok := s.Addresses[id]
		if !ok {
			return nil, fmt.Errorf("%w: root %d", ErrDanglingReference, id)
		}
		roots = append(roots, addr)
	}
	g.SetRoots(graph.Roots{IDs: roots})

	for _, index := range dump.Candidates {
		if index < 0 || index >= g.NumRegions() {
			return nil, fmt.Errorf("%w: evacuation candidate %d of %d", ErrUnknownRegion, index, g.NumRegions())
		}
	}
	g.ForEachRegion(func(r *graph.Region) {
		for _, index := range dump.Candidates {
			if r.Index == index {
				r.SetEvacuationCandidate(true)
			}
		}
	})

	return s, nil
}

func allocateJSON(g *graph.MemGraph, o jsonObject) (*graph.Object, error) {
	if o.ID == nil || *o.ID == 0 {
		return nil, ErrMissingID
	}
	kind, err := graph.ParseKind(o.Kind)
	if err != nil {
		return nil, err
	}
	size := o.Size
	if size == 0 {
		size = graph.SizeFor(len(o.Ptrs))
	}
	return g.Allocate(o.Type, kind, size, len(o.Ptrs))
}

func init() {
	// Register the JSON parser
	Register(&JSONParser{})
}
