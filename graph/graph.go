// ABOUTME: Graph interface and in-memory region-based implementation
// ABOUTME: Provides allocation, lookup, object moves and the linear allocation area

package graph

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrObjectTooLarge is returned when an object does not fit in a region
	ErrObjectTooLarge = errors.New("object larger than a region")

	// ErrInvalidSize is returned for sizes that cannot hold the requested slots
	ErrInvalidSize = errors.New("invalid object size")

	// ErrUnknownObject is returned when an address has no object
	ErrUnknownObject = errors.New("unknown object")
)

// Graph represents a heap object graph
type Graph interface {
	// GetObject retrieves an object by address
	GetObject(id ObjID) *Object

	// RegionOf returns the region containing id, or nil
	RegionOf(id ObjID) *Region

	// NumObjects returns the total number of objects
	NumObjects() int

	// ForEachObject iterates over all objects in address order
	ForEachObject(fn func(*Object))

	// ForEachRegion iterates over all regions in address order
	ForEachRegion(fn func(*Region))

	// SetRoots sets the GC roots
	SetRoots(roots Roots)

	// GetRoots returns the GC roots
	GetRoots() Roots

	// InAllocationArea reports whether id was allocated after the last
	// seal, i.e. its fields may still be under initialization
	InAllocationArea(id ObjID) bool
}

// Mover is implemented by graphs whose objects can be relocated
type Mover interface {
	// Move copies the object to a new address, rewrites every reference
	// to it and returns the new address. The old copy stays readable.
	Move(id ObjID) (ObjID, error)
}

// MemGraph is an in-memory implementation of Graph
type MemGraph struct {
	// mu serializes allocation, moves and root updates.
	mu         sync.RWMutex
	regions    atomic.Pointer[[]*Region]
	current    *Region
	numObjects atomic.Int64
	roots      Roots

	areaStart atomic.Uint64
	top       atomic.Uint64
}

// NewMemGraph creates a new in-memory graph
func NewMemGraph() *MemGraph {
	g := &MemGraph{}
	regions := make([]*Region, 0)
	g.regions.Store(&regions)
	return g
}

// Allocate creates a new object with numSlots nil slots. size must be a
// multiple of WordSize and large enough for the slots plus a header word.
func (g *MemGraph) Allocate(typ string, kind Kind, size uint64, numSlots int) (*Object, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allocateLocked(typ, kind, size, numSlots)
}

func (g *MemGraph) allocateLocked(typ string, kind Kind, size uint64, numSlots int) (*Object, error) {
	if numSlots < 0 || size%WordSize != 0 || size < SizeFor(numSlots) {
		return nil, fmt.Errorf("%w: %d bytes for %d slots", ErrInvalidSize, size, numSlots)
	}
	if size > RegionSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrObjectTooLarge, size)
	}

	r := g.current
	if r == nil || r.top.Load()+size > RegionSize {
		r = g.addRegionLocked()
	}

	id := r.Start + ObjID(r.top.Load())
	obj := &Object{
		ID:    id,
		Type:  typ,
		Kind:  kind,
		Size:  size,
		slots: make([]atomic.Uint64, numSlots),
	}
	r.objects[r.MarkBitIndex(id)].Store(obj)
	r.top.Add(size)
	g.top.Store(uint64(id) + size)
	g.numObjects.Add(1)
	return obj, nil
}

func (g *MemGraph) addRegionLocked() *Region {
	old := *g.regions.Load()
	r := newRegion(len(old))
	regions := make([]*Region, len(old)+1)
	copy(regions, old)
	regions[len(old)] = r
	g.regions.Store(&regions)
	g.current = r
	return r
}

// Seal publishes every object allocated so far as fully initialized.
// Objects allocated afterwards are in the allocation area until the
// next seal.
func (g *MemGraph) Seal() {
	g.areaStart.Store(g.top.Load())
}

// InAllocationArea reports whether id was allocated after the last seal
func (g *MemGraph) InAllocationArea(id ObjID) bool {
	return uint64(id) >= g.areaStart.Load() && uint64(id) < g.top.Load()
}

// GetObject retrieves an object by address
func (g *MemGraph) GetObject(id ObjID) *Object {
	r := g.RegionOf(id)
	if r == nil {
		return nil
	}
	return r.ObjectAt(id)
}

// RegionOf returns the region containing id, or nil
func (g *MemGraph) RegionOf(id ObjID) *Region {
	index := int(id>>RegionShift) - 1
	regions := *g.regions.Load()
	if index < 0 || index >= len(regions) {
		return nil
	}
	return regions[index]
}

// NumRegions returns the number of allocated regions
func (g *MemGraph) NumRegions() int {
	return len(*g.regions.Load())
}

// NumObjects returns the total number of objects
func (g *MemGraph) NumObjects() int {
	return int(g.numObjects.Load())
}

// ForEachObject iterates over all objects. fn must not allocate.
func (g *MemGraph) ForEachObject(fn func(*Object)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	g.forEachObjectLocked(fn)
}

func (g *MemGraph) forEachObjectLocked(fn func(*Object)) {
	for _, r := range *g.regions.Load() {
		end := r.MarkBitIndex(r.Start + ObjID(r.top.Load()))
		for i := uint32(0); i < end; i++ {
			if obj := r.objects[i].Load(); obj != nil {
				fn(obj)
			}
		}
	}
}

// ForEachRegion iterates over all regions
func (g *MemGraph) ForEachRegion(fn func(*Region)) {
	for _, r := range *g.regions.Load() {
		fn(r)
	}
}

// SetRoots sets the GC roots
func (g *MemGraph) SetRoots(roots Roots) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roots = Roots{IDs: append([]ObjID(nil), roots.IDs...)}
}

// GetRoots returns the GC roots
func (g *MemGraph) GetRoots() Roots {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Roots{IDs: append([]ObjID(nil), g.roots.IDs...)}
}

// Move copies the object at id to a fresh address and rewrites every slot
// and root referring to it. The copy is sealed immediately. Callers must
// make sure no marker or mutator touches the heap concurrently.
func (g *MemGraph) Move(id ObjID) (ObjID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.GetObject(id)
	if old == nil {
		return 0, fmt.Errorf("%w: %#x", ErrUnknownObject, uint64(id))
	}
	moved, err := g.allocateLocked(old.Type, old.Kind, old.Size, old.NumSlots())
	if err != nil {
		return 0, fmt.Errorf("moving %#x: %w", uint64(id), err)
	}
	for i := 0; i < old.NumSlots(); i++ {
		moved.SetSlot(i, old.Slot(i))
	}
	moved.age.Store(old.age.Load())

	g.forEachObjectLocked(func(obj *Object) {
		for i := 0; i < obj.NumSlots(); i++ {
			if obj.Slot(i) == id {
				obj.SetSlot(i, moved.ID)
			}
		}
	})
	for i, root := range g.roots.IDs {
		if root == id {
			g.roots.IDs[i] = moved.ID
		}
	}
	g.areaStart.Store(g.top.Load())
	return moved.ID, nil
}
