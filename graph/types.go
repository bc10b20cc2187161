// ABOUTME: Core data types for the marked heap object graph
// ABOUTME: Defines ObjID addresses, Object slots, and Roots structures

package graph

import "sync/atomic"

const (
	// WordSize is the size of one heap slot in bytes
	WordSize = 8

	// MinObjectSize keeps two mark bits per object from overlapping
	MinObjectSize = 2 * WordSize

	// WeakCellValueSlot is the slot of a weak cell holding its value
	WeakCellValueSlot = 0

	// MapStrongSlots is the number of leading map slots that are always
	// strong (prototype, constructor or back pointer, transitions,
	// dependent code, weak cell cache). The remaining slots have ad-hoc
	// weakness and are only visited by the main thread.
	MapStrongSlots = 5
)

// ObjID is the address of a heap object. The zero value is not a heap
// reference; slots holding it are skipped by markers.
type ObjID uint64

// IsHeapObject reports whether id refers to a heap object
func (id ObjID) IsHeapObject() bool {
	return id != 0
}

// Object represents a single heap object. The header word is implicit;
// pointer slots follow it.
type Object struct {
	ID   ObjID  // Address of the object
	Type string // Type name (e.g. "JSObject", "Code")
	Kind Kind   // Visitation category
	Size uint64 // Size in bytes

	slots []atomic.Uint64
	age   atomic.Uint32
}

// SizeFor returns the minimal object size for the given number of slots
func SizeFor(numSlots int) uint64 {
	size := uint64(numSlots+1) * WordSize
	if size < MinObjectSize {
		return MinObjectSize
	}
	return size
}

// NumSlots returns the number of pointer slots
func (o *Object) NumSlots() int {
	return len(o.slots)
}

// Slot loads slot i. Loads are atomic so markers may read while
// mutators write.
func (o *Object) Slot(i int) ObjID {
	return ObjID(o.slots[i].Load())
}

// SetSlot stores v into slot i without any write barrier
func (o *Object) SetSlot(i int, v ObjID) {
	o.slots[i].Store(uint64(v))
}

// Ptrs returns the heap references currently held by the object
func (o *Object) Ptrs() []ObjID {
	ptrs := make([]ObjID, 0, len(o.slots))
	for i := range o.slots {
		if v := o.Slot(i); v.IsHeapObject() {
			ptrs = append(ptrs, v)
		}
	}
	return ptrs
}

// MakeOlder bumps the age of a bytecode array
func (o *Object) MakeOlder() {
	o.age.Add(1)
}

// Age returns how many marking cycles visited the object via MakeOlder
func (o *Object) Age() uint32 {
	return o.age.Load()
}

// Roots represents the set of GC root objects
type Roots struct {
	IDs []ObjID // Object IDs that are roots
}
