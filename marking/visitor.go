// ABOUTME: Kind-dispatching visitor that scans grey objects and greys their targets
// ABOUTME: Background tasks bail out unsafe kinds; the main thread visits everything

package marking

import (
	"fmt"

	"github.com/prateek/concmark/graph"
	"github.com/prateek/concmark/worklist"
)

// VisitObserver is called once for every object a task turns black
type VisitObserver func(task int, obj *graph.Object)

type visitMode int

const (
	concurrentMode visitMode = iota
	mainThreadMode
)

type slotValue struct {
	index int
	value graph.ObjID
}

type visitor struct {
	mode     visitMode
	task     int
	g        graph.Graph
	state    *State
	observer VisitObserver

	shared      worklist.View[graph.ObjID]
	bailout     worklist.View[graph.ObjID]
	weakCells   worklist.View[graph.ObjID]
	transitions worklist.View[graph.ObjID]

	snapshot []slotValue
}

func newVisitor(mode visitMode, task int, g graph.Graph, state *State, lists *Worklists, observer VisitObserver) *visitor {
	return &visitor{
		mode:        mode,
		task:        task,
		g:           g,
		state:       state,
		observer:    observer,
		shared:      lists.Shared.View(task),
		bailout:     lists.Bailout.View(task),
		weakCells:   lists.WeakCells.View(task),
		transitions: lists.TransitionArrays.View(task),
	}
}

// Visit scans obj and returns the number of bytes scanned. Objects whose
// scanning is deferred to the main thread return 0.
func (v *visitor) Visit(obj *graph.Object) int64 {
	if v.mode == mainThreadMode {
		return v.visitOnMainThread(obj)
	}

	switch obj.Kind {
	case graph.KindPlain:
		return v.visitPlain(obj)
	case graph.KindFixedArray, graph.KindBytecodeArray:
		return v.visitFull(obj)
	case graph.KindApiObject, graph.KindNativeContext:
		if v.state.IsGrey(obj) {
			v.visitSlots(obj, 0, obj.NumSlots())
			v.bailout.Push(obj.ID)
		}
		return 0
	case graph.KindMap:
		// Only the strong prefix; the rest has ad-hoc weakness.
		if v.state.IsGrey(obj) {
			v.visitSlots(obj, 0, graph.MapStrongSlots)
			v.bailout.Push(obj.ID)
		}
		return 0
	case graph.KindTransitionArray:
		if v.state.IsGrey(obj) {
			v.bailout.Push(obj.ID)
		}
		return 0
	case graph.KindCode, graph.KindWeakCollection:
		v.bailout.Push(obj.ID)
		return 0
	case graph.KindWeakCell:
		return v.visitWeakCell(obj)
	}
	panic(fmt.Sprintf("marking: object %#x has unknown kind %v", uint64(obj.ID), obj.Kind))
}

func (v *visitor) visitOnMainThread(obj *graph.Object) int64 {
	if obj.Kind.Category() != graph.CategoryWeak {
		return v.visitFull(obj)
	}
	switch obj.Kind {
	case graph.KindWeakCell:
		return v.visitWeakCell(obj)
	case graph.KindTransitionArray:
		if !v.shouldVisit(obj) {
			return 0
		}
		v.transitions.Push(obj.ID)
		return int64(obj.Size)
	}
	// Weak collections are traced strongly.
	return v.visitFull(obj)
}

// shouldVisit takes the grey to black transition and reports the visit
func (v *visitor) shouldVisit(obj *graph.Object) bool {
	if !v.state.GreyToBlack(obj) {
		return false
	}
	if v.observer != nil {
		v.observer(v.task, obj)
	}
	return true
}

// visitPlain reads the slots before claiming the object so that fields
// stored after the claim are seen by the write barrier instead
func (v *visitor) visitPlain(obj *graph.Object) int64 {
	v.snapshot = v.snapshot[:0]
	for i := 0; i < obj.NumSlots(); i++ {
		v.snapshot = append(v.snapshot, slotValue{index: i, value: obj.Slot(i)})
	}
	if !v.shouldVisit(obj) {
		return 0
	}
	for _, s := range v.snapshot {
		v.visitSlot(obj, s.index, s.value)
	}
	return int64(obj.Size)
}

func (v *visitor) visitFull(obj *graph.Object) int64 {
	if !v.shouldVisit(obj) {
		return 0
	}
	v.visitSlots(obj, 0, obj.NumSlots())
	if obj.Kind == graph.KindBytecodeArray {
		obj.MakeOlder()
	}
	return int64(obj.Size)
}

func (v *visitor) visitWeakCell(obj *graph.Object) int64 {
	if !v.shouldVisit(obj) {
		return 0
	}
	if obj.NumSlots() <= graph.WeakCellValueSlot {
		return int64(obj.Size)
	}
	v.visitSlots(obj, graph.WeakCellValueSlot+1, obj.NumSlots())

	value := obj.Slot(graph.WeakCellValueSlot)
	if !value.IsHeapObject() {
		// Cleared.
		return int64(obj.Size)
	}
	target := v.lookup(obj, graph.WeakCellValueSlot, value)
	if v.state.IsBlackOrGrey(target) {
		recordSlot(v.g, obj, graph.WeakCellValueSlot, target)
	} else {
		v.weakCells.Push(obj.ID)
	}
	return int64(obj.Size)
}

func (v *visitor) visitSlots(host *graph.Object, from, to int) {
	if to > host.NumSlots() {
		to = host.NumSlots()
	}
	for i := from; i < to; i++ {
		v.visitSlot(host, i, host.Slot(i))
	}
}

func (v *visitor) visitSlot(host *graph.Object, index int, value graph.ObjID) {
	if !value.IsHeapObject() {
		return
	}
	target := v.lookup(host, index, value)
	if v.state.WhiteToGrey(target) {
		v.shared.Push(target.ID)
	}
	recordSlot(v.g, host, index, target)
}

func (v *visitor) lookup(host *graph.Object, index int, value graph.ObjID) *graph.Object {
	target := v.g.GetObject(value)
	if target == nil {
		panic(fmt.Sprintf("marking: slot %d of %#x points at %#x, which is not an object",
			index, uint64(host.ID), uint64(value)))
	}
	return target
}

// recordSlot remembers slots pointing into evacuation candidates so they
// can be updated once the candidate is compacted
func recordSlot(g graph.Graph, host *graph.Object, index int, target *graph.Object) {
	targetRegion := g.RegionOf(target.ID)
	if targetRegion == nil || !targetRegion.IsEvacuationCandidate() {
		return
	}
	hostRegion := g.RegionOf(host.ID)
	if hostRegion == nil || hostRegion.IsEvacuationCandidate() {
		return
	}
	hostRegion.RecordSlot(host.ID, index)
}
