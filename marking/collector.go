// ABOUTME: Main-thread driver of a marking cycle from root seeding to weak resolution
// ABOUTME: Coordinates background tasks, young-object evacuation and the final atomic pause

package marking

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prateek/concmark/bitmap"
	"github.com/prateek/concmark/config"
	"github.com/prateek/concmark/graph"
	"github.com/prateek/concmark/trace"
)

var (
	// ErrMarkingInProgress is returned by Start while a cycle is running
	ErrMarkingInProgress = errors.New("marking already in progress")

	// ErrNotMarking is returned by operations that need a running cycle
	ErrNotMarking = errors.New("marking not in progress")

	// ErrNotMovable is returned by EvacuateYoung on graphs without moves
	ErrNotMovable = errors.New("graph does not support moving objects")
)

// Result summarizes a finished marking cycle
type Result struct {
	MarkedObjects int
	MarkedBytes   int64

	// LiveBytes maps region index to the bytes marked live in it
	LiveBytes map[int]int64

	// Weak cells whose value was undecided during marking, split by the
	// final outcome
	WeakCellsCleared  int
	WeakCellsRetained int

	// TransitionsPruned counts transition slots cleared because their
	// target died
	TransitionsPruned int

	Concurrent Stats
	Duration   time.Duration
}

// Collector runs marking cycles over one graph. Its methods must be
// called from a single goroutine, the main thread; only the WriteBarrier
// may be used from mutator goroutines.
type Collector struct {
	g       graph.Graph
	flags   config.Flags
	trace   *trace.Logger
	tracing bool

	state   *State
	lists   *Worklists
	cm      *ConcurrentMarking
	barrier *WriteBarrier
	main    *visitor

	active  atomic.Bool
	started time.Time
}

// NewCollector creates a collector for g. flags must be valid.
func NewCollector(g graph.Graph, flags config.Flags, opts ...Option) (*Collector, error) {
	if err := flags.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	lists := NewWorklists(flags.Tasks)
	state := NewState(g, RegionCounter{})
	cm := NewConcurrentMarking(g, lists, flags, opts...)
	c := &Collector{
		g:       g,
		flags:   flags,
		trace:   o.trace,
		tracing: flags.TraceConcurrentMarking && o.trace.Enabled(),
		state:   state,
		lists:   lists,
		cm:      cm,
		barrier: newWriteBarrier(g, state, lists, cm),
		main:    newVisitor(mainThreadMode, MainThread, g, state, lists, o.observer),
	}
	return c, nil
}

// State returns the main-thread marking state
func (c *Collector) State() *State { return c.state }

// Worklists returns the worklists shared with background tasks
func (c *Collector) Worklists() *Worklists { return c.lists }

// ConcurrentMarking returns the background task scheduler
func (c *Collector) ConcurrentMarking() *ConcurrentMarking { return c.cm }

// WriteBarrier returns the barrier mutators must store pointers through
func (c *Collector) WriteBarrier() *WriteBarrier { return c.barrier }

// IsMarking reports whether a cycle is between Start and Finish
func (c *Collector) IsMarking() bool { return c.active.Load() }

// Start clears the previous cycle, greys the roots and schedules
// background marking
func (c *Collector) Start() error {
	if c.active.Load() {
		return ErrMarkingInProgress
	}
	roots, err := c.lookup(c.g.GetRoots().IDs)
	if err != nil {
		return fmt.Errorf("seeding roots: %w", err)
	}

	c.g.ForEachRegion(func(r *graph.Region) {
		c.state.ClearLiveness(r)
		c.cm.ClearLiveness(r)
		r.ClearRecordedSlots()
	})
	c.cm.FlushLiveBytes(RegionCounter{})
	c.lists.Clear()

	c.started = time.Now()
	c.active.Store(true)
	c.barrier.active.Store(true)
	c.markRoots(roots)
	if c.tracing {
		c.trace.Printf("Marking started with %d roots over %d objects", len(roots), c.g.NumObjects())
	}
	c.cm.ScheduleTasks()
	return nil
}

// AddRoots greys more objects during a cycle and wakes background
// marking if it already finished
func (c *Collector) AddRoots(ids ...graph.ObjID) error {
	if !c.active.Load() {
		return ErrNotMarking
	}
	objs, err := c.lookup(ids)
	if err != nil {
		return fmt.Errorf("adding roots: %w", err)
	}
	c.markRoots(objs)
	c.cm.RescheduleTasksIfNeeded()
	return nil
}

func (c *Collector) lookup(ids []graph.ObjID) ([]*graph.Object, error) {
	objs := make([]*graph.Object, 0, len(ids))
	for _, id := range ids {
		obj := c.g.GetObject(id)
		if obj == nil {
			return nil, fmt.Errorf("%w: %#x", graph.ErrUnknownObject, uint64(id))
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (c *Collector) markRoots(objs []*graph.Object) {
	shared := c.lists.Shared.View(MainThread)
	for _, obj := range objs {
		if c.state.WhiteToGrey(obj) {
			shared.Push(obj.ID)
		}
	}
	shared.FlushToGlobal()
}

// Step lets the main thread scan up to maxObjects grey objects and
// returns how many it popped. New work is published for background tasks.
func (c *Collector) Step(maxObjects int) (int, error) {
	if !c.active.Load() {
		return 0, ErrNotMarking
	}
	n := 0
	for n < maxObjects {
		obj, ok := c.popMain()
		if !ok {
			break
		}
		c.main.Visit(obj)
		n++
	}
	c.lists.Shared.FlushToGlobal(MainThread)
	c.cm.RescheduleTasksIfNeeded()
	return n, nil
}

// popMain takes the next grey object for the main thread in the
// configured order of bailout and shared work
func (c *Collector) popMain() (*graph.Object, bool) {
	first, second := c.lists.Bailout, c.lists.Shared
	if !c.flags.BailoutFirst {
		first, second = second, first
	}
	id, ok := first.Pop(MainThread)
	if !ok {
		id, ok = second.Pop(MainThread)
	}
	if !ok {
		return nil, false
	}
	obj := c.g.GetObject(id)
	if obj == nil {
		panic(fmt.Sprintf("marking: worklist entry %#x is not an object", uint64(id)))
	}
	return obj, true
}

// EvacuateYoung moves the given objects while background tasks are
// paused, carries their colors over and rewrites every queued reference.
// Mutators must be stopped. Returns the new address of each object.
func (c *Collector) EvacuateYoung(ids []graph.ObjID) (map[graph.ObjID]graph.ObjID, error) {
	if !c.active.Load() {
		return nil, ErrNotMarking
	}
	mover, ok := c.g.(graph.Mover)
	if !ok {
		return nil, ErrNotMovable
	}

	forwarded := make(map[graph.ObjID]graph.ObjID, len(ids))
	var moveErr error
	c.cm.Paused(func() {
		c.barrier.publish()
		for _, id := range ids {
			to, err := c.evacuate(mover, id)
			if err != nil {
				moveErr = err
				return
			}
			forwarded[id] = to
		}
		c.lists.Update(func(id graph.ObjID) (graph.ObjID, bool) {
			if to, ok := forwarded[id]; ok {
				return to, true
			}
			return id, true
		})
	})
	if c.tracing {
		c.trace.Printf("Evacuated %d young objects", len(forwarded))
	}
	c.cm.RescheduleTasksIfNeeded()
	if moveErr != nil {
		return forwarded, moveErr
	}
	return forwarded, nil
}

func (c *Collector) evacuate(mover graph.Mover, id graph.ObjID) (graph.ObjID, error) {
	from := c.g.GetObject(id)
	if from == nil {
		return 0, fmt.Errorf("evacuating: %w: %#x", graph.ErrUnknownObject, uint64(id))
	}
	toID, err := mover.Move(id)
	if err != nil {
		return 0, fmt.Errorf("evacuating: %w", err)
	}
	to := c.g.GetObject(toID)

	color := c.state.Color(from)
	c.state.TransferColor(from, to)
	if color == bitmap.Black {
		// The old copy was counted by whoever blackened it.
		c.g.RegionOf(from.ID).IncrementLiveBytes(-int64(from.Size))
	}
	c.state.ClearColor(from)

	if color != bitmap.White {
		c.g.RegionOf(from.ID).ForgetSlots(from.ID)
		for i := 0; i < to.NumSlots(); i++ {
			if v := to.Slot(i); v.IsHeapObject() {
				if target := c.g.GetObject(v); target != nil {
					recordSlot(c.g, to, i, target)
				}
			}
		}
	}
	return toID, nil
}

// Finish completes the cycle: it waits for background tasks, drains the
// remaining work on the main thread, resolves weak references and
// optionally verifies the heap. Mutators must be stopped.
func (c *Collector) Finish() (*Result, error) {
	if !c.active.Load() {
		return nil, ErrNotMarking
	}

	c.barrier.Flush()
	c.cm.EnsureCompleted()
	c.cm.FlushLiveBytes(RegionCounter{})
	c.drain()
	c.barrier.active.Store(false)
	c.active.Store(false)

	res := &Result{LiveBytes: make(map[int]int64)}
	c.resolveWeakCells(res)
	c.pruneTransitions(res)
	c.summarize(res)
	res.Concurrent = c.cm.Stats()
	res.Duration = time.Since(c.started)

	if c.tracing {
		c.trace.Printf("Marking finished: %d objects, %s live, %s marked concurrently in %.2fms",
			res.MarkedObjects, trace.Bytes(res.MarkedBytes), trace.Bytes(res.Concurrent.MarkedBytes),
			float64(res.Duration.Microseconds())/1000)
	}
	if c.flags.VerifyHeap {
		MustVerify(c.g, c.state)
	}
	return res, nil
}

// drain empties the marking worklists on the main thread. Background
// tasks must have completed.
func (c *Collector) drain() {
	for {
		obj, ok := c.popMain()
		if !ok {
			return
		}
		c.main.Visit(obj)
	}
}

// resolveWeakCells clears weak cells whose value stayed white. It runs
// after the marking fixpoint so the colors are final.
func (c *Collector) resolveWeakCells(res *Result) {
	c.lists.WeakCells.Update(func(id graph.ObjID) (graph.ObjID, bool) {
		cell := c.g.GetObject(id)
		if cell == nil {
			return 0, false
		}
		value := cell.Slot(graph.WeakCellValueSlot)
		if !value.IsHeapObject() {
			return 0, false
		}
		target := c.g.GetObject(value)
		if target == nil || c.state.IsWhite(target) {
			cell.SetSlot(graph.WeakCellValueSlot, 0)
			res.WeakCellsCleared++
		} else {
			res.WeakCellsRetained++
		}
		return 0, false
	})
}

// pruneTransitions clears transition slots whose target died
func (c *Collector) pruneTransitions(res *Result) {
	c.lists.TransitionArrays.Update(func(id graph.ObjID) (graph.ObjID, bool) {
		array := c.g.GetObject(id)
		if array == nil {
			return 0, false
		}
		for i := 0; i < array.NumSlots(); i++ {
			v := array.Slot(i)
			if !v.IsHeapObject() {
				continue
			}
			if target := c.g.GetObject(v); target == nil || c.state.IsWhite(target) {
				array.SetSlot(i, 0)
				res.TransitionsPruned++
			} else {
				recordSlot(c.g, array, i, target)
			}
		}
		return 0, false
	})
}

func (c *Collector) summarize(res *Result) {
	c.g.ForEachObject(func(obj *graph.Object) {
		if c.state.IsBlack(obj) {
			res.MarkedObjects++
			res.MarkedBytes += int64(obj.Size)
		}
	})
	c.g.ForEachRegion(func(r *graph.Region) {
		if n := r.LiveBytes(); n != 0 {
			res.LiveBytes[r.Index] = n
		}
	})
}

// SortedRegions returns the region indexes of LiveBytes in order
func (r *Result) SortedRegions() []int {
	out := make([]int, 0, len(r.LiveBytes))
	for idx := range r.LiveBytes {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
