// ABOUTME: Shared fixtures for marking tests
// ABOUTME: Named test heaps, random graphs, a manual platform and reachability checks

package marking

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prateek/concmark/config"
	"github.com/prateek/concmark/graph"
)

// testHeap builds small graphs by name
type testHeap struct {
	t     *testing.T
	g     *graph.MemGraph
	objs  map[string]*graph.Object
	edges map[string][]string
}

func newTestHeap(t *testing.T) *testHeap {
	t.Helper()
	return &testHeap{
		t:     t,
		g:     graph.NewMemGraph(),
		objs:  make(map[string]*graph.Object),
		edges: make(map[string][]string),
	}
}

// add allocates name with one slot per target. Targets are resolved by
// wire, so they may be added later. An empty target leaves the slot nil.
func (h *testHeap) add(name string, kind graph.Kind, targets ...string) *graph.Object {
	h.t.Helper()
	obj, err := h.g.Allocate(name, kind, graph.SizeFor(len(targets)), len(targets))
	if err != nil {
		h.t.Fatalf("Failed to allocate %s: %v", name, err)
	}
	h.objs[name] = obj
	h.edges[name] = targets
	return obj
}

// wire fills every slot, sets the roots and seals the heap
func (h *testHeap) wire(roots ...string) *graph.MemGraph {
	h.t.Helper()
	for name, targets := range h.edges {
		for i, target := range targets {
			if target == "" {
				continue
			}
			to, ok := h.objs[target]
			if !ok {
				h.t.Fatalf("%s points at unknown object %s", name, target)
			}
			h.objs[name].SetSlot(i, to.ID)
		}
	}
	ids := make([]graph.ObjID, len(roots))
	for i, r := range roots {
		ids[i] = h.obj(r).ID
	}
	h.g.SetRoots(graph.Roots{IDs: ids})
	h.g.Seal()
	return h.g
}

func (h *testHeap) obj(name string) *graph.Object {
	h.t.Helper()
	obj, ok := h.objs[name]
	if !ok {
		h.t.Fatalf("Unknown object %s", name)
	}
	return obj
}

// manualPlatform queues tasks until the test runs them
type manualPlatform struct {
	mu    sync.Mutex
	tasks []func()
	total int
}

func (p *manualPlatform) CallOnBackgroundThread(task func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	p.total++
}

// runAll runs every queued task to completion on the calling goroutine
func (p *manualPlatform) runAll() int {
	p.mu.Lock()
	tasks := p.tasks
	p.tasks = nil
	p.mu.Unlock()
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

func (p *manualPlatform) scheduled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func testFlags(tasks int) config.Flags {
	f := config.Default()
	f.Tasks = tasks
	return f
}

func newTestCollector(t *testing.T, g graph.Graph, flags config.Flags, opts ...Option) *Collector {
	t.Helper()
	c, err := NewCollector(g, flags, opts...)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	return c
}

func runCycle(t *testing.T, c *Collector) *Result {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	res, err := c.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return res
}

// isStrongSlot reports whether the marker follows slot i of obj
func isStrongSlot(obj *graph.Object, i int) bool {
	switch obj.Kind {
	case graph.KindWeakCell:
		return i != graph.WeakCellValueSlot
	case graph.KindTransitionArray:
		return false
	}
	return true
}

// strongReachable returns every object reachable from the roots through
// strong slots
func strongReachable(g graph.Graph) map[graph.ObjID]bool {
	seen := make(map[graph.ObjID]bool)
	var queue []graph.ObjID
	for _, id := range g.GetRoots().IDs {
		if !seen[id] {
			seen[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		obj := g.GetObject(queue[0])
		queue = queue[1:]
		for i := 0; i < obj.NumSlots(); i++ {
			v := obj.Slot(i)
			if v.IsHeapObject() && isStrongSlot(obj, i) && !seen[v] {
				seen[v] = true
				queue = append(queue, v)
			}
		}
	}
	return seen
}

var allKinds = []graph.Kind{
	graph.KindPlain,
	graph.KindFixedArray,
	graph.KindBytecodeArray,
	graph.KindApiObject,
	graph.KindCode,
	graph.KindMap,
	graph.KindNativeContext,
	graph.KindTransitionArray,
	graph.KindWeakCell,
	graph.KindWeakCollection,
}

// randomHeap builds a sealed graph of n objects of random kinds where each
// slot points at a random object with probability density
func randomHeap(t *testing.T, rng *rand.Rand, n int, density float64) *graph.MemGraph {
	t.Helper()
	g := graph.NewMemGraph()
	objs := make([]*graph.Object, 0, n)
	for i := 0; i < n; i++ {
		kind := graph.KindPlain
		if rng.Intn(3) == 0 {
			kind = allKinds[rng.Intn(len(allKinds))]
		}
		slots := rng.Intn(6)
		if kind == graph.KindMap {
			slots = graph.MapStrongSlots + 2
		}
		if kind == graph.KindWeakCell && slots == 0 {
			slots = 1
		}
		obj, err := g.Allocate("Random", kind, graph.SizeFor(slots), slots)
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		for i := 0; i < obj.NumSlots(); i++ {
			if rng.Float64() < density {
				obj.SetSlot(i, objs[rng.Intn(n)].ID)
			}
		}
	}
	roots := make([]graph.ObjID, 0, 4)
	for i := 0; i < 4; i++ {
		roots = append(roots, objs[rng.Intn(n)].ID)
	}
	g.SetRoots(graph.Roots{IDs: roots})
	g.Seal()
	return g
}

// visitCounter counts observer calls per object
type visitCounter struct {
	mu     sync.Mutex
	counts map[graph.ObjID]int
	total  atomic.Int64
}

func newVisitCounter() *visitCounter {
	return &visitCounter{counts: make(map[graph.ObjID]int)}
}

func (v *visitCounter) observe(_ int, obj *graph.Object) {
	v.total.Add(1)
	v.mu.Lock()
	v.counts[obj.ID]++
	v.mu.Unlock()
}

func (v *visitCounter) count(id graph.ObjID) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.counts[id]
}

// assertMarkedExactly checks that the black objects are exactly want
func assertMarkedExactly(t *testing.T, g graph.Graph, s *State, want map[graph.ObjID]bool) {
	t.Helper()
	g.ForEachObject(func(obj *graph.Object) {
		black := s.IsBlack(obj)
		if want[obj.ID] && !black {
			t.Errorf("Reachable object %#x (%v) is %v, expected black", uint64(obj.ID), obj.Kind, s.Color(obj))
		}
		if !want[obj.ID] && !s.IsWhite(obj) {
			t.Errorf("Unreachable object %#x (%v) is %v, expected white", uint64(obj.ID), obj.Kind, s.Color(obj))
		}
	})
}
