// ABOUTME: Go heap dump parser producing a markable object graph
// ABOUTME: Resolves interior pointers and collects roots from stacks, globals and finalizers

package goheap

import (
	"fmt"
	"io"
	"sort"

	"github.com/prateek/concmark/graph"
	"github.com/prateek/concmark/heapdump"
)

// maxSlots is the most pointer slots an object can keep within one region
const maxSlots = graph.RegionWords - 1

// GoHeapParser reads dumps written by runtime/debug.WriteHeapDump
type GoHeapParser struct{}

// Dump is a loaded heap dump
type Dump struct {
	Graph  *graph.MemGraph
	Params DumpParams

	// Addresses maps the dump address of every object to its graph address
	Addresses map[uint64]graph.ObjID

	Goroutines int

	// Unresolved counts pointers into memory the dump holds no object for,
	// such as globals or stacks
	Unresolved int

	// Truncated counts objects whose pointers did not fit in one region
	Truncated int
}

// Lookup returns the object loaded for a dump address, or nil
func (d *Dump) Lookup(addr uint64) *graph.Object {
	id, ok := d.Addresses[addr]
	if !ok {
		return nil
	}
	return d.Graph.GetObject(id)
}

type pendingObject struct {
	addr     uint64
	size     uint64
	typeAddr uint64
	ptrs     []uint64
}

// CanParse checks for the heap dump header
func (p *GoHeapParser) CanParse(r io.Reader) bool {
	buf := make([]byte, len(header))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return string(buf) == header
}

// Parse loads the dump and returns its graph
func (p *GoHeapParser) Parse(r io.Reader) (graph.Graph, error) {
	d, err := Load(r)
	if err != nil {
		return nil, err
	}
	return d.Graph, nil
}

// Load streams the dump and builds a sealed graph. Objects are allocated
// in dump address order; every object is plain.
func Load(r io.Reader) (*Dump, error) {
	var (
		objects    []pendingObject
		types      = make(map[uint64]string)
		rootAddrs  []uint64
		goroutines int
	)
	sp := NewStreamingParser(r, StreamCallbacks{
		OnType: func(t TypeRecord) error {
			types[t.Addr] = t.Name
			return nil
		},
		OnObject: func(o ObjectRecord) error {
			objects = append(objects, pendingObject{
				addr:     o.Addr,
				size:     uint64(len(o.Data)),
				typeAddr: o.TypeAddr,
				ptrs:     nonNil(o.Pointers),
			})
			return nil
		},
		OnRoot: func(r RootRecord) error {
			rootAddrs = append(rootAddrs, r.Ptr)
			return nil
		},
		OnFrame: func(f FrameRecord) error {
			rootAddrs = append(rootAddrs, f.Pointers...)
			return nil
		},
		OnSegment: func(s SegmentRecord) error {
			rootAddrs = append(rootAddrs, s.Pointers...)
			return nil
		},
		OnFinalizer: func(f FinalizerRecord) error {
			// A registered finalizer keeps its closure alive, a queued one
			// its object as well.
			if f.Queued {
				rootAddrs = append(rootAddrs, f.Object)
			}
			rootAddrs = append(rootAddrs, f.FuncVal)
			return nil
		},
		OnGoroutine: func(GoroutineRecord) error {
			goroutines++
			return nil
		},
	})
	if err := sp.Parse(); err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].addr < objects[j].addr })

	d := &Dump{
		Graph:      graph.NewMemGraph(),
		Params:     sp.Params(),
		Addresses:  make(map[uint64]graph.ObjID, len(objects)),
		Goroutines: goroutines,
	}
	ids := make([]*graph.Object, len(objects))
	for i, o := range objects {
		if len(o.ptrs) > maxSlots {
			o.ptrs = o.ptrs[:maxSlots]
			objects[i].ptrs = o.ptrs
			d.Truncated++
		}
		name, ok := types[o.typeAddr]
		if !ok {
			name = "object"
		}
		obj, err := d.Graph.Allocate(name, graph.KindPlain, graphSize(o), len(o.ptrs))
		if err != nil {
			return nil, fmt.Errorf("object at %#x: %w", o.addr, err)
		}
		ids[i] = obj
		d.Addresses[o.addr] = obj.ID
	}
	d.Graph.Seal()

	for i, o := range objects {
		for slot, ptr := range o.ptrs {
			target := resolve(objects, ptr)
			if target < 0 {
				d.Unresolved++
				continue
			}
			ids[i].SetSlot(slot, ids[target].ID)
		}
	}

	seen := make(map[graph.ObjID]bool)
	var roots []graph.ObjID
	for _, addr := range rootAddrs {
		target := resolve(objects, addr)
		if target < 0 {
			continue
		}
		id := ids[target].ID
		if !seen[id] {
			seen[id] = true
			roots = append(roots, id)
		}
	}
	d.Graph.SetRoots(graph.Roots{IDs: roots})
	return d, nil
}

// resolve returns the index of the object containing addr, or -1.
// objects must be sorted by address.
func resolve(objects []pendingObject, addr uint64) int {
	if addr == 0 {
		return -1
	}
	i := sort.Search(len(objects), func(i int) bool { return objects[i].addr > addr }) - 1
	if i < 0 {
		return -1
	}
	o := objects[i]
	if addr == o.addr || addr-o.addr < o.size {
		return i
	}
	return -1
}

// graphSize rounds the dump size to whole words, leaving room for the
// header word and capping it at one region
func graphSize(o pendingObject) uint64 {
	size := (o.size + graph.WordSize - 1) &^ (graph.WordSize - 1)
	size = max(size, graph.SizeFor(len(o.ptrs)))
	return min(size, graph.RegionSize)
}

func nonNil(ptrs []uint64) []uint64 {
	out := ptrs[:0]
	for _, p := range ptrs {
		if p != 0 {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	heapdump.Register(&GoHeapParser{})
}
