// ABOUTME: Mutator write barrier that keeps black objects from hiding white ones
// ABOUTME: Greyed values are staged and published to the shared worklist in batches

package marking

import (
	"sync"
	"sync/atomic"

	"github.com/prateek/concmark/graph"
)

// WriteBarrier performs pointer stores on behalf of mutators. It is safe
// for use from any goroutine.
type WriteBarrier struct {
	g          graph.Graph
	state      *State
	lists      *Worklists
	cm         *ConcurrentMarking
	concurrent bool

	active atomic.Bool

	mu     sync.Mutex
	staged []graph.ObjID
}

func newWriteBarrier(g graph.Graph, state *State, lists *Worklists, cm *ConcurrentMarking) *WriteBarrier {
	return &WriteBarrier{
		g:          g,
		state:      state,
		lists:      lists,
		cm:         cm,
		concurrent: cm.Enabled(),
		staged:     make([]graph.ObjID, 0, lists.Shared.SegmentCapacity()),
	}
}

// Store writes value into slot index of host. While marking is active a
// white value is greyed and queued; with concurrent marking off this is
// only needed when the host is already black.
func (b *WriteBarrier) Store(host *graph.Object, index int, value graph.ObjID) {
	host.SetSlot(index, value)
	if !b.active.Load() || !value.IsHeapObject() {
		return
	}
	target := b.g.GetObject(value)
	if target == nil {
		return
	}
	// A concurrent marker may already hold a stale snapshot of a grey
	// host, so the value is greyed regardless of the host color.
	if !b.concurrent && !b.state.IsBlack(host) {
		return
	}
	if b.state.WhiteToGrey(target) {
		b.stage(value)
	}
	recordSlot(b.g, host, index, target)
}

func (b *WriteBarrier) stage(id graph.ObjID) {
	b.mu.Lock()
	b.staged = append(b.staged, id)
	var batch []graph.ObjID
	if len(b.staged) >= b.lists.Shared.SegmentCapacity() {
		batch = b.staged
		b.staged = make([]graph.ObjID, 0, b.lists.Shared.SegmentCapacity())
	}
	b.mu.Unlock()

	if batch != nil {
		b.lists.Shared.Publish(batch...)
		b.cm.RescheduleTasksIfNeeded()
	}
}

// publish moves every staged entry to the shared worklist and reports
// whether there were any
func (b *WriteBarrier) publish() bool {
	b.mu.Lock()
	batch := b.staged
	b.staged = make([]graph.ObjID, 0, b.lists.Shared.SegmentCapacity())
	b.mu.Unlock()

	if len(batch) == 0 {
		return false
	}
	b.lists.Shared.Publish(batch...)
	return true
}

// Flush publishes staged entries and wakes background marking if it
// already finished
func (b *WriteBarrier) Flush() {
	if b.publish() {
		b.cm.RescheduleTasksIfNeeded()
	}
}

// Pending returns the number of greyed values not yet published
func (b *WriteBarrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.staged)
}
