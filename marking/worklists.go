// ABOUTME: Grey-object and deferred weak-reference worklists shared by all marking tasks
// ABOUTME: Task 0 is the main thread, tasks 1..N are background markers

package marking

import (
	"github.com/prateek/concmark/graph"
	"github.com/prateek/concmark/worklist"
)

// MainThread is the worklist task id of the main thread
const MainThread = 0

// Worklists holds the queues shared by the main thread and the
// background tasks
type Worklists struct {
	// Shared holds grey objects any task may scan
	Shared *worklist.Worklist[graph.ObjID]

	// Bailout holds grey objects only the main thread may finish
	Bailout *worklist.Worklist[graph.ObjID]

	// WeakCells holds weak cells whose value was undecided when the
	// cell was scanned
	WeakCells *worklist.Worklist[graph.ObjID]

	// TransitionArrays holds transition arrays whose targets are pruned
	// once marking is complete
	TransitionArrays *worklist.Worklist[graph.ObjID]
}

// NewWorklists creates worklists with one view per background task plus
// one for the main thread
func NewWorklists(tasks int) *Worklists {
	return &Worklists{
		Shared:           worklist.New[graph.ObjID](tasks + 1),
		Bailout:          worklist.New[graph.ObjID](tasks + 1),
		WeakCells:        worklist.New[graph.ObjID](tasks + 1),
		TransitionArrays: worklist.New[graph.ObjID](tasks + 1),
	}
}

// NumTasks returns the number of background tasks the lists serve
func (w *Worklists) NumTasks() int {
	return w.Shared.NumTasks() - 1
}

// Clear drops every entry of every list. No task may be running.
func (w *Worklists) Clear() {
	w.Shared.Clear()
	w.Bailout.Clear()
	w.WeakCells.Clear()
	w.TransitionArrays.Clear()
}

// Update rewrites entries of every list. No task may be running.
func (w *Worklists) Update(fn func(graph.ObjID) (graph.ObjID, bool)) {
	w.Shared.Update(fn)
	w.Bailout.Update(fn)
	w.WeakCells.Update(fn)
	w.TransitionArrays.Update(fn)
}

// IsMarkingEmpty reports whether no grey object is queued anywhere. No
// task may be running.
func (w *Worklists) IsMarkingEmpty() bool {
	return w.Shared.IsGlobalEmpty() && w.Bailout.IsGlobalEmpty()
}
