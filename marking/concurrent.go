// ABOUTME: Background marking tasks, their scheduling and the termination counter
// ABOUTME: Tasks drain the shared worklist under their own lock and pause on request

package marking

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/prateek/concmark/config"
	"github.com/prateek/concmark/graph"
	"github.com/prateek/concmark/trace"
)

// Platform runs tasks on background threads
type Platform interface {
	CallOnBackgroundThread(task func())
}

// GoroutinePlatform runs every task on its own goroutine
type GoroutinePlatform struct{}

// CallOnBackgroundThread starts task on a new goroutine
func (GoroutinePlatform) CallOnBackgroundThread(task func()) {
	go task()
}

// taskState is owned by one background task. mu is held by the task for
// the whole of each marking budget, so holding it from the outside means
// the task is blocked.
type taskState struct {
	mu        sync.Mutex
	interrupt atomic.Bool
	resume    *sync.Cond
	liveBytes LiveBytesMap
	_         cpu.CacheLinePad
}

// Stats describes the work done by background tasks
type Stats struct {
	Runs           int64 // completed task runs
	MarkedBytes    int64 // bytes scanned by background tasks
	ObjectsVisited int64 // objects popped by background tasks
}

// ConcurrentMarking schedules background tasks that drain the shared
// worklist, and lets the main thread pause them or wait for them
type ConcurrentMarking struct {
	g        graph.Graph
	lists    *Worklists
	flags    config.Flags
	platform Platform
	trace    *trace.Logger
	tracing  bool
	observer VisitObserver

	// tasks[0] is unused; id 0 belongs to the main thread.
	tasks []taskState

	pendingMu        sync.Mutex
	pendingCond      *sync.Cond
	pendingTaskCount int
	isPending        []bool

	runs           atomic.Int64
	markedBytes    atomic.Int64
	objectsVisited atomic.Int64
}

// NewConcurrentMarking creates the scheduler for lists.NumTasks()
// background tasks
func NewConcurrentMarking(g graph.Graph, lists *Worklists, flags config.Flags, opts ...Option) *ConcurrentMarking {
	o := buildOptions(opts)
	n := lists.NumTasks()
	cm := &ConcurrentMarking{
		g:         g,
		lists:     lists,
		flags:     flags,
		platform:  o.platform,
		trace:     o.trace,
		tracing:   flags.TraceConcurrentMarking && o.trace.Enabled(),
		observer:  o.observer,
		tasks:     make([]taskState, n+1),
		isPending: make([]bool, n+1),
	}
	for i := range cm.tasks {
		cm.tasks[i].resume = sync.NewCond(&cm.tasks[i].mu)
		cm.tasks[i].liveBytes = make(LiveBytesMap)
	}
	cm.pendingCond = sync.NewCond(&cm.pendingMu)
	return cm
}

// Enabled reports whether background marking is switched on
func (cm *ConcurrentMarking) Enabled() bool {
	return cm.flags.ConcurrentMarking
}

func (cm *ConcurrentMarking) numTasks() int {
	return len(cm.tasks) - 1
}

// ScheduleTasks hands every idle task to the platform. It does nothing when
// all tasks are already pending.
func (cm *ConcurrentMarking) ScheduleTasks() {
	if !cm.flags.ConcurrentMarking {
		return
	}
	cm.pendingMu.Lock()
	defer cm.pendingMu.Unlock()
	if cm.pendingTaskCount >= cm.numTasks() {
		return
	}
	for i := 1; i <= cm.numTasks(); i++ {
		if cm.isPending[i] {
			continue
		}
		if cm.tracing {
			cm.trace.Printf("Scheduling concurrent marking task %d", i)
		}
		cm.tasks[i].interrupt.Store(false)
		cm.isPending[i] = true
		cm.pendingTaskCount++
		task := i
		cm.platform.CallOnBackgroundThread(func() { cm.run(task) })
	}
}

// RescheduleTasksIfNeeded schedules tasks again when all of them have
// finished but grey objects were published since
func (cm *ConcurrentMarking) RescheduleTasksIfNeeded() {
	if !cm.flags.ConcurrentMarking {
		return
	}
	cm.pendingMu.Lock()
	pending := cm.pendingTaskCount
	cm.pendingMu.Unlock()
	if pending > 0 {
		return
	}
	if cm.lists.Shared.IsGlobalPoolEmpty() {
		return
	}
	if cm.tracing {
		cm.trace.Printf("Rescheduling concurrent marking for %d published segments", cm.lists.Shared.GlobalPoolSize())
	}
	cm.ScheduleTasks()
}

// EnsureCompleted blocks until no task is pending
func (cm *ConcurrentMarking) EnsureCompleted() {
	if !cm.flags.ConcurrentMarking {
		return
	}
	cm.pendingMu.Lock()
	defer cm.pendingMu.Unlock()
	for cm.pendingTaskCount > 0 {
		cm.pendingCond.Wait()
	}
}

// PendingTaskCount returns the number of scheduled or running tasks
func (cm *ConcurrentMarking) PendingTaskCount() int {
	cm.pendingMu.Lock()
	defer cm.pendingMu.Unlock()
	return cm.pendingTaskCount
}

// FlushLiveBytes adds the live bytes of every task into counter and
// empties the task maps. Only valid while no task runs, i.e. after
// EnsureCompleted or inside a PauseScope.
func (cm *ConcurrentMarking) FlushLiveBytes(counter LiveBytesCounter) {
	for i := 1; i <= cm.numTasks(); i++ {
		live := cm.tasks[i].liveBytes
		for r, n := range live {
			// Cleared regions may have been released; skip them.
			if n != 0 {
				counter.IncrementLiveBytes(r, n)
			}
		}
		clear(live)
	}
}

// ClearLiveness zeroes the live bytes recorded for r by every task. Only
// valid while no task runs.
func (cm *ConcurrentMarking) ClearLiveness(r *graph.Region) {
	for i := 1; i <= cm.numTasks(); i++ {
		live := cm.tasks[i].liveBytes
		if _, ok := live[r]; ok {
			live[r] = 0
		}
	}
}

// Stats returns the background work done so far
func (cm *ConcurrentMarking) Stats() Stats {
	return Stats{
		Runs:           cm.runs.Load(),
		MarkedBytes:    cm.markedBytes.Load(),
		ObjectsVisited: cm.objectsVisited.Load(),
	}
}

func (cm *ConcurrentMarking) run(task int) {
	ts := &cm.tasks[task]
	ts.mu.Lock()
	live := ts.liveBytes
	ts.mu.Unlock()

	v := newVisitor(concurrentMode, task, cm.g, NewState(cm.g, live), cm.lists, cm.observer)
	if cm.tracing {
		cm.trace.Printf("Starting concurrent marking task %d", task)
	}

	start := time.Now()
	var total int64
	for done := false; !done; {
		var marked int64
		marked, done = cm.markBudget(ts, task, v)
		total += marked
	}

	func() {
		// Synchronizes with worklist updates made inside a pause.
		ts.mu.Lock()
		defer ts.mu.Unlock()
		cm.lists.Bailout.FlushToGlobal(task)
		cm.lists.WeakCells.FlushToGlobal(task)
		cm.lists.TransitionArrays.FlushToGlobal(task)
	}()

	cm.markedBytes.Add(total)
	cm.runs.Add(1)
	elapsed := time.Since(start)
	if cm.tracing {
		cm.trace.Printf("Task %d concurrently marked %s in %.2fms",
			task, trace.Bytes(total), float64(elapsed.Microseconds())/1000)
	}

	cm.pendingMu.Lock()
	cm.isPending[task] = false
	cm.pendingTaskCount--
	cm.pendingCond.Broadcast()
	cm.pendingMu.Unlock()
}

// markBudget processes objects until a budget is used up or the task runs
// out of work, then waits while an interrupt is requested
func (cm *ConcurrentMarking) markBudget(ts *taskState, task int, v *visitor) (marked int64, done bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	byteBudget := int64(cm.flags.BytesUntilInterruptCheck)
	objects := 0
	for marked < byteBudget && objects < cm.flags.ObjectsUntilInterruptCheck {
		id, ok := cm.lists.Shared.Pop(task)
		if !ok {
			done = true
			break
		}
		objects++
		if cm.g.InAllocationArea(id) {
			// Fields may still be under initialization.
			cm.lists.Bailout.Push(task, id)
			continue
		}
		obj := cm.g.GetObject(id)
		if obj == nil {
			panic(fmt.Sprintf("marking: worklist entry %#x is not an object", uint64(id)))
		}
		marked += v.Visit(obj)
	}
	cm.objectsVisited.Add(int64(objects))

	for ts.interrupt.Load() {
		ts.resume.Wait()
	}
	return marked, done
}
