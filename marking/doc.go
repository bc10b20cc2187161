// ABOUTME: Package documentation for the concurrent marker
// ABOUTME: Describes the cycle driven by Collector and the task id convention

// Package marking implements concurrent tri-color marking over a
// graph.Graph.
//
// A cycle is driven by a Collector on the main thread. Start greys the
// roots and schedules background tasks through ConcurrentMarking. Each
// task pops grey objects from its view of the shared worklist, turns them
// black and greys their targets. Objects that are unsafe to scan off the
// main thread are pushed to the bailout worklist; weak cells whose value
// is still undecided are deferred to the weak-cell worklist.
//
// Mutators store pointers through the WriteBarrier. The main thread may
// pause all tasks with a PauseScope to rewrite shared state, for example
// after EvacuateYoung moved objects. Finish waits for the tasks, drains
// the remaining work single-threaded, and only then resolves weak
// references.
//
// Worklist task id 0 belongs to the main thread; background tasks use
// ids 1 through config.Flags.Tasks.
package marking
