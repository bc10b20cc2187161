// ABOUTME: Segmented multi-producer multi-consumer worklist with per-task views
// ABOUTME: Tasks push and pop privately and exchange whole segments through a global pool

// Package worklist implements the grey-object queue shared by marking
// tasks. Each task owns a private push segment and pop segment; full
// segments are published to a global pool from which idle tasks steal.
// Entries become visible to other tasks only once their segment is
// published, either because it filled up or through FlushToGlobal.
package worklist

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// DefaultSegmentCapacity is the number of entries per segment
const DefaultSegmentCapacity = 64

type segment[T any] struct {
	next    *segment[T]
	entries []T
}

func newSegment[T any](capacity int) *segment[T] {
	return &segment[T]{entries: make([]T, 0, capacity)}
}

func (s *segment[T]) push(e T) bool {
	if len(s.entries) == cap(s.entries) {
		return false
	}
	s.entries = append(s.entries, e)
	return true
}

func (s *segment[T]) pop() (T, bool) {
	var zero T
	n := len(s.entries)
	if n == 0 {
		return zero, false
	}
	e := s.entries[n-1]
	s.entries[n-1] = zero
	s.entries = s.entries[:n-1]
	return e, true
}

func (s *segment[T]) isEmpty() bool { return len(s.entries) == 0 }

func (s *segment[T]) clear() {
	clear(s.entries)
	s.entries = s.entries[:0]
}

// update rewrites entries in place, dropping those fn rejects
func (s *segment[T]) update(fn func(T) (T, bool)) {
	var zero T
	kept := 0
	for _, e := range s.entries {
		if out, ok := fn(e); ok {
			s.entries[kept] = out
			kept++
		}
	}
	for i := kept; i < len(s.entries); i++ {
		s.entries[i] = zero
	}
	s.entries = s.entries[:kept]
}

// privateSegments is owned by a single task. The padding keeps
// neighbouring tasks off the same cache line.
type privateSegments[T any] struct {
	push *segment[T]
	pop  *segment[T]
	_    cpu.CacheLinePad
}

type globalPool[T any] struct {
	mu   sync.Mutex
	top  *segment[T]
	size atomic.Int64 // number of segments, readable without mu
}

func (p *globalPool[T]) push(s *segment[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.next = p.top
	p.top = s
	p.size.Add(1)
}

func (p *globalPool[T]) pop() (*segment[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.top
	if s == nil {
		return nil, false
	}
	p.top = s.next
	s.next = nil
	p.size.Add(-1)
	return s, true
}

func (p *globalPool[T]) isEmpty() bool {
	return p.size.Load() == 0
}

func (p *globalPool[T]) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.top = nil
	p.size.Store(0)
}

func (p *globalPool[T]) update(fn func(T) (T, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var prev *segment[T]
	for s := p.top; s != nil; {
		s.update(fn)
		next := s.next
		if s.isEmpty() {
			if prev == nil {
				p.top = next
			} else {
				prev.next = next
			}
			s.next = nil
			p.size.Add(-1)
		} else {
			prev = s
		}
		s = next
	}
}

// Worklist is a segmented work queue partitioned into per-task private
// segments plus one global pool. Private segments of a task may only be
// touched by that task, or by another task while the owner is known to
// be stopped.
type Worklist[T any] struct {
	capacity int
	private  []privateSegments[T]
	global   globalPool[T]
}

// New creates a worklist for numTasks tasks with the default segment capacity
func New[T any](numTasks int) *Worklist[T] {
	return NewWithCapacity[T](numTasks, DefaultSegmentCapacity)
}

// NewWithCapacity creates a worklist with the given segment capacity
func NewWithCapacity[T any](numTasks, capacity int) *Worklist[T] {
	if numTasks <= 0 || capacity <= 0 {
		panic(fmt.Sprintf("worklist: invalid shape %d tasks x %d entries", numTasks, capacity))
	}
	w := &Worklist[T]{
		capacity: capacity,
		private:  make([]privateSegments[T], numTasks),
	}
	for i := range w.private {
		w.private[i].push = newSegment[T](capacity)
		w.private[i].pop = newSegment[T](capacity)
	}
	return w
}

// NumTasks returns the number of task views
func (w *Worklist[T]) NumTasks() int {
	return len(w.private)
}

// SegmentCapacity returns the number of entries per segment
func (w *Worklist[T]) SegmentCapacity() int {
	return w.capacity
}

// Push appends e to the task's push segment, publishing the segment to
// the global pool first if it is full. It never blocks on other tasks
// except for the brief global pool lock.
func (w *Worklist[T]) Push(task int, e T) {
	p := &w.private[task]
	if p.push.push(e) {
		return
	}
	w.publishPushSegment(task)
	p.push.push(e)
}

// Pop takes an entry from the task's private segments, stealing a
// segment from the global pool when they are empty. A false result only
// means this task has no direct supply left.
func (w *Worklist[T]) Pop(task int) (T, bool) {
	p := &w.private[task]
	if e, ok := p.pop.pop(); ok {
		return e, true
	}
	if !p.push.isEmpty() {
		p.push, p.pop = p.pop, p.push
	} else if !w.stealPopSegment(task) {
		var zero T
		return zero, false
	}
	return p.pop.pop()
}

func (w *Worklist[T]) publishPushSegment(task int) {
	p := &w.private[task]
	if p.push.isEmpty() {
		return
	}
	w.global.push(p.push)
	p.push = newSegment[T](w.capacity)
}

func (w *Worklist[T]) publishPopSegment(task int) {
	p := &w.private[task]
	if p.pop.isEmpty() {
		return
	}
	w.global.push(p.pop)
	p.pop = newSegment[T](w.capacity)
}

func (w *Worklist[T]) stealPopSegment(task int) bool {
	s, ok := w.global.pop()
	if !ok {
		return false
	}
	w.private[task].pop = s
	return true
}

// FlushToGlobal publishes every local entry of the task
func (w *Worklist[T]) FlushToGlobal(task int) {
	w.publishPushSegment(task)
	w.publishPopSegment(task)
}

// Publish places entries straight into the global pool. It is safe to
// call from any goroutine, including ones that own no task.
func (w *Worklist[T]) Publish(entries ...T) {
	for len(entries) > 0 {
		n := min(len(entries), w.capacity)
		s := newSegment[T](w.capacity)
		s.entries = append(s.entries, entries[:n]...)
		w.global.push(s)
		entries = entries[n:]
	}
}

// IsLocalEmpty reports whether the task's private segments are empty
func (w *Worklist[T]) IsLocalEmpty(task int) bool {
	p := &w.private[task]
	return p.push.isEmpty() && p.pop.isEmpty()
}

// IsGlobalPoolEmpty reports whether no segment is published. It does not
// take the pool lock.
func (w *Worklist[T]) IsGlobalPoolEmpty() bool {
	return w.global.isEmpty()
}

// GlobalPoolSize returns the number of published segments
func (w *Worklist[T]) GlobalPoolSize() int {
	return int(w.global.size.Load())
}

// IsGlobalEmpty reports whether the worklist holds no entry at all.
// Only meaningful while no task is running.
func (w *Worklist[T]) IsGlobalEmpty() bool {
	for i := range w.private {
		if !w.IsLocalEmpty(i) {
			return false
		}
	}
	return w.global.isEmpty()
}

// Clear drops every entry. Only valid while no task is running.
func (w *Worklist[T]) Clear() {
	for i := range w.private {
		w.private[i].push.clear()
		w.private[i].pop.clear()
	}
	w.global.clear()
}

// Update calls fn on every entry and replaces it with the result, or
// drops it when fn returns false. Only valid while no task is running.
func (w *Worklist[T]) Update(fn func(T) (T, bool)) {
	for i := range w.private {
		w.private[i].push.update(fn)
		w.private[i].pop.update(fn)
	}
	w.global.update(fn)
}

// View is a worklist handle bound to one task
type View[T any] struct {
	w    *Worklist[T]
	task int
}

// View returns the handle for the given task
func (w *Worklist[T]) View(task int) View[T] {
	if task < 0 || task >= len(w.private) {
		panic(fmt.Sprintf("worklist: task %d out of range [0, %d)", task, len(w.private)))
	}
	return View[T]{w: w, task: task}
}

// Push appends e to the view's task
func (v View[T]) Push(e T) { v.w.Push(v.task, e) }

// Pop takes an entry for the view's task
func (v View[T]) Pop() (T, bool) { return v.w.Pop(v.task) }

// FlushToGlobal publishes every local entry of the view's task
func (v View[T]) FlushToGlobal() { v.w.FlushToGlobal(v.task) }
