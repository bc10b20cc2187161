// ABOUTME: Scoped pause of all background marking tasks
// ABOUTME: Locks every task in a fixed order and releases them in reverse

package marking

// PauseScope holds every background task stopped at its interrupt check.
// While held, the main thread has exclusive access to worklists and
// live-byte maps.
type PauseScope struct {
	cm       *ConcurrentMarking
	released bool
}

// Pause requests an interrupt from every task and returns once each of
// them is blocked. Release it with Resume.
func (cm *ConcurrentMarking) Pause() *PauseScope {
	s := &PauseScope{cm: cm}
	if !cm.flags.ConcurrentMarking {
		return s
	}
	for i := 1; i <= cm.numTasks(); i++ {
		cm.tasks[i].interrupt.Store(true)
	}
	for i := 1; i <= cm.numTasks(); i++ {
		cm.tasks[i].mu.Lock()
	}
	return s
}

// Resume lets the paused tasks continue. Calling it again is a no-op.
func (s *PauseScope) Resume() {
	if s.released {
		return
	}
	s.released = true
	cm := s.cm
	if !cm.flags.ConcurrentMarking {
		return
	}
	for i := cm.numTasks(); i >= 1; i-- {
		ts := &cm.tasks[i]
		ts.interrupt.Store(false)
		ts.resume.Broadcast()
		ts.mu.Unlock()
	}
}

// Paused runs fn with every background task paused
func (cm *ConcurrentMarking) Paused(fn func()) {
	s := cm.Pause()
	defer s.Resume()
	fn()
}
