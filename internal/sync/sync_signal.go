package sync

import "sync"

// ChangeSignal holds the local and remote dirty flags.
//
// The watcher and poller mark their side dirty at any time. Only the
// coalescer clears the flags, and it does so with Take, which reads and
// clears both flags under one lock so that no mark is ever lost.
type ChangeSignal struct {
	mu     sync.Mutex
	local  bool
	remote bool
	notify chan struct{}
}

func NewChangeSignal() *ChangeSignal {
	return &ChangeSignal{
		notify: make(chan struct{}, 1),
	}
}

// MarkLocal flags a change in the local tree
func (s *ChangeSignal) MarkLocal() {
	s.mu.Lock()
	s.local = true
	s.mu.Unlock()
	s.wake()
}

// MarkRemote flags a change in the remote tree
func (s *ChangeSignal) MarkRemote() {
	s.mu.Lock()
	s.remote = true
	s.mu.Unlock()
	s.wake()
}

// Take returns both flags and clears them atomically
func (s *ChangeSignal) Take() (local, remote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	local, remote = s.local, s.remote
	s.local, s.remote = false, false
	return local, remote
}

// Pending returns both flags without clearing them
func (s *ChangeSignal) Pending() (local, remote bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local, s.remote
}

// Notify receives a value after a flag has been marked. A wake-up may be
// stale, so receivers must still check Take.
func (s *ChangeSignal) Notify() <-chan struct{} {
	return s.notify
}

func (s *ChangeSignal) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
