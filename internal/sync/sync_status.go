package sync

import (
	"fmt"
	"sync"
	"time"
)

const (
	statusEventBufferSize = 16
)

// Phase is the state of the change coalescer
type Phase string

const (
	PhaseStarting Phase = "starting"
	PhaseIdle     Phase = "idle"
	PhaseBatching Phase = "batching"
	PhaseAction   Phase = "action"
	PhaseStopped  Phase = "stopped"
)

// Snapshot is a point in time copy of the sync status
type Snapshot struct {
	Phase         Phase
	Direction     Direction
	Runs          int
	Failures      int
	LastRunAt     time.Time
	LastDuration  time.Duration
	LastError     error
	PhaseChangeAt time.Time
}

func (s Snapshot) String() string {
	return fmt.Sprintf("Phase: %s, Direction: %s, Runs: %d, Failures: %d, LastError: %v", s.Phase, s.Direction, s.Runs, s.Failures, s.LastError)
}

// SyncStatus tracks the coalescer phase and run counters and broadcasts
// every change to its subscribers.
type SyncStatus struct {
	current Snapshot
	mu      sync.RWMutex

	eventSubs []chan Snapshot
	eventMu   sync.RWMutex
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{
		current:   Snapshot{Phase: PhaseStarting, PhaseChangeAt: time.Now()},
		eventSubs: make([]chan Snapshot, 0),
	}
}

// Subscribe returns a channel receiving a snapshot on every status change
func (s *SyncStatus) Subscribe() <-chan Snapshot {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	ch := make(chan Snapshot, statusEventBufferSize)
	s.eventSubs = append(s.eventSubs, ch)
	return ch
}

// Unsubscribe removes a subscription channel
func (s *SyncStatus) Unsubscribe(ch <-chan Snapshot) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for i, sub := range s.eventSubs {
		if sub == ch {
			close(sub)
			s.eventSubs = append(s.eventSubs[:i], s.eventSubs[i+1:]...)
			break
		}
	}
}

// broadcastEvent sends the snapshot to all subscribers
func (s *SyncStatus) broadcastEvent(snap Snapshot) {
	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	for _, sub := range s.eventSubs {
		select {
		case sub <- snap:
		default:
			// Channel is full, skip to avoid blocking
		}
	}
}

// SetPhase moves the coalescer to a new phase
func (s *SyncStatus) SetPhase(phase Phase) {
	s.mu.Lock()
	s.current.Phase = phase
	s.current.PhaseChangeAt = time.Now()
	snap := s.current
	s.mu.Unlock()

	s.broadcastEvent(snap)
}

// SetDirection records the direction chosen for the current action
func (s *SyncStatus) SetDirection(dir Direction) {
	s.mu.Lock()
	s.current.Direction = dir
	snap := s.current
	s.mu.Unlock()

	s.broadcastEvent(snap)
}

// RecordRun records the outcome of a finished sync run
func (s *SyncStatus) RecordRun(started time.Time, duration time.Duration, err error) {
	s.mu.Lock()
	s.current.Runs++
	if err != nil {
		s.current.Failures++
	}
	s.current.LastRunAt = started
	s.current.LastDuration = duration
	s.current.LastError = err
	snap := s.current
	s.mu.Unlock()

	s.broadcastEvent(snap)
}

// Get returns the current status
func (s *SyncStatus) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
