package lifecycle

import (
	"sync"
	"time"
)

// timerSet tracks deferred lease actions keyed by lease ID.
type timerSet struct {
	mu      sync.Mutex
	timers  map[string][]*time.Timer
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string][]*time.Timer)}
}

// schedule runs fn after delay unless the lease's timers are cancelled first.
func (s *timerSet) schedule(leaseID string, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.timers[leaseID] = append(s.timers[leaseID], time.AfterFunc(delay, fn))
}

// cancel stops every pending action for a lease.
func (s *timerSet) cancel(leaseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers[leaseID] {
		t.Stop()
	}
	delete(s.timers, leaseID)
}

// stopAll cancels everything and refuses new timers.
func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timers := range s.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(s.timers, id)
	}
	s.stopped = true
}

func (s *timerSet) pending(leaseID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers[leaseID])
}
