package lifecycle

import (
	"sync"
	"testing"
	"time"
)

func TestOwnerLocksSerializeSameOwner(t *testing.T) {
	locks := newOwnerLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("u1")
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("Expected at most one holder, saw %d", maxSeen)
	}
	if n := locks.len(); n != 0 {
		t.Errorf("Expected lock entries to be released, got %d", n)
	}
}

func TestOwnerLocksIndependentOwners(t *testing.T) {
	locks := newOwnerLocks()

	unlockA := locks.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("b")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock for b blocked on a")
	}
	unlockA()
}

func TestTimerSetCancel(t *testing.T) {
	timers := newTimerSet()
	fired := make(chan string, 2)

	timers.schedule("l1", time.Hour, func() { fired <- "l1" })
	timers.schedule("l2", 0, func() { fired <- "l2" })

	select {
	case id := <-fired:
		if id != "l2" {
			t.Errorf("Expected l2 to fire, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Immediate timer did not fire")
	}

	timers.cancel("l1")
	if timers.pending("l1") != 0 {
		t.Error("Expected l1 cancelled")
	}

	timers.stopAll()
	timers.schedule("l3", 0, func() { fired <- "l3" })
	select {
	case id := <-fired:
		t.Errorf("Unexpected firing of %s after stopAll", id)
	case <-time.After(50 * time.Millisecond):
	}
}
