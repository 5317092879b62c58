package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestArtifactLocksSamePathBlocks(t *testing.T) {
	locks := NewArtifactLocks()
	order := make(chan int, 2)

	unlockA := locks.LockAll([]string{"/jobs/1/labels.txt"})

	go func() {
		unlock := locks.LockAll([]string{"/jobs/1/labels.txt"})
		order <- 2
		unlock()
	}()

	time.Sleep(20 * time.Millisecond)
	order <- 1
	unlockA()

	if first, second := <-order, <-order; first != 1 || second != 2 {
		t.Errorf("expected order [1 2], got [%d %d]", first, second)
	}
}

func TestArtifactLocksDifferentPathsConcurrent(t *testing.T) {
	locks := NewArtifactLocks()
	var held atomic.Int32
	var maxHeld atomic.Int32
	var wg sync.WaitGroup

	for _, p := range []string{"a.yaml", "b.yaml", "c.yaml"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			unlock := locks.LockAll([]string{p})
			n := held.Add(1)
			for {
				m := maxHeld.Load()
				if n <= m || maxHeld.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			held.Add(-1)
			unlock()
		}(p)
	}
	wg.Wait()

	if maxHeld.Load() < 2 {
		t.Errorf("different paths did not run concurrently (max held %d)", maxHeld.Load())
	}
}

func TestArtifactLocksOverlappingSetsNoDeadlock(t *testing.T) {
	locks := NewArtifactLocks()
	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			locks.LockAll([]string{"x", "y", "x"})()
		}()
		go func() {
			defer wg.Done()
			locks.LockAll([]string{"y", "x"})()
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock acquiring overlapping lock sets")
	}

	if n := locks.Held(); n != 0 {
		t.Errorf("Held() = %d after all unlocks, want 0", n)
	}
}
