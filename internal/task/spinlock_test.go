package task

import (
	"sync"
	"testing"
)

func TestSpinLockMutualExclusion(t *testing.T) {
	var l SpinLock
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	if counter != 8000 {
		t.Errorf("counter is %d, want 8000", counter)
	}
}

func TestSpinLockTryLock(t *testing.T) {
	var l SpinLock
	if !l.TryLock() {
		t.Fatal("TryLock on a free lock returned false")
	}
	if l.TryLock() {
		t.Error("TryLock on a held lock returned true")
	}
	if !l.IsLocked() {
		t.Error("IsLocked returned false while held")
	}
	l.Unlock()
	if l.IsLocked() {
		t.Error("IsLocked returned true after Unlock")
	}
}

func TestSpinLockUnlockUnlocked(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Unlock of a free lock did not panic")
		}
	}()
	var l SpinLock
	l.Unlock()
}
