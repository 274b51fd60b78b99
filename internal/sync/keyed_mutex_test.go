package sync

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var km KeyedMutex
	var inside atomic.Int32
	var maxInside atomic.Int32

	const goroutines = 20
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("sensor:1")
			defer unlock()

			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(100 * time.Microsecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if m := maxInside.Load(); m != 1 {
		t.Errorf("max concurrent holders = %d, want 1", m)
	}
	if km.Len() != 0 {
		t.Errorf("expected no remaining keys, got %d", km.Len())
	}
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	var km KeyedMutex

	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
}

func TestKeyedMutex_UnlockIdempotent(t *testing.T) {
	var km KeyedMutex

	unlock := km.Lock("x")
	unlock()
	unlock()

	if km.Len() != 0 {
		t.Errorf("expected no remaining keys, got %d", km.Len())
	}
}
