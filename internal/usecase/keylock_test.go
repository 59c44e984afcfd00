package usecase

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyLocks_SerializesSameKey(t *testing.T) {
	locks := NewKeyLocks()
	var inside, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("C1-1.1")
			defer unlock()
			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), peak.Load())
	require.Zero(t, locks.size())
}

func TestKeyLocks_DistinctKeysDoNotBlock(t *testing.T) {
	locks := NewKeyLocks()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	require.Equal(t, 1, locks.size())
}

func TestKeyLocks_UnlockIsIdempotent(t *testing.T) {
	locks := NewKeyLocks()
	unlock := locks.Lock("a")
	unlock()
	unlock()
	require.Zero(t, locks.size())

	relock := locks.Lock("a")
	relock()
}
