package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/common/entity"
)

func TestPointerLocksSerializeOverlappingSets(t *testing.T) {
	locks := newPointerLocks()
	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pointers := []string{"0,0", "0,1"}
			if i%2 == 0 {
				pointers = []string{"0,1", "0,0"}
			}
			unlock := locks.lock(entity.Scene, pointers)
			assert.EqualValues(t, 1, atomic.AddInt32(&inside, 1))
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}(i)
	}
	wg.Wait()
	require.Zero(t, locks.size())
}

func TestPointerLocksAllowDisjointSets(t *testing.T) {
	locks := newPointerLocks()
	unlockA := locks.lock(entity.Scene, []string{"0,0"})
	done := make(chan struct{})
	go func() {
		unlock := locks.lock(entity.Scene, []string{"0,1"})
		unlock()
		// same pointer, different type
		unlock = locks.lock(entity.Profile, []string{"0,0"})
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("disjoint pointers should not block each other")
	}
	unlockA()
}

func TestPointerLocksAreCaseInsensitive(t *testing.T) {
	locks := newPointerLocks()
	unlock := locks.lock(entity.Profile, []string{"0xABC", "0xabc"})
	require.Equal(t, 1, locks.size())
	unlock()
}
