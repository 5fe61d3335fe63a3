package version

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var inside int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("f1")
			defer unlock()
			assert.Equal(t, int32(1), atomic.AddInt32(&inside, 1))
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Empty(t, k.locks, "unused entries are dropped")
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.lock("a")
	unlockB := k.lock("b")
	unlockB()
	unlockA()
}
