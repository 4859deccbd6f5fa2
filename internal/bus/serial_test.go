package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSerialQueue_SameKeyNeverOverlaps(t *testing.T) {
	q := newSerialQueue()
	var inFlight, maxInFlight int32
	var mu sync.Mutex
	var order []int

	for i := 0; i < 50; i++ {
		i := i
		q.Submit("agent", func() {
			n := atomic.AddInt32(&inFlight, 1)
			if n > atomic.LoadInt32(&maxInFlight) {
				atomic.StoreInt32(&maxInFlight, n)
			}
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&inFlight, -1)
		})
	}
	q.Wait()

	assert.Equal(t, int32(1), maxInFlight)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSerialQueue_DifferentKeysRunConcurrently(t *testing.T) {
	q := newSerialQueue()
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	q.Submit("a", func() { started <- struct{}{}; <-release })
	q.Submit("b", func() { started <- struct{}{}; <-release })

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("independent keys were serialized")
		}
	}
	close(release)
	q.Wait()
}
