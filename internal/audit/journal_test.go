package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memStorage struct {
	mu      sync.Mutex
	batches [][]LifecycleEvent
	fail    bool
}

func (m *memStorage) WriteBatch(_ context.Context, events []LifecycleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("db down")
	}
	cp := make([]LifecycleEvent, len(events))
	copy(cp, events)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *memStorage) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestJournal_StopDrainsBuffer(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, 1000, time.Hour, nil, zaptest.NewLogger(t))
	j.Start()

	for i := 0; i < 250; i++ {
		j.Record(LifecycleEvent{ID: fmt.Sprint(i), AgentID: "a", Command: "start", Result: ResultOK})
	}
	j.Stop()

	assert.Equal(t, 250, store.total())
	for _, b := range store.batches {
		assert.LessOrEqual(t, len(b), batchSize)
	}

	// После остановки события отбрасываются, повторный Stop безопасен
	j.Record(LifecycleEvent{ID: "late"})
	j.Stop()
	assert.Equal(t, 250, store.total())
}

func TestJournal_FlushesOnTimer(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, 10, 20*time.Millisecond, nil, zaptest.NewLogger(t))
	j.Start()
	defer j.Stop()

	j.Record(LifecycleEvent{ID: "1", AgentID: "a", Command: "pause"})
	require.Eventually(t, func() bool { return store.total() == 1 }, time.Second, 10*time.Millisecond)
}

func TestJournal_OverflowDropsWithoutBlocking(t *testing.T) {
	store := &memStorage{}
	j := NewJournal(store, 2, time.Hour, nil, zaptest.NewLogger(t))
	// Воркер не запущен: буфер заполнится

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			j.Record(LifecycleEvent{ID: fmt.Sprint(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	j.Start()
	j.Stop()
	assert.Equal(t, 2, store.total())
}

func TestJournal_StorageFailureIsLogged(t *testing.T) {
	store := &memStorage{fail: true}
	j := NewJournal(store, 10, time.Hour, nil, zaptest.NewLogger(t))
	j.Start()
	j.Record(LifecycleEvent{ID: "1"})
	j.Stop()
	assert.Equal(t, 0, store.total())
}
