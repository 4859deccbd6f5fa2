package bus

import "sync"

// serialQueue исполняет задачи одного ключа строго по очереди, а задачи разных
// ключей — независимо. Горутина на ключ живёт, пока у ключа есть работа.
type serialQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newSerialQueue() *serialQueue {
	return &serialQueue{pending: make(map[string][]func())}
}

func (q *serialQueue) Submit(key string, task func()) {
	q.mu.Lock()
	tasks, running := q.pending[key]
	q.pending[key] = append(tasks, task)
	q.wg.Add(1)
	q.mu.Unlock()

	if !running {
		go q.drain(key)
	}
}

func (q *serialQueue) drain(key string) {
	for {
		q.mu.Lock()
		tasks := q.pending[key]
		if len(tasks) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		task := tasks[0]
		q.pending[key] = tasks[1:]
		q.mu.Unlock()

		func() {
			defer q.wg.Done()
			task()
		}()
	}
}

// Wait ждёт, пока отработают все принятые задачи.
func (q *serialQueue) Wait() {
	q.wg.Wait()
}
