package engine

import "sync"

// agentLocks — мьютекс на каждый agent id. Запись живёт, пока на неё есть ссылки,
// поэтому карта не растёт бесконечно.
type agentLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newAgentLocks() *agentLocks {
	return &agentLocks{locks: make(map[string]*refLock)}
}

// Lock блокирует агента и возвращает функцию разблокировки.
func (l *agentLocks) Lock(agentID string) func() {
	l.mu.Lock()
	lk, ok := l.locks[agentID]
	if !ok {
		lk = &refLock{}
		l.locks[agentID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, agentID)
		}
		l.mu.Unlock()
	}
}

func (l *agentLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
