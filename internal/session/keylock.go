package session

import "sync"

// keyLock не даёт двум операциям над одной сессией выполняться одновременно.
// Запись удаляется, когда её не держит и не ждёт никто.
type keyLock struct {
	mu   sync.Mutex
	byID map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{byID: make(map[string]*keyEntry)}
}

func (l *keyLock) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.byID[id]
	if !ok {
		e = &keyEntry{}
		l.byID[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.byID, id)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
