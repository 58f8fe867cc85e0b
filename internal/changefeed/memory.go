package changefeed

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrClosed = errors.New("changefeed: closed")

// subBuffer — сколько изменений копится у медленного подписчика.
// Переполнение безопасно: в очереди уже есть более позднее изменение,
// и подписчик всё равно перечитает состояние после него.
const subBuffer = 64

type subscription struct {
	table string
	f     Filter
	fn    Handler
	ch    chan Change
	done  chan struct{}
}

// Memory — хаб в пределах процесса; каждому подписчику своя горутина,
// поэтому Publish не ждёт обработчиков.
type Memory struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[*subscription]struct{})}
}

func (m *Memory) Publish(_ context.Context, c Change) error {
	if c.At.IsZero() {
		c.At = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs {
		if s.table != c.Table || !s.f.Match(c) {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, table string, f Filter, fn Handler) (func(), error) {
	s := &subscription{
		table: table,
		f:     f,
		fn:    fn,
		ch:    make(chan Change, subBuffer),
		done:  make(chan struct{}),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.subs[s] = struct{}{}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case c := <-s.ch:
				s.fn(c)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[s]; ok {
				delete(m.subs, s)
				close(s.done)
			}
		})
	}, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for s := range m.subs {
		delete(m.subs, s)
		close(s.done)
	}
	return nil
}
