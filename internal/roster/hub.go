package roster

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub раздаёт по Sync на каждого зрителя и пересчитывает их после ручных правок.
type Hub struct {
	store Store
	log   *zap.Logger

	mu    sync.Mutex
	syncs map[string]map[*Sync]struct{}
}

func NewHub(st Store, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{store: st, log: log, syncs: make(map[string]map[*Sync]struct{})}
}

// Open запускает Sync сессии; release закрывает его и снимает с учёта.
func (h *Hub) Open(ctx context.Context, sessionID string) (*Sync, func(), error) {
	s := NewSync(h.store, sessionID, h.log)
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	h.mu.Lock()
	set := h.syncs[sessionID]
	if set == nil {
		set = make(map[*Sync]struct{})
		h.syncs[sessionID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.syncs[sessionID], s)
			if len(h.syncs[sessionID]) == 0 {
				delete(h.syncs, sessionID)
			}
			h.mu.Unlock()
			s.Close()
		})
	}
	return s, release, nil
}

// Refresh пересчитывает всех зрителей сессии.
func (h *Hub) Refresh(ctx context.Context, sessionID string) {
	h.mu.Lock()
	list := make([]*Sync, 0, len(h.syncs[sessionID]))
	for s := range h.syncs[sessionID] {
		list = append(list, s)
	}
	h.mu.Unlock()
	for _, s := range list {
		if _, err := s.Poll(ctx); err != nil {
			h.log.Debug("roster poll failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

func (h *Hub) Viewers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.syncs[sessionID])
}
