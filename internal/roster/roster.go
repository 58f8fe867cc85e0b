// Package roster держит живую сводку посещаемости занятия для экрана преподавателя.
package roster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/models"
)

var ErrClosed = errors.New("roster: closed")

type Store interface {
	CountAttendance(ctx context.Context, sessionID string) (int, error)
	CountStudents(ctx context.Context) (int, error)
	ListAttendance(ctx context.Context, sessionID string) ([]models.AttendeeRow, error)
	SubscribeRowChanges(ctx context.Context, table string, f changefeed.Filter, fn changefeed.Handler) (func(), error)
}

// Percentage = round(present/total*100); пустой класс даёт 0.
func Percentage(present, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(present) / float64(total) * 100))
}

// Sync — сводка одного занятия, пересчитываемая по событиям из ленты изменений.
type Sync struct {
	sessionID string
	store     Store
	log       *zap.Logger
	now       func() time.Time

	// refreshMu сериализует пересчёты, чтобы старый результат не перетёр новый.
	refreshMu sync.Mutex

	mu      sync.RWMutex
	view    models.RosterView
	unsub   func()
	closed  bool
	updates chan models.RosterView
}

func NewSync(st Store, sessionID string, log *zap.Logger) *Sync {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sync{
		sessionID: sessionID,
		store:     st,
		log:       log.With(zap.String("session_id", sessionID)),
		now:       func() time.Time { return time.Now().UTC() },
		updates:   make(chan models.RosterView, 1),
	}
}

// Start подписывается на вставки/удаления отметок своей сессии и делает первый расчёт.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.unsub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	unsub, err := s.store.SubscribeRowChanges(ctx, changefeed.TableAttendance, changefeed.BySession(s.sessionID), func(c changefeed.Change) {
		if c.Op != changefeed.OpInsert && c.Op != changefeed.OpDelete {
			return
		}
		if err := s.refresh(context.Background(), "feed"); err != nil {
			s.log.Warn("roster refresh failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe roster %s: %w", s.sessionID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return ErrClosed
	}
	s.unsub = unsub
	s.mu.Unlock()

	return s.refresh(ctx, "start")
}

// Poll — явный пересчёт (кнопка «обновить», ручная правка).
func (s *Sync) Poll(ctx context.Context) (models.RosterView, error) {
	if err := s.refresh(ctx, "poll"); err != nil {
		return models.RosterView{}, err
	}
	return s.View(), nil
}

func (s *Sync) refresh(ctx context.Context, trigger string) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	present, err := s.store.CountAttendance(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("count attendance: %w", err)
	}
	total, err := s.store.CountStudents(ctx)
	if err != nil {
		return fmt.Errorf("count students: %w", err)
	}
	v := models.RosterView{
		PresentCount: present,
		TotalCount:   total,
		Percentage:   Percentage(present, total),
		RefreshedAt:  s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.view = v
	// последний вид побеждает: старый непрочитанный выбрасываем
	select {
	case <-s.updates:
	default:
	}
	s.updates <- v
	s.mu.Unlock()

	metrics.RosterRefreshes.WithLabelValues(trigger).Inc()
	return nil
}

func (s *Sync) View() models.RosterView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Updates отдаёт свежие сводки; канал закрывается в Close.
func (s *Sync) Updates() <-chan models.RosterView { return s.updates }

// Attendees — отметившиеся с именами, новые сверху.
func (s *Sync) Attendees(ctx context.Context) ([]models.AttendeeRow, error) {
	rows, err := s.store.ListAttendance(ctx, s.sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendees: %w", err)
	}
	return rows, nil
}

func (s *Sync) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	close(s.updates)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
