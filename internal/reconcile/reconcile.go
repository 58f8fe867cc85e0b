// Package reconcile — ручные правки преподавателя поверх автоматических отметок.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/session"
)

var ErrUnknownStudent = errors.New("reconcile: unknown student")

type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	InsertAttendanceBatch(ctx context.Context, rows []models.NewAttendance) (int, error)
	DeleteAttendance(ctx context.Context, sessionID, studentID string) (bool, error)
	ListStudents(ctx context.Context) ([]models.User, error)
	ListAttendance(ctx context.Context, sessionID string) ([]models.AttendeeRow, error)
}

// Refresher пересчитывает сводку после ручной правки.
type Refresher func(ctx context.Context, sessionID string)

type Engine struct {
	store Store
	log   *zap.Logger

	mu         sync.RWMutex
	refreshers []Refresher
}

func New(st Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: st, log: log}
}

// OnChange подписывает refresher на успешные правки.
func (e *Engine) OnChange(r Refresher) {
	e.mu.Lock()
	e.refreshers = append(e.refreshers, r)
	e.mu.Unlock()
}

// MarkPresentBulk отмечает студентов вручную. Уже отмеченные пропускаются;
// возвращается число новых записей.
func (e *Engine) MarkPresentBulk(ctx context.Context, sessionID string, studentIDs []string) (int, error) {
	if _, err := e.editableSession(ctx, sessionID); err != nil {
		return 0, err
	}
	ids := dedup(studentIDs)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := e.checkStudents(ctx, ids); err != nil {
		return 0, err
	}

	rows := make([]models.NewAttendance, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, models.NewAttendance{
			SessionID: sessionID,
			StudentID: id,
			Method:    models.MethodManual,
		})
	}
	n, err := e.store.InsertAttendanceBatch(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("mark present in session %s: %w", sessionID, err)
	}
	metrics.ManualChanges.WithLabelValues("mark").Add(float64(n))
	e.log.Info("manual attendance marked",
		zap.String("session_id", sessionID), zap.Int("requested", len(ids)), zap.Int("created", n))
	e.refresh(ctx, sessionID)
	return n, nil
}

// Revoke снимает отметку; отсутствующая запись — не ошибка.
func (e *Engine) Revoke(ctx context.Context, sessionID, studentID string) (bool, error) {
	if _, err := e.editableSession(ctx, sessionID); err != nil {
		return false, err
	}
	removed, err := e.store.DeleteAttendance(ctx, sessionID, studentID)
	if err != nil {
		return false, fmt.Errorf("revoke %s in session %s: %w", studentID, sessionID, err)
	}
	if removed {
		metrics.ManualChanges.WithLabelValues("revoke").Inc()
		e.log.Info("attendance revoked", zap.String("session_id", sessionID), zap.String("student_id", studentID))
		e.refresh(ctx, sessionID)
	}
	return removed, nil
}

// Roster — все студенты с флагом присутствия; query ищет по имени без учёта регистра.
func (e *Engine) Roster(ctx context.Context, sessionID, query string) ([]models.RosterEntry, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	students, err := e.store.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	rows, err := e.store.ListAttendance(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	present := make(map[string]models.AttendanceRecord, len(rows))
	for _, r := range rows {
		present[r.StudentID] = r.AttendanceRecord
	}

	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.RosterEntry, 0, len(students))
	for _, s := range students {
		if q != "" && !strings.Contains(strings.ToLower(s.FullName), q) {
			continue
		}
		entry := models.RosterEntry{Student: s}
		if rec, ok := present[s.ID]; ok {
			entry.Present = true
			entry.Record = &rec
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Student.FullName) < strings.ToLower(out[j].Student.FullName)
	})
	return out, nil
}

// editableSession: правки разрешены на живой и завершённой сессии, но не на черновике.
func (e *Engine) editableSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := e.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusDraft {
		return nil, session.ErrNotStarted
	}
	return s, nil
}

func (e *Engine) checkStudents(ctx context.Context, ids []string) error {
	students, err := e.store.ListStudents(ctx)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}
	known := make(map[string]struct{}, len(students))
	for _, s := range students {
		known[s.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(missing, ", "), ErrUnknownStudent)
	}
	return nil
}

func (e *Engine) refresh(ctx context.Context, sessionID string) {
	e.mu.RLock()
	rs := append([]Refresher(nil), e.refreshers...)
	e.mu.RUnlock()
	for _, r := range rs {
		r(ctx, sessionID)
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
