package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/models"
)

type attendanceKey struct {
	session string
	student string
}

// Memory — хранилище в памяти процесса: для тестов и STORE_BACKEND=memory.
// Уникальность (session_id, student_id) гарантируется под общим мьютексом.
type Memory struct {
	mu         sync.RWMutex
	sessions   map[string]models.Session
	attendance map[attendanceKey]models.AttendanceRecord
	users      map[string]models.User
	classrooms map[string]models.Classroom
	leases     map[string]lease

	feed *changefeed.Memory
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]models.Session),
		attendance: make(map[attendanceKey]models.AttendanceRecord),
		users:      make(map[string]models.User),
		classrooms: make(map[string]models.Classroom),
		leases:     make(map[string]lease),
		feed:       changefeed.NewMemory(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Close() error { return m.feed.Close() }

// SetClock подменяет часы (время создания, отметок и сроки аренды).
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddUser / AddClassroom — справочники заполняются извне (сиды, тесты).
func (m *Memory) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) AddClassroom(c models.Classroom) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classrooms[c.RoomName] = c
}

func (m *Memory) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

func (m *Memory) CreateSession(ctx context.Context, s models.Session) (*models.Session, error) {
	m.mu.Lock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if _, dup := m.sessions[s.ID]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", s.ID)
	}
	m.sessions[s.ID] = *cloneSession(s)
	m.mu.Unlock()

	_ = m.feed.Publish(ctx, changefeed.Change{Table: changefeed.TableSessions, Op: changefeed.OpInsert, SessionID: s.ID})
	return cloneSession(s), nil
}

func (m *Memory) UpdateSession(ctx context.Context, id string, p models.SessionPatch) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if s.Status == models.StatusEnded {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, ErrSessionEnded)
	}
	p.Apply(&s)
	m.sessions[id] = s
	m.mu.Unlock()

	_ = m.feed.Publish(ctx, changefeed.Change{Table: changefeed.TableSessions, Op: changefeed.OpUpdate, SessionID: id})
	return nil
}

type lease struct {
	owner string
	until time.Time
}

// leaseLocked проверяет сессию и аренду; вызывается под m.mu.
func (m *Memory) leaseLocked(id, owner string) (models.Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return s, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if s.Status == models.StatusEnded {
		return s, fmt.Errorf("session %s: %w", id, ErrSessionEnded)
	}
	if l, held := m.leases[id]; held && l.owner != owner && m.now().Before(l.until) {
		return s, fmt.Errorf("session %s: %w", id, ErrNotOwner)
	}
	return s, nil
}

func (m *Memory) ClaimSession(_ context.Context, id, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.leaseLocked(id, owner); err != nil {
		return err
	}
	m.leases[id] = lease{owner: owner, until: m.now().Add(ttl)}
	return nil
}

func (m *Memory) WriteCode(ctx context.Context, id, owner, code string, ttl time.Duration) error {
	m.mu.Lock()
	s, err := m.leaseLocked(id, owner)
	if err == nil && m.leases[id].owner != owner {
		// аренда истекла и ничья: писать может только тот, кто её взял
		err = fmt.Errorf("session %s: %w", id, ErrNotOwner)
	}
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.ActiveCode = code
	m.sessions[id] = s
	m.leases[id] = lease{owner: owner, until: m.now().Add(ttl)}
	m.mu.Unlock()

	_ = m.feed.Publish(ctx, changefeed.Change{Table: changefeed.TableSessions, Op: changefeed.OpUpdate, SessionID: id})
	return nil
}

func (m *Memory) ReleaseSession(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok && l.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

func (m *Memory) ListLiveSessions(_ context.Context) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Session, 0)
	for _, s := range m.sessions {
		if s.Live() {
			out = append(out, *cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertAttendanceIfAbsent(ctx context.Context, a models.NewAttendance) (bool, error) {
	m.mu.Lock()
	created := m.insertLocked(a)
	m.mu.Unlock()
	if created {
		m.publishAttendance(ctx, changefeed.OpInsert, a.SessionID, a.StudentID)
	}
	return created, nil
}

func (m *Memory) InsertAttendanceBatch(ctx context.Context, rows []models.NewAttendance) (int, error) {
	m.mu.Lock()
	var created []models.NewAttendance
	for _, a := range rows {
		if m.insertLocked(a) {
			created = append(created, a)
		}
	}
	m.mu.Unlock()
	for _, a := range created {
		m.publishAttendance(ctx, changefeed.OpInsert, a.SessionID, a.StudentID)
	}
	return len(created), nil
}

func (m *Memory) insertLocked(a models.NewAttendance) bool {
	k := attendanceKey{a.SessionID, a.StudentID}
	if _, exists := m.attendance[k]; exists {
		return false
	}
	m.attendance[k] = models.AttendanceRecord{
		ID:                uuid.NewString(),
		SessionID:         a.SessionID,
		StudentID:         a.StudentID,
		Status:            models.StatusPresent,
		Method:            a.Method,
		LocationVerified:  a.LocationVerified,
		BluetoothVerified: a.BluetoothVerified,
		MarkedAt:          m.now(),
	}
	return true
}

func (m *Memory) DeleteAttendance(ctx context.Context, sessionID, studentID string) (bool, error) {
	k := attendanceKey{sessionID, studentID}
	m.mu.Lock()
	_, ok := m.attendance[k]
	delete(m.attendance, k)
	m.mu.Unlock()
	if ok {
		m.publishAttendance(ctx, changefeed.OpDelete, sessionID, studentID)
	}
	return ok, nil
}

func (m *Memory) CountAttendance(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k := range m.attendance {
		if k.session == sessionID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListAttendance(_ context.Context, sessionID string) ([]models.AttendeeRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AttendeeRow
	for k, r := range m.attendance {
		if k.session != sessionID {
			continue
		}
		out = append(out, models.AttendeeRow{AttendanceRecord: r, StudentName: m.users[k.student].FullName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	return out, nil
}

func (m *Memory) ListStudentAttendance(_ context.Context, studentID string) ([]models.HistoryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HistoryRow
	for k, r := range m.attendance {
		if k.student != studentID {
			continue
		}
		s := m.sessions[k.session]
		out = append(out, models.HistoryRow{
			AttendanceRecord: r,
			ClassName:        s.ClassName,
			Room:             s.Room,
			SessionCreatedAt: s.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	return out, nil
}

func (m *Memory) CountStudents(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, u := range m.users {
		if u.Role == models.Student {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListStudents(_ context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.User
	for _, u := range m.users {
		if u.Role == models.Student {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].FullName) < strings.ToLower(out[j].FullName)
	})
	return out, nil
}

func (m *Memory) GetClassroom(_ context.Context, room string) (*models.Classroom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classrooms[room]
	if !ok {
		return nil, fmt.Errorf("classroom %q: %w", room, ErrNotFound)
	}
	return &c, nil
}

func (m *Memory) SubscribeRowChanges(ctx context.Context, table string, f changefeed.Filter, fn changefeed.Handler) (func(), error) {
	return m.feed.Subscribe(ctx, table, f, fn)
}

func (m *Memory) publishAttendance(ctx context.Context, op changefeed.Op, sessionID, studentID string) {
	_ = m.feed.Publish(ctx, changefeed.Change{
		Table:     changefeed.TableAttendance,
		Op:        op,
		SessionID: sessionID,
		StudentID: studentID,
	})
}

func cloneSession(s models.Session) *models.Session {
	c := s
	if s.Anchor != nil {
		a := *s.Anchor
		c.Anchor = &a
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
