// Package store описывает хранилище, через которое ядро работает с
// сессиями, посещаемостью и составом студентов.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrSessionEnded — завершённая сессия — история, её не меняем.
	ErrSessionEnded = errors.New("store: session ended")
	// ErrUnavailable помечает сбой хранилища, который имеет смысл повторить.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrNotOwner — кодом сессии распоряжается другой процесс.
	ErrNotOwner = errors.New("store: session owned by another process")
)

// IsRetryable — сбой хранения (PersistenceFailure), а не ошибка данных.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

type Sessions interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreateSession(ctx context.Context, s models.Session) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, p models.SessionPatch) error
	ListLiveSessions(ctx context.Context) ([]models.Session, error)
}

// Leases — аренда ротации кода. Писать active_code может только держатель
// аренды, поэтому у сессии всегда один ротатор на все процессы.
type Leases interface {
	// ClaimSession отдаёт аренду owner, если она свободна, истекла или уже его.
	// ErrNotOwner — аренду держит другой, ErrSessionEnded — сессия завершена.
	ClaimSession(ctx context.Context, id, owner string, ttl time.Duration) error
	// WriteCode пишет код и продлевает аренду; те же ошибки, что у ClaimSession.
	WriteCode(ctx context.Context, id, owner, code string, ttl time.Duration) error
	// ReleaseSession снимает аренду owner; чужую не трогает.
	ReleaseSession(ctx context.Context, id, owner string) error
}

type Attendance interface {
	// InsertAttendanceIfAbsent атомарен относительно уникальности
	// (session_id, student_id): created=false, если запись уже была.
	InsertAttendanceIfAbsent(ctx context.Context, a models.NewAttendance) (created bool, err error)
	// InsertAttendanceBatch вставляет пачку, пропуская дубликаты; возвращает число новых строк.
	InsertAttendanceBatch(ctx context.Context, rows []models.NewAttendance) (int, error)
	// DeleteAttendance: removed=false, если записи не было.
	DeleteAttendance(ctx context.Context, sessionID, studentID string) (removed bool, err error)
	CountAttendance(ctx context.Context, sessionID string) (int, error)
	ListAttendance(ctx context.Context, sessionID string) ([]models.AttendeeRow, error)
	ListStudentAttendance(ctx context.Context, studentID string) ([]models.HistoryRow, error)
}

type Directory interface {
	CountStudents(ctx context.Context) (int, error)
	ListStudents(ctx context.Context) ([]models.User, error)
	GetClassroom(ctx context.Context, room string) (*models.Classroom, error)
}

type Changes interface {
	SubscribeRowChanges(ctx context.Context, table string, f changefeed.Filter, fn changefeed.Handler) (unsubscribe func(), err error)
}

type Store interface {
	Sessions
	Leases
	Attendance
	Directory
	Changes
}
