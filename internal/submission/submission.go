// Package submission — студенческая сторона: проверка кода и близости
// и идемпотентная запись отметки.
package submission

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/observability"
	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/session"
	"github.com/Spok95/adsum/internal/store"
)

var ErrNoStudent = errors.New("submission: student id is missing")

type Outcome string

const (
	Accepted      Outcome = "accepted"
	AlreadyMarked Outcome = "already_marked"
	Rejected      Outcome = "rejected"
)

// Reason — почему отметку отклонили. Это ответ пользователю, а не ошибка.
type Reason string

const (
	SessionClosed   Reason = "session_closed"
	InvalidCode     Reason = "invalid_code"
	ProximityFailed Reason = "proximity_failed"
)

type Request struct {
	SessionID        string `json:"-"`
	StudentID        string `json:"-"`
	// Code сверяется в Submit: неверный формат — тоже InvalidCode.
	Code             string `json:"code" validate:"required"`
	BeaconFound      bool   `json:"beacon_found"`
	GeofenceVerified bool   `json:"geofence_verified"`
	// Position — позиция студента; если задана, геозона проверяется на сервере.
	Position *geo.Point `json:"position,omitempty"`
}

type Result struct {
	Outcome           Outcome                   `json:"outcome"`
	Reason            Reason                    `json:"reason,omitempty"`
	Method            models.VerificationMethod `json:"verification_method,omitempty"`
	BluetoothVerified bool                      `json:"bluetooth_verified"`
	LocationVerified  bool                      `json:"location_verified"`
	// DistanceM — расстояние до якоря при серверной проверке геозоны.
	DistanceM *float64 `json:"distance_m,omitempty"`
}

func (r Result) Success() bool { return r.Outcome == Accepted || r.Outcome == AlreadyMarked }

type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	InsertAttendanceIfAbsent(ctx context.Context, a models.NewAttendance) (bool, error)
	ListStudentAttendance(ctx context.Context, studentID string) ([]models.HistoryRow, error)
}

type Protocol struct {
	store    Store
	geofence proximity.GeofenceSignal
	log      *zap.Logger
}

func New(st Store, geofence proximity.GeofenceSignal, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{store: st, geofence: geofence, log: log}
}

// Submit проверяет сессию, код и политику близости и записывает отметку.
// Ошибка возвращается только для сбоя хранилища и неизвестной сессии;
// отказы по существу приходят в Result.
func (p *Protocol) Submit(ctx context.Context, req Request) (Result, error) {
	if req.StudentID == "" {
		uid, ok := ctxutil.UserID(ctx)
		if !ok {
			return Result{}, ErrNoStudent
		}
		req.StudentID = uid
	}
	log := p.log.With(zap.String("session_id", req.SessionID), zap.String("student_id", req.StudentID))

	// всегда свежая сессия: код мог смениться секунду назад
	s, err := p.store.GetSession(ctx, req.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			observability.CaptureErrCtx(ctxutil.WithOp(ctx, "submit"), err)
		}
		return Result{}, fmt.Errorf("load session %s: %w", req.SessionID, err)
	}
	if err := session.CanSubmit(s); err != nil {
		return p.reject(log, SessionClosed), nil
	}
	if req.Code != s.ActiveCode {
		return p.reject(log, InvalidCode), nil
	}

	res := Result{BluetoothVerified: req.BeaconFound, LocationVerified: req.GeofenceVerified}
	if !res.LocationVerified && req.Position != nil {
		reading, err := p.geofence.Evaluate(ctx, proximity.ReportedPosition{Point: req.Position}, s.Anchor)
		if err != nil {
			log.Debug("server geofence check failed", zap.Error(err))
		}
		res.LocationVerified = reading.Result.OK()
		res.DistanceM = reading.DistanceM
	}
	if !session.ProximitySatisfied(s.HardwareRequired, res.BluetoothVerified, res.LocationVerified) {
		r := p.reject(log, ProximityFailed)
		r.DistanceM = res.DistanceM
		return r, nil
	}

	res.Method = session.Method(s.HardwareRequired)
	created, err := p.store.InsertAttendanceIfAbsent(ctx, models.NewAttendance{
		SessionID:         s.ID,
		StudentID:         req.StudentID,
		Method:            res.Method,
		LocationVerified:  res.LocationVerified,
		BluetoothVerified: res.BluetoothVerified,
	})
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		log.Error("attendance insert failed", zap.Error(err))
		observability.CaptureErrCtx(ctxutil.WithOp(ctx, "submit"), err)
		return Result{}, fmt.Errorf("record attendance: %w", err)
	}
	res.Outcome = Accepted
	if !created {
		res.Outcome = AlreadyMarked
	}
	metrics.Submissions.WithLabelValues(string(res.Outcome)).Inc()
	log.Info("attendance submitted", zap.String("outcome", string(res.Outcome)), zap.String("method", string(res.Method)))
	return res, nil
}

func (p *Protocol) reject(log *zap.Logger, reason Reason) Result {
	metrics.Submissions.WithLabelValues(string(reason)).Inc()
	log.Info("submission rejected", zap.String("reason", string(reason)))
	return Result{Outcome: Rejected, Reason: reason}
}

type History struct {
	Attended   int                 `json:"attended"`
	Total      int                 `json:"total"`
	Percentage int                 `json:"percentage"`
	Records    []models.HistoryRow `json:"records"`
}

// History — история посещений студента, новые сверху.
func (p *Protocol) History(ctx context.Context, studentID string) (History, error) {
	if studentID == "" {
		uid, ok := ctxutil.UserID(ctx)
		if !ok {
			return History{}, ErrNoStudent
		}
		studentID = uid
	}
	rows, err := p.store.ListStudentAttendance(ctx, studentID)
	if err != nil {
		return History{}, fmt.Errorf("history of %s: %w", studentID, err)
	}
	if rows == nil {
		rows = []models.HistoryRow{}
	}
	h := History{Total: len(rows), Percentage: 100, Records: rows}
	for _, r := range rows {
		if r.Status == models.StatusPresent {
			h.Attended++
		}
	}
	// пустая история считается как 100%, как в приложении студента
	if h.Total > 0 {
		h.Percentage = (h.Attended*200 + h.Total) / (2 * h.Total)
	}
	return h, nil
}
