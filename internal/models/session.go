package models

import (
	"time"

	"github.com/Spok95/adsum/internal/geo"
)

// SessionStatus — жизненный цикл занятия: draft → live → ended.
type SessionStatus string

const (
	StatusDraft SessionStatus = "draft"
	StatusLive  SessionStatus = "live"
	StatusEnded SessionStatus = "ended"
)

// GeofenceMode — откуда берётся якорь геозоны.
type GeofenceMode string

const (
	// GeofenceLocked — зарегистрированные координаты аудитории.
	GeofenceLocked GeofenceMode = "locked"
	// GeofenceLive — текущая позиция устройства преподавателя.
	GeofenceLive GeofenceMode = "live"
)

func (m GeofenceMode) Valid() bool {
	return m == GeofenceLocked || m == GeofenceLive
}

type Session struct {
	ID               string        `db:"id" json:"id"`
	TeacherID        string        `db:"teacher_id" json:"teacher_id"`
	ClassName        string        `db:"class_name" json:"class_name"`
	Room             string        `db:"room" json:"room"`
	Anchor           *geo.Point    `db:"-" json:"anchor,omitempty"`
	ActiveCode       string        `db:"active_code" json:"-"`
	IsActive         bool          `db:"is_active" json:"is_active"`
	HardwareRequired bool          `db:"hardware_required" json:"hardware_required"`
	GeofenceMode     GeofenceMode  `db:"geofence_mode" json:"geofence_mode"`
	Status           SessionStatus `db:"status" json:"status"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	StartedAt        *time.Time    `db:"started_at" json:"started_at,omitempty"`
	EndedAt          *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
}

func (s *Session) Live() bool { return s != nil && s.Status == StatusLive && s.IsActive }

// SessionPatch — частичное обновление сессии; nil-поля не трогаем.
type SessionPatch struct {
	ActiveCode       *string
	IsActive         *bool
	HardwareRequired *bool
	GeofenceMode     *GeofenceMode
	Anchor           *geo.Point
	Status           *SessionStatus
	StartedAt        *time.Time
	EndedAt          *time.Time
}

// Apply copies the set fields of p onto s.
func (p SessionPatch) Apply(s *Session) {
	if p.ActiveCode != nil {
		s.ActiveCode = *p.ActiveCode
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.HardwareRequired != nil {
		s.HardwareRequired = *p.HardwareRequired
	}
	if p.GeofenceMode != nil {
		s.GeofenceMode = *p.GeofenceMode
	}
	if p.Anchor != nil {
		a := *p.Anchor
		s.Anchor = &a
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		s.StartedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
}

type Classroom struct {
	RoomName string    `db:"room_name" json:"room_name"`
	Position geo.Point `db:"-" json:"position"`
}
