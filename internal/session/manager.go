// Package session ведёт жизненный цикл занятия на стороне преподавателя:
// draft → live → ended, ротация кода, маяк и якорь геозоны.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/jobs"
	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/store"
)

var (
	ErrNotStarted     = errors.New("session: not started")
	ErrSessionClosed  = errors.New("session: closed")
	ErrAlreadyStarted = errors.New("session: already started")
	ErrInvalidInput   = errors.New("session: invalid input")
)

// Store — часть хранилища, с которой работает менеджер.
type Store interface {
	store.Sessions
	store.Leases
	GetClassroom(ctx context.Context, room string) (*models.Classroom, error)
}

type Config struct {
	Period     time.Duration
	ServiceID  string
	Payload    []byte
	GPSTimeout time.Duration
	// LeaseTTL — аренда ротации; процесс, переставший её продлевать,
	// теряет сессию через этот срок.
	LeaseTTL time.Duration
}

type NewSession struct {
	TeacherID string              `json:"teacher_id"`
	ClassName string              `json:"class_name" validate:"required,max=200"`
	Room      string              `json:"room" validate:"max=100"`
	Mode      models.GeofenceMode `json:"geofence_mode" validate:"omitempty,oneof=locked live"`
	// Position — позиция устройства преподавателя; без неё якорь берётся из аудитории.
	Position *geo.Point `json:"position,omitempty"`
}

// Manager ведёт сессии, аренду которых держит этот процесс. Ротатор у сессии
// один на все процессы: код пишет только держатель аренды.
type Manager struct {
	owner  string
	store  Store
	runner *jobs.Runner
	bcast  proximity.Broadcaster
	cfg    Config
	log    *zap.Logger
	now    func() time.Time

	locks *keyLock

	mu           sync.Mutex
	rotators     map[string]*Rotator
	broadcasting map[string]bool
}

type Option func(*Manager)

func WithBroadcaster(b proximity.Broadcaster) Option { return func(m *Manager) { m.bcast = b } }
func WithClock(now func() time.Time) Option          { return func(m *Manager) { m.now = now } }
func WithLogger(l *zap.Logger) Option                { return func(m *Manager) { m.log = l } }

// WithOwner задаёт имя процесса в аренде (по умолчанию случайный uuid).
func WithOwner(id string) Option { return func(m *Manager) { m.owner = id } }

func NewManager(st Store, runner *jobs.Runner, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		owner:        uuid.NewString(),
		store:        st,
		runner:       runner,
		cfg:          cfg,
		log:          zap.NewNop(),
		now:          time.Now,
		locks:        newKeyLock(),
		rotators:     make(map[string]*Rotator),
		broadcasting: make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.Period <= 0 {
		m.cfg.Period = DefaultPeriod
	}
	if m.cfg.ServiceID == "" {
		m.cfg.ServiceID = proximity.DefaultServiceID
	}
	if m.cfg.Payload == nil {
		m.cfg.Payload = proximity.DefaultPayload
	}
	if m.cfg.GPSTimeout <= 0 {
		m.cfg.GPSTimeout = proximity.DefaultGPSTimeout
	}
	if m.cfg.LeaseTTL <= 0 {
		m.cfg.LeaseTTL = DefaultLeaseTTL
	}
	return m
}

// Create — новая сессия в статусе draft с первым кодом.
func (m *Manager) Create(ctx context.Context, in NewSession) (*models.Session, error) {
	if in.ClassName == "" {
		return nil, fmt.Errorf("class name is empty: %w", ErrInvalidInput)
	}
	if in.TeacherID == "" {
		in.TeacherID, _ = ctxutil.UserID(ctx)
	}
	mode := in.Mode
	if mode == "" {
		mode = models.GeofenceLocked
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("geofence mode %q: %w", mode, ErrInvalidInput)
	}
	code, err := NewCode("")
	if err != nil {
		return nil, err
	}

	var anchor *geo.Point
	switch {
	case in.Position != nil:
		if !in.Position.Valid() {
			return nil, fmt.Errorf("position %+v: %w", *in.Position, ErrInvalidInput)
		}
		p := *in.Position
		anchor = &p
	case in.Room != "":
		c, err := m.store.GetClassroom(ctx, in.Room)
		switch {
		case err == nil:
			anchor = &c.Position
		case errors.Is(err, store.ErrNotFound):
			m.log.Info("room is not registered, session has no anchor", zap.String("room", in.Room))
		default:
			return nil, fmt.Errorf("lookup classroom %q: %w", in.Room, err)
		}
	}

	s, err := m.store.CreateSession(ctx, models.Session{
		TeacherID:    in.TeacherID,
		ClassName:    in.ClassName,
		Room:         in.Room,
		Anchor:       anchor,
		ActiveCode:   code,
		GeofenceMode: mode,
		Status:       models.StatusDraft,
		CreatedAt:    m.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionTransitions.WithLabelValues(string(models.StatusDraft)).Inc()
	m.log.Info("session created", zap.String("session_id", s.ID), zap.String("class", s.ClassName))
	return s, nil
}

// Start переводит draft → live. Без разрешения на радио при обязательном
// оборудовании возвращает proximity.ErrPermissionDenied, сессия остаётся draft.
// loc нужен только для режима live-геозоны и может быть nil.
func (m *Manager) Start(ctx context.Context, id string, hardwareRequired bool, loc proximity.Locator) (*models.Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case models.StatusLive:
		return nil, ErrAlreadyStarted
	case models.StatusEnded:
		return nil, ErrSessionClosed
	}

	if err := m.store.ClaimSession(ctx, id, m.owner, m.cfg.LeaseTTL); err != nil {
		return nil, fmt.Errorf("claim session %s: %w", id, err)
	}
	fail := func(err error) (*models.Session, error) {
		m.stopBroadcast(ctx, id)
		m.release(ctx, id)
		return nil, err
	}

	if hardwareRequired {
		if err := m.startBroadcast(ctx, id); err != nil {
			return fail(err)
		}
	}

	now := m.now().UTC()
	live, active := models.StatusLive, true
	patch := models.SessionPatch{
		Status:           &live,
		IsActive:         &active,
		HardwareRequired: &hardwareRequired,
		StartedAt:        &now,
	}
	if s.GeofenceMode == models.GeofenceLive && loc != nil {
		if p, err := m.sample(ctx, loc); err == nil {
			patch.Anchor = &p
		} else {
			m.log.Warn("anchor re-sample failed, keeping previous", zap.String("session_id", id), zap.Error(err))
		}
	}

	rot, err := m.newRotator(id, s.ActiveCode)
	if err != nil {
		return fail(err)
	}
	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		return fail(fmt.Errorf("start session %s: %w", id, err))
	}
	if err := rot.Start(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if old := m.rotators[id]; old != nil {
		old.Stop()
	}
	m.rotators[id] = rot
	m.mu.Unlock()

	metrics.SessionTransitions.WithLabelValues(string(models.StatusLive)).Inc()
	m.log.Info("session started", zap.String("session_id", id), zap.Bool("hardware_required", hardwareRequired))
	patch.Apply(s)
	return s, nil
}

// SetHardwareRequired меняет политику живой сессии и включает/выключает маяк.
func (m *Manager) SetHardwareRequired(ctx context.Context, id string, required bool) error {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.liveSession(ctx, id)
	if err != nil {
		return err
	}
	if required == s.HardwareRequired {
		return nil
	}
	if required {
		if err := m.startBroadcast(ctx, id); err != nil {
			return err
		}
	}
	if err := m.store.UpdateSession(ctx, id, models.SessionPatch{HardwareRequired: &required}); err != nil {
		if required {
			m.stopBroadcast(ctx, id)
		}
		return fmt.Errorf("update policy of session %s: %w", id, err)
	}
	if !required {
		m.stopBroadcast(ctx, id)
	}
	m.log.Info("hardware policy changed", zap.String("session_id", id), zap.Bool("required", required))
	return nil
}

// SetGeofenceMode атомарно меняет режим и якорь. При ошибке остаются прежние.
func (m *Manager) SetGeofenceMode(ctx context.Context, id string, mode models.GeofenceMode, loc proximity.Locator) (*geo.Point, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("geofence mode %q: %w", mode, ErrInvalidInput)
	}
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.liveSession(ctx, id)
	if err != nil {
		return nil, err
	}

	var anchor geo.Point
	switch mode {
	case models.GeofenceLive:
		if loc == nil {
			return nil, fmt.Errorf("live geofence needs a position: %w", proximity.ErrNoPosition)
		}
		anchor, err = m.sample(ctx, loc)
		if err != nil {
			return nil, err
		}
	case models.GeofenceLocked:
		c, err := m.store.GetClassroom(ctx, s.Room)
		if err != nil {
			return nil, fmt.Errorf("classroom %q: %w", s.Room, err)
		}
		anchor = c.Position
	}

	if err := m.store.UpdateSession(ctx, id, models.SessionPatch{GeofenceMode: &mode, Anchor: &anchor}); err != nil {
		return nil, fmt.Errorf("switch geofence of session %s: %w", id, err)
	}
	m.log.Info("geofence mode changed", zap.String("session_id", id), zap.String("mode", string(mode)))
	return &anchor, nil
}

func (m *Manager) sample(ctx context.Context, loc proximity.Locator) (geo.Point, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.GPSTimeout)
	defer cancel()
	p, err := loc.CurrentPosition(ctx)
	if err != nil {
		return geo.Point{}, fmt.Errorf("sample position: %w", err)
	}
	if !p.Valid() {
		return geo.Point{}, fmt.Errorf("sample position %+v: %w", p, proximity.ErrNoPosition)
	}
	return p, nil
}

func (m *Manager) ForceRotate(ctx context.Context, id string) (CodeState, error) {
	rot, err := m.rotator(ctx, id)
	if err != nil {
		return CodeState{}, err
	}
	st, err := rot.ForceRotate(ctx)
	if errors.Is(err, errRotatorStopped) {
		return CodeState{}, ErrSessionClosed
	}
	return st, err
}

func (m *Manager) PauseRotation(ctx context.Context, id string) (CodeState, error) {
	rot, err := m.rotator(ctx, id)
	if err != nil {
		return CodeState{}, err
	}
	rot.Pause()
	return rot.Current(), nil
}

func (m *Manager) ResumeRotation(ctx context.Context, id string) (CodeState, error) {
	rot, err := m.rotator(ctx, id)
	if err != nil {
		return CodeState{}, err
	}
	rot.Resume()
	return rot.Current(), nil
}

// Code — текущий код и остаток времени для экрана преподавателя.
func (m *Manager) Code(ctx context.Context, id string) (CodeState, error) {
	rot, err := m.rotator(ctx, id)
	if err != nil {
		return CodeState{}, err
	}
	return rot.Current(), nil
}

// rotator — ротатор живой сессии. Сессию без владельца процесс забирает себе;
// чужая даёт store.ErrNotOwner.
func (m *Manager) rotator(ctx context.Context, id string) (*Rotator, error) {
	if rot := m.owned(id); rot != nil {
		return rot, nil
	}
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case models.StatusDraft:
		return nil, ErrNotStarted
	case models.StatusEnded:
		return nil, ErrSessionClosed
	}
	rot, _, err := m.adopt(ctx, id)
	if errors.Is(err, store.ErrSessionEnded) {
		return nil, ErrSessionClosed
	}
	return rot, err
}

// owned — работающий ротатор этого процесса; остановленный сам себя
// (сессия завершена или аренда ушла) убирается из учёта.
func (m *Manager) owned(id string) *Rotator {
	m.mu.Lock()
	defer m.mu.Unlock()
	rot := m.rotators[id]
	if rot != nil && rot.Stopped() {
		delete(m.rotators, id)
		return nil
	}
	return rot
}

// adopt берёт аренду живой сессии и запускает её ротатор.
// adopted=false — ротатор уже был у этого процесса.
func (m *Manager) adopt(ctx context.Context, id string) (rot *Rotator, adopted bool, err error) {
	unlock := m.locks.lock(id)
	defer unlock()

	if rot := m.owned(id); rot != nil {
		return rot, false, nil
	}
	if err := m.store.ClaimSession(ctx, id, m.owner, m.cfg.LeaseTTL); err != nil {
		return nil, false, err
	}
	// код мог смениться у прежнего владельца, читаем уже под арендой
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		m.release(ctx, id)
		return nil, false, err
	}
	if !s.Live() {
		m.release(ctx, id)
		return nil, false, ErrSessionClosed
	}
	rot, err = m.newRotator(id, s.ActiveCode)
	if err == nil {
		err = rot.Start(ctx)
	}
	if err != nil {
		m.release(ctx, id)
		return nil, false, err
	}
	m.mu.Lock()
	m.rotators[id] = rot
	m.mu.Unlock()
	return rot, true, nil
}

func (m *Manager) newRotator(id, code string) (*Rotator, error) {
	return NewRotator(RotatorConfig{
		SessionID: id,
		Initial:   code,
		Period:    m.cfg.Period,
		Owner:     m.owner,
		LeaseTTL:  m.cfg.LeaseTTL,
		Store:     m.store,
		Runner:    m.runner,
		Log:       m.log,
		Now:       m.now,
	})
}

func (m *Manager) release(ctx context.Context, id string) {
	if err := m.store.ReleaseSession(ctx, id, m.owner); err != nil {
		m.log.Warn("lease release failed", zap.String("session_id", id), zap.Error(err))
	}
}

// End завершает сессию: ротация и маяк останавливаются до записи статуса.
// Завершённая сессия больше не меняется.
func (m *Manager) End(ctx context.Context, id string) (*models.Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status == models.StatusEnded {
		return nil, ErrSessionClosed
	}

	m.mu.Lock()
	rot := m.rotators[id]
	delete(m.rotators, id)
	m.mu.Unlock()
	if rot != nil {
		rot.Stop()
	}
	m.stopBroadcast(ctx, id)

	now := m.now().UTC()
	ended, inactive := models.StatusEnded, false
	patch := models.SessionPatch{Status: &ended, IsActive: &inactive, EndedAt: &now}
	if err := m.store.UpdateSession(ctx, id, patch); err != nil {
		return nil, fmt.Errorf("end session %s: %w", id, err)
	}
	metrics.SessionTransitions.WithLabelValues(string(models.StatusEnded)).Inc()
	m.log.Info("session ended", zap.String("session_id", id))
	patch.Apply(s)
	return s, nil
}

// Recover забирает живые сессии без владельца: после рестарта процесса или
// когда другой процесс перестал продлевать аренду. Запускается и периодически.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	live, err := m.store.ListLiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live sessions: %w", err)
	}
	n := 0
	for _, s := range live {
		_, adopted, err := m.adopt(ctx, s.ID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotOwner), errors.Is(err, store.ErrSessionEnded),
			errors.Is(err, store.ErrNotFound), errors.Is(err, ErrSessionClosed):
			continue
		default:
			return n, fmt.Errorf("adopt session %s: %w", s.ID, err)
		}
		if adopted {
			n++
		}
	}
	if n > 0 {
		m.log.Info("live sessions recovered", zap.Int("count", n))
	}
	return n, nil
}

// Shutdown останавливает все ротаторы и маяки процесса и отдаёт аренды,
// чтобы другой процесс подхватил сессии сразу. Статусы сессий не меняются.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	rots := m.rotators
	m.rotators = make(map[string]*Rotator)
	var ids []string
	for id, on := range m.broadcasting {
		if on {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for id, r := range rots {
		r.Stop()
		m.release(ctx, id)
	}
	for _, id := range ids {
		m.stopBroadcast(ctx, id)
	}
}

func (m *Manager) liveSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case models.StatusDraft:
		return nil, ErrNotStarted
	case models.StatusEnded:
		return nil, ErrSessionClosed
	}
	return s, nil
}

func (m *Manager) startBroadcast(ctx context.Context, id string) error {
	if m.bcast == nil {
		return nil
	}
	err := m.bcast.Broadcast(ctx, m.cfg.ServiceID, m.cfg.Payload)
	switch {
	case err == nil:
		m.mu.Lock()
		m.broadcasting[id] = true
		m.mu.Unlock()
	case errors.Is(err, proximity.ErrPermissionDenied):
		metrics.BroadcastErrors.WithLabelValues("start").Inc()
		return fmt.Errorf("start beacon for session %s: %w", id, err)
	default:
		// GPS всё ещё может подтвердить присутствие
		metrics.BroadcastErrors.WithLabelValues("start").Inc()
		m.log.Warn("beacon broadcast failed", zap.String("session_id", id), zap.Error(err))
	}
	return nil
}

func (m *Manager) stopBroadcast(ctx context.Context, id string) {
	m.mu.Lock()
	on := m.broadcasting[id]
	delete(m.broadcasting, id)
	m.mu.Unlock()
	if !on || m.bcast == nil {
		return
	}
	if err := m.bcast.StopBroadcast(ctx); err != nil {
		metrics.BroadcastErrors.WithLabelValues("stop").Inc()
		m.log.Warn("beacon stop failed", zap.String("session_id", id), zap.Error(err))
	}
}

// CanSubmit — можно ли студенту отмечаться прямо сейчас.
func CanSubmit(s *models.Session) error {
	if s == nil || !s.Live() {
		return ErrSessionClosed
	}
	return nil
}

// ProximitySatisfied: при обязательном оборудовании нужен хотя бы один сигнал
// (маяк или геозона). Проверка кода выполняется отдельно.
func ProximitySatisfied(hardwareRequired, beacon, geofence bool) bool {
	if !hardwareRequired {
		return true
	}
	return beacon || geofence
}

// Method — как была подтверждена отметка при данной политике.
func Method(hardwareRequired bool) models.VerificationMethod {
	if hardwareRequired {
		return models.MethodBeaconAndGPS
	}
	return models.MethodCode
}
