package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Spok95/adsum/internal/ctxutil"
	"github.com/Spok95/adsum/internal/jobs"
	"github.com/Spok95/adsum/internal/metrics"
	"github.com/Spok95/adsum/internal/observability"
	"github.com/Spok95/adsum/internal/store"
)

// DefaultPeriod — время жизни одного кода.
const DefaultPeriod = 45 * time.Second

// DefaultLeaseTTL — срок аренды ротации; продлевается каждой записью кода.
const DefaultLeaseTTL = 30 * time.Second

const tickInterval = time.Second

var errRotatorStopped = errors.New("session: rotator stopped")

// codeStore — всё, что ротатору нужно от хранилища.
type codeStore interface {
	WriteCode(ctx context.Context, id, owner, code string, ttl time.Duration) error
}

type RotatorConfig struct {
	SessionID string
	// Initial — код, уже сохранённый в сессии; пустой — сгенерировать.
	Initial string
	Period  time.Duration
	// Owner держит аренду сессии; без неё запись кода не пройдёт.
	Owner    string
	LeaseTTL time.Duration
	Store    codeStore
	Runner  *jobs.Runner
	Log     *zap.Logger
	Now     func() time.Time
}

// CodeState — текущий код и обратный отсчёт до следующей смены.
type CodeState struct {
	Code      string        `json:"code"`
	Remaining time.Duration `json:"-"`
	Paused    bool          `json:"paused"`
	Version   uint64        `json:"version"`
}

// Rotator меняет код сессии раз в период. Единственный писатель кода для своей сессии.
type Rotator struct {
	id     string
	period time.Duration
	owner  string
	ttl    time.Duration
	store  codeStore
	runner *jobs.Runner
	log    *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	code      string
	version   uint64
	deadline  time.Time
	paused    bool
	remaining time.Duration
	started   bool
	stopped   bool
	stopTick  func()

	// persistMu сериализует запись кода; persisted — последняя записанная версия,
	// renewed — время последней успешной записи (продления аренды).
	persistMu sync.Mutex
	persisted uint64
	renewed   time.Time
}

func NewRotator(cfg RotatorConfig) (*Rotator, error) {
	if cfg.Store == nil {
		return nil, errors.New("rotator: store is required")
	}
	r := &Rotator{
		id:     cfg.SessionID,
		period: cfg.Period,
		owner:  cfg.Owner,
		ttl:    cfg.LeaseTTL,
		store:  cfg.Store,
		runner: cfg.Runner,
		log:    cfg.Log,
		now:    cfg.Now,
		code:   cfg.Initial,
	}
	if r.period <= 0 {
		r.period = DefaultPeriod
	}
	if r.ttl <= 0 {
		r.ttl = DefaultLeaseTTL
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.With(zap.String("session_id", r.id))
	if r.now == nil {
		r.now = time.Now
	}
	if !ValidCode(r.code) {
		code, err := NewCode("")
		if err != nil {
			return nil, err
		}
		r.code = code
		r.version = 1
	}
	return r, nil
}

// Start запускает обратный отсчёт. Если задан Runner, Tick вызывается раз в секунду.
func (r *Rotator) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return errRotatorStopped
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.deadline = r.now().Add(r.period)
	r.mu.Unlock()

	// аренду только что взяли: продлевать рано
	r.persistMu.Lock()
	r.renewed = r.now()
	r.persistMu.Unlock()

	// сгенерированный в конструкторе код ещё не записан
	if err := r.persist(ctx); err != nil {
		if lostOwnership(err) {
			return err
		}
		r.log.Warn("initial code persist failed", zap.Error(err))
	}
	if r.runner != nil {
		stop := r.runner.Every(tickInterval, "code_rotation", r.Tick)
		r.mu.Lock()
		r.stopTick = stop
		halted := r.stopped
		r.mu.Unlock()
		if halted {
			stop()
			return errRotatorStopped
		}
	}
	return nil
}

// Tick меняет код, если срок истёк, и досылает незаписанный код.
// Не больше одной попытки записи за тик.
func (r *Rotator) Tick(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.mu.Unlock()
		return nil
	}
	if !r.paused && !r.now().Before(r.deadline) {
		if err := r.rotateLocked("period"); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	return r.persist(ctx)
}

// ForceRotate сразу выдаёт новый код и сбрасывает отсчёт.
// Код меняется даже если запись не удалась; ошибка записи возвращается.
func (r *Rotator) ForceRotate(ctx context.Context) (CodeState, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return CodeState{}, errRotatorStopped
	}
	if err := r.rotateLocked("forced"); err != nil {
		r.mu.Unlock()
		return CodeState{}, err
	}
	st := r.stateLocked()
	r.mu.Unlock()
	if err := r.persist(ctx); err != nil {
		return st, err
	}
	return st, nil
}

func (r *Rotator) rotateLocked(reason string) error {
	code, err := NewCode(r.code)
	if err != nil {
		return err
	}
	r.code = code
	r.version++
	if r.paused {
		r.remaining = r.period
	} else {
		r.deadline = r.now().Add(r.period)
	}
	metrics.CodeRotations.WithLabelValues(reason).Inc()
	r.log.Debug("code rotated", zap.String("reason", reason), zap.Uint64("version", r.version))
	return nil
}

// persist записывает самый свежий код и заодно продлевает аренду.
// Устаревшие версии не пишутся никогда. Код, не записанный до остановки,
// возвращает errRotatorStopped.
func (r *Rotator) persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	code, version, stopped := r.code, r.version, r.stopped
	r.mu.Unlock()
	if stopped {
		if version != r.persisted {
			return errRotatorStopped
		}
		return nil
	}
	now := r.now()
	if version == r.persisted && now.Sub(r.renewed) < r.ttl/3 {
		return nil
	}

	ctx, cancel := ctxutil.WithDBTimeout(ctx)
	defer cancel()
	if err := r.store.WriteCode(ctx, r.id, r.owner, code, r.ttl); err != nil {
		metrics.CodePersistFailures.Inc()
		if lostOwnership(err) {
			// сессия завершена или ушла другому процессу: писать больше некуда
			r.log.Info("rotator halted", zap.Error(err))
			r.halt()
			return fmt.Errorf("persist code for session %s: %w", r.id, err)
		}
		r.log.Warn("code persist failed", zap.Uint64("version", version), zap.Error(err))
		observability.CaptureErrCtx(ctxutil.WithOp(ctx, "rotate_code"), err)
		return fmt.Errorf("persist code for session %s: %w", r.id, err)
	}
	r.persisted = version
	r.renewed = now
	return nil
}

func lostOwnership(err error) bool {
	return errors.Is(err, store.ErrSessionEnded) || errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrNotOwner)
}

// halt останавливает ротатор изнутри тика. Ждать цикл раннера здесь нельзя:
// мы в нём, поэтому остановка тикера уходит в отдельную горутину.
func (r *Rotator) halt() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	stop := r.stopTick
	r.mu.Unlock()
	if stop != nil {
		go stop()
	}
}

// Stopped — ротатор остановлен (Stop или потеря аренды).
func (r *Rotator) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Pause замораживает отсчёт; код остаётся действительным.
func (r *Rotator) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused || r.stopped {
		return
	}
	r.remaining = r.deadline.Sub(r.now())
	if r.remaining < 0 {
		r.remaining = 0
	}
	r.paused = true
}

func (r *Rotator) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused || r.stopped {
		return
	}
	r.deadline = r.now().Add(r.remaining)
	r.paused = false
}

func (r *Rotator) Current() CodeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Rotator) stateLocked() CodeState {
	st := CodeState{Code: r.code, Paused: r.paused, Version: r.version}
	switch {
	case r.paused:
		st.Remaining = r.remaining
	case r.started:
		st.Remaining = r.deadline.Sub(r.now())
		if st.Remaining < 0 {
			st.Remaining = 0
		}
	default:
		st.Remaining = r.period
	}
	return st
}

// Stop синхронный: после возврата код больше не меняется и не пишется.
func (r *Rotator) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	stop := r.stopTick
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	// дождаться записи, начатой ForceRotate
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
}
