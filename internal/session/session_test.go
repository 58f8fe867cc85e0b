package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/proximity"
	"github.com/Spok95/adsum/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock { return &fakeClock{t: time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore роняет запись кода, пока failCodes > 0, и считает попытки.
type flakyStore struct {
	*store.Memory
	mu        sync.Mutex
	failCodes int
	attempts  int
	writes    []string
}

func (f *flakyStore) WriteCode(ctx context.Context, id, owner, code string, ttl time.Duration) error {
	f.mu.Lock()
	f.attempts++
	if f.failCodes > 0 {
		f.failCodes--
		f.mu.Unlock()
		return store.ErrUnavailable
	}
	f.mu.Unlock()
	if err := f.Memory.WriteCode(ctx, id, owner, code, ttl); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, code)
	f.mu.Unlock()
	return nil
}

func (f *flakyStore) counts() (attempts int, writes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, append([]string(nil), f.writes...)
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	active   bool
	starts   int
	stops    int
}

func (b *fakeBroadcaster) Broadcast(_ context.Context, serviceID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	if b.startErr != nil {
		return b.startErr
	}
	b.active = true
	return nil
}

func (b *fakeBroadcaster) StopBroadcast(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	b.active = false
	return b.stopErr
}

type fixedLocator struct {
	p   geo.Point
	err error
}

func (l fixedLocator) CurrentPosition(context.Context) (geo.Point, error) { return l.p, l.err }

var classroom = geo.Point{Lat: 19.1345, Lon: 72.843632}

func newStore(t *testing.T) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	st.AddClassroom(models.Classroom{RoomName: "101", Position: classroom})
	return st
}

func TestNewCode_RangeAndNeverRepeats(t *testing.T) {
	prev := ""
	for i := 0; i < 2000; i++ {
		c, err := NewCode(prev)
		if err != nil {
			t.Fatal(err)
		}
		if !ValidCode(c) {
			t.Fatalf("code %q out of range", c)
		}
		if c == prev {
			t.Fatalf("code repeated: %q", c)
		}
		prev = c
	}
}

func TestValidCode(t *testing.T) {
	for s, want := range map[string]bool{"1000": true, "9999": true, "0999": false, "482": false, "48210": false, "48a1": false} {
		if ValidCode(s) != want {
			t.Fatalf("ValidCode(%q) != %v", s, want)
		}
	}
}

const testOwner = "rotator-test"

// seedSession — живая сессия, аренду которой держит testOwner.
func seedSession(t *testing.T, st Store, code string) string {
	t.Helper()
	ctx := context.Background()
	s, err := st.CreateSession(ctx, models.Session{ClassName: "Physics", ActiveCode: code, Status: models.StatusLive, IsActive: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.ClaimSession(ctx, s.ID, testOwner, time.Hour); err != nil {
		t.Fatal(err)
	}
	return s.ID
}

func TestRotator_RotatesOnDeadline(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: newStore(t)}
	id := seedSession(t, st, "4821")
	clk := newClock()

	r, err := NewRotator(RotatorConfig{SessionID: id, Initial: "4821", Period: 45 * time.Second, Owner: testOwner, Store: st, Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Advance(44 * time.Second)
	_ = r.Tick(ctx)
	if got := r.Current(); got.Code != "4821" || got.Remaining != time.Second {
		t.Fatalf("rotated too early: %+v", got)
	}

	clk.Advance(time.Second)
	if err := r.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	cur := r.Current()
	if cur.Code == "4821" || cur.Remaining != 45*time.Second {
		t.Fatalf("no rotation at deadline: %+v", cur)
	}
	s, _ := st.GetSession(ctx, id)
	if s.ActiveCode != cur.Code {
		t.Fatalf("stored %q, rotator %q", s.ActiveCode, cur.Code)
	}
}

func TestRotator_PersistFailureDoesNotStall(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: newStore(t), failCodes: 2}
	id := seedSession(t, st, "4821")
	clk := newClock()
	r, _ := NewRotator(RotatorConfig{SessionID: id, Initial: "4821", Period: 10 * time.Second, Owner: testOwner, Store: st, Now: clk.Now})
	_ = r.Start(ctx)

	clk.Advance(10 * time.Second)
	if err := r.Tick(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	first := r.Current().Code

	// следующий период наступает несмотря на сбой
	clk.Advance(10 * time.Second)
	_ = r.Tick(ctx)
	second := r.Current().Code
	if second == first {
		t.Fatal("rotation stalled after persist failure")
	}

	// третий тик без ротации досылает самый свежий код
	clk.Advance(time.Second)
	if err := r.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	s, _ := st.GetSession(ctx, id)
	if s.ActiveCode != second {
		t.Fatalf("stored %q, want newest %q", s.ActiveCode, second)
	}
	if len(st.writes) != 1 || st.writes[0] != second {
		t.Fatalf("stale codes written: %v", st.writes)
	}
}

func TestRotator_ForcePauseStop(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: newStore(t)}
	id := seedSession(t, st, "4821")
	clk := newClock()
	r, _ := NewRotator(RotatorConfig{SessionID: id, Initial: "4821", Period: 45 * time.Second, Owner: testOwner, Store: st, Now: clk.Now})
	_ = r.Start(ctx)

	clk.Advance(30 * time.Second)
	st1, err := r.ForceRotate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st1.Code == "4821" || st1.Remaining != 45*time.Second {
		t.Fatalf("forced rotation: %+v", st1)
	}

	r.Pause()
	clk.Advance(10 * time.Minute)
	_ = r.Tick(ctx)
	if cur := r.Current(); cur.Code != st1.Code || !cur.Paused || cur.Remaining != 45*time.Second {
		t.Fatalf("paused rotator changed: %+v", cur)
	}
	r.Resume()
	clk.Advance(45 * time.Second)
	_ = r.Tick(ctx)
	if r.Current().Code == st1.Code {
		t.Fatal("no rotation after resume")
	}

	r.Stop()
	last := r.Current().Code
	clk.Advance(time.Hour)
	_ = r.Tick(ctx)
	if r.Current().Code != last {
		t.Fatal("rotated after stop")
	}
	if _, err := r.ForceRotate(ctx); !errors.Is(err, errRotatorStopped) {
		t.Fatalf("force after stop: %v", err)
	}
	r.Stop()
}

func newManager(t *testing.T, st Store, b proximity.Broadcaster, clk *fakeClock) *Manager {
	t.Helper()
	opts := []Option{WithClock(clk.Now)}
	if b != nil {
		opts = append(opts, WithBroadcaster(b))
	}
	m := NewManager(st, nil, Config{Period: 45 * time.Second}, opts...)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func TestManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	b := &fakeBroadcaster{}
	m := newManager(t, st, b, newClock())

	s, err := m.Create(ctx, NewSession{TeacherID: "t1", ClassName: "Physics", Room: "101"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != models.StatusDraft || !ValidCode(s.ActiveCode) || s.Anchor == nil || *s.Anchor != classroom {
		t.Fatalf("bad draft: %+v", s)
	}
	if CanSubmit(s) == nil {
		t.Fatal("draft accepts submissions")
	}
	if _, err := m.Code(ctx, s.ID); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("code before start: %v", err)
	}

	live, err := m.Start(ctx, s.ID, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !live.Live() || !live.HardwareRequired || live.StartedAt == nil || !b.active {
		t.Fatalf("bad live session: %+v broadcasting=%v", live, b.active)
	}
	if err := CanSubmit(live); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(ctx, s.ID, false, nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("double start: %v", err)
	}
	cs, err := m.Code(ctx, s.ID)
	if err != nil || cs.Code != s.ActiveCode {
		t.Fatalf("code %+v err %v, want %s", cs, err, s.ActiveCode)
	}

	forced, err := m.ForceRotate(ctx, s.ID)
	if err != nil || forced.Code == s.ActiveCode {
		t.Fatalf("force rotate: %+v %v", forced, err)
	}
	stored, _ := st.GetSession(ctx, s.ID)
	if stored.ActiveCode != forced.Code {
		t.Fatalf("forced code not persisted: %q vs %q", stored.ActiveCode, forced.Code)
	}

	ended, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != models.StatusEnded || ended.IsActive || ended.EndedAt == nil {
		t.Fatalf("bad ended session: %+v", ended)
	}
	if b.active || b.stops != 1 {
		t.Fatalf("beacon still on: %+v", b)
	}
	if _, err := m.ForceRotate(ctx, s.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("rotate after end: %v", err)
	}
	if _, err := m.End(ctx, s.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("double end: %v", err)
	}
	if _, err := m.Start(ctx, s.ID, false, nil); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("restart ended: %v", err)
	}
	if err := st.UpdateSession(ctx, s.ID, models.SessionPatch{HardwareRequired: new(bool)}); !errors.Is(err, store.ErrSessionEnded) {
		t.Fatalf("ended session mutated: %v", err)
	}
}

func TestManager_StartPermissionDeniedStaysDraft(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	b := &fakeBroadcaster{startErr: proximity.ErrPermissionDenied}
	m := newManager(t, st, b, newClock())
	s, _ := m.Create(ctx, NewSession{ClassName: "Chem", Room: "101"})

	if _, err := m.Start(ctx, s.ID, true, nil); !errors.Is(err, proximity.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	got, _ := st.GetSession(ctx, s.ID)
	if got.Status != models.StatusDraft {
		t.Fatalf("status = %s", got.Status)
	}

	// деградация до режима «только код»
	live, err := m.Start(ctx, s.ID, false, nil)
	if err != nil || !live.Live() || live.HardwareRequired {
		t.Fatalf("code-only start: %+v %v", live, err)
	}
}

func TestManager_StartBroadcastFailureStillLive(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	b := &fakeBroadcaster{startErr: errors.New("adapter busy")}
	m := newManager(t, st, b, newClock())
	s, _ := m.Create(ctx, NewSession{ClassName: "Bio", Room: "101"})
	live, err := m.Start(ctx, s.ID, true, nil)
	if err != nil || !live.Live() || !live.HardwareRequired {
		t.Fatalf("got %+v %v", live, err)
	}
	// маяк не поднялся, значит и гасить нечего
	if _, err := m.End(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if b.stops != 0 {
		t.Fatalf("stop called for a beacon that never started")
	}
}

func TestManager_SetHardwareRequired(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	b := &fakeBroadcaster{}
	m := newManager(t, st, b, newClock())
	s, _ := m.Create(ctx, NewSession{ClassName: "Math", Room: "101"})

	if err := m.SetHardwareRequired(ctx, s.ID, true); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("draft policy change: %v", err)
	}
	_, _ = m.Start(ctx, s.ID, false, nil)
	if err := m.SetHardwareRequired(ctx, s.ID, true); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetSession(ctx, s.ID)
	if !got.HardwareRequired || !b.active {
		t.Fatalf("policy not applied: %+v beacon=%v", got, b.active)
	}
	if err := m.SetHardwareRequired(ctx, s.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetSession(ctx, s.ID)
	if got.HardwareRequired || b.active {
		t.Fatalf("policy not reverted: %+v beacon=%v", got, b.active)
	}
}

func TestManager_SetGeofenceMode(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	m := newManager(t, st, nil, newClock())
	s, _ := m.Create(ctx, NewSession{ClassName: "Art", Room: "101"})
	_, _ = m.Start(ctx, s.ID, true, nil)

	teacherPos := geo.Offset(classroom, 300)
	anchor, err := m.SetGeofenceMode(ctx, s.ID, models.GeofenceLive, fixedLocator{p: teacherPos})
	if err != nil || *anchor != teacherPos {
		t.Fatalf("live mode: %+v %v", anchor, err)
	}
	got, _ := st.GetSession(ctx, s.ID)
	if got.GeofenceMode != models.GeofenceLive || *got.Anchor != teacherPos {
		t.Fatalf("not switched: %+v", got)
	}

	// неудачная выборка позиции оставляет прежние режим и якорь
	if _, err := m.SetGeofenceMode(ctx, s.ID, models.GeofenceLive, fixedLocator{err: proximity.ErrPermissionDenied}); !errors.Is(err, proximity.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	got, _ = st.GetSession(ctx, s.ID)
	if *got.Anchor != teacherPos {
		t.Fatalf("anchor changed on failure: %+v", got.Anchor)
	}

	if _, err := m.SetGeofenceMode(ctx, s.ID, models.GeofenceLocked, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetSession(ctx, s.ID)
	if got.GeofenceMode != models.GeofenceLocked || *got.Anchor != classroom {
		t.Fatalf("locked mode: %+v", got)
	}

	if _, err := m.SetGeofenceMode(ctx, s.ID, "orbit", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad mode: %v", err)
	}
}

func TestManager_PauseResumeAndRecover(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	clk := newClock()
	m := newManager(t, st, nil, clk)
	s, _ := m.Create(ctx, NewSession{ClassName: "History"})
	_, _ = m.Start(ctx, s.ID, false, nil)

	clk.Advance(20 * time.Second)
	cs, err := m.PauseRotation(ctx, s.ID)
	if err != nil || !cs.Paused || cs.Remaining != 25*time.Second {
		t.Fatalf("pause: %+v %v", cs, err)
	}
	clk.Advance(time.Minute)
	cs, _ = m.ResumeRotation(ctx, s.ID)
	if cs.Paused || cs.Remaining != 25*time.Second {
		t.Fatalf("resume: %+v", cs)
	}

	// процесс остановился и отдал аренду, новый подхватывает живую сессию
	m.Shutdown(ctx)
	m2 := newManager(t, st, nil, clk)
	n, err := m2.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	cs2, err := m2.Code(ctx, s.ID)
	if err != nil || cs2.Code != cs.Code {
		t.Fatalf("recovered code %+v vs %+v (%v)", cs2, cs, err)
	}
}

func TestProximitySatisfied(t *testing.T) {
	cases := []struct {
		hw, beacon, geofence, want bool
	}{
		{false, false, false, true},
		{true, false, false, false},
		{true, true, false, true},
		{true, false, true, true},
		{true, true, true, true},
	}
	for _, tc := range cases {
		if got := ProximitySatisfied(tc.hw, tc.beacon, tc.geofence); got != tc.want {
			t.Fatalf("%+v: got %v", tc, got)
		}
	}
	if Method(true) != models.MethodBeaconAndGPS || Method(false) != models.MethodCode {
		t.Fatal("unexpected method mapping")
	}
}

func TestRotator_StopBeforePersistReportsUnsavedCode(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: newStore(t)}
	id := seedSession(t, st, "4821")
	r, _ := NewRotator(RotatorConfig{SessionID: id, Initial: "4821", Owner: testOwner, Store: st, Now: newClock().Now})
	_ = r.Start(ctx)

	// Stop вклинился между сменой кода и записью, как в ForceRotate
	r.mu.Lock()
	if err := r.rotateLocked("forced"); err != nil {
		r.mu.Unlock()
		t.Fatal(err)
	}
	r.mu.Unlock()
	r.Stop()

	if err := r.persist(ctx); !errors.Is(err, errRotatorStopped) {
		t.Fatalf("unsaved code after stop: %v", err)
	}
	if s, _ := st.GetSession(ctx, id); s.ActiveCode != "4821" {
		t.Fatalf("code written after stop: %q", s.ActiveCode)
	}
}

func TestManager_SingleOwnerAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Memory: newStore(t)}
	clk := newClock()
	a := newManager(t, st, nil, clk)
	b := newManager(t, st, nil, clk)

	s, _ := a.Create(ctx, NewSession{ClassName: "Physics", Room: "101"})
	if _, err := a.Start(ctx, s.ID, false, nil); err != nil {
		t.Fatal(err)
	}

	n, err := b.Recover(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second process took a live session: n=%d err=%v", n, err)
	}
	if _, err := b.ForceRotate(ctx, s.ID); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("rotation from a non-owner: %v", err)
	}

	clk.Advance(45 * time.Second)
	_ = a.rotators[s.ID].Tick(ctx)
	cs, _ := a.Code(ctx, s.ID)
	got, _ := st.GetSession(ctx, s.ID)
	if got.ActiveCode != cs.Code {
		t.Fatalf("teacher sees %q, store has %q", cs.Code, got.ActiveCode)
	}

	// завершение с другого процесса: ротатор владельца останавливается сам
	if _, err := b.End(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	rot := a.rotators[s.ID]
	before, _ := st.counts()
	for i := 0; i < 5; i++ {
		clk.Advance(45 * time.Second)
		_ = rot.Tick(ctx)
	}
	after, _ := st.counts()
	if after-before != 1 {
		t.Fatalf("write attempts after end = %d, want 1", after-before)
	}
	if !rot.Stopped() {
		t.Fatal("rotator still running after end")
	}
	if _, err := a.Code(ctx, s.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("code of ended session: %v", err)
	}
}

func TestManager_TakeoverAfterLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t)
	clk := newClock()
	mem.SetClock(clk.Now)
	st := &flakyStore{Memory: mem}

	a := newManager(t, st, nil, clk)
	b := newManager(t, st, nil, clk)
	s, _ := a.Create(ctx, NewSession{ClassName: "Chem"})
	if _, err := a.Start(ctx, s.ID, false, nil); err != nil {
		t.Fatal(err)
	}
	rotA := a.rotators[s.ID]

	// процесс A завис и не продлевает аренду
	clk.Advance(DefaultLeaseTTL + time.Second)
	n, err := b.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("takeover: n=%d err=%v", n, err)
	}
	csB, err := b.Code(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}

	// A просыпается: запись отклонена, ротатор останавливается, код B не тронут
	if _, err := rotA.ForceRotate(ctx); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("stale owner rotated: %v", err)
	}
	if !rotA.Stopped() {
		t.Fatal("stale rotator keeps running")
	}
	got, _ := st.GetSession(ctx, s.ID)
	if got.ActiveCode != csB.Code {
		t.Fatalf("store %q, new owner %q", got.ActiveCode, csB.Code)
	}
	if _, err := a.Code(ctx, s.ID); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("old owner still serves the code: %v", err)
	}
}

func TestKeyLock_SerializesAndCleansUp(t *testing.T) {
	l := newKeyLock()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.lock("s1")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("%d holders at once", maxSeen)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("entries left: %d", n)
	}
}
