//go:build testutil
// +build testutil

package db_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/db"
	"github.com/Spok95/adsum/internal/geo"
	"github.com/Spok95/adsum/internal/models"
	"github.com/Spok95/adsum/internal/store"
	"github.com/Spok95/adsum/internal/testutil/testdb"
)

type fixture struct {
	h    *testdb.DBHandle
	pool *pgxpool.Pool
	st   *db.Store
	feed changefeed.Feed
}

func start(t *testing.T, feed func(*pgxpool.Pool) changefeed.Feed) *fixture {
	t.Helper()
	ctx := context.Background()
	h, err := testdb.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := db.Open(ctx, h.DSN)
	if err != nil {
		h.Close()
		t.Fatal(err)
	}
	f := feed(pool)
	t.Cleanup(func() {
		_ = f.Close()
		pool.Close()
		h.Close()
	})
	return &fixture{h: h, pool: pool, st: db.New(pool, f, nil), feed: f}
}

func memoryFeed(*pgxpool.Pool) changefeed.Feed { return changefeed.NewMemory() }

func mustUser(t *testing.T, st *db.Store, name string, role models.Role) string {
	t.Helper()
	id, err := st.UpsertUser(context.Background(), models.User{FullName: name, Role: role})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func mustSession(t *testing.T, st *db.Store, teacherID string) *models.Session {
	t.Helper()
	s, err := st.CreateSession(context.Background(), models.Session{
		TeacherID: teacherID, ClassName: "Физика", Room: "101",
		Anchor: &geo.Point{Lat: 55.75, Lon: 37.61}, ActiveCode: "4821",
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func goLive(t *testing.T, st *db.Store, id string) {
	t.Helper()
	live, on, now := models.StatusLive, true, time.Now()
	if err := st.UpdateSession(context.Background(), id, models.SessionPatch{
		Status: &live, IsActive: &on, StartedAt: &now,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := start(t, memoryFeed)
	ctx := context.Background()

	teacher := mustUser(t, f.st, "Иванов И.И.", models.Teacher)
	s := mustSession(t, f.st, teacher)
	if s.Status != models.StatusDraft || s.GeofenceMode != models.GeofenceLocked {
		t.Fatalf("defaults: %+v", s)
	}
	if s.Anchor == nil || s.Anchor.Lat != 55.75 {
		t.Fatalf("anchor: %+v", s.Anchor)
	}

	goLive(t, f.st, s.ID)
	code := "7310"
	if err := f.st.UpdateSession(ctx, s.ID, models.SessionPatch{ActiveCode: &code}); err != nil {
		t.Fatal(err)
	}
	live, err := f.st.ListLiveSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].ActiveCode != "7310" {
		t.Fatalf("live sessions: %+v", live)
	}

	ended, off, now := models.StatusEnded, false, time.Now()
	if err := f.st.UpdateSession(ctx, s.ID, models.SessionPatch{Status: &ended, IsActive: &off, EndedAt: &now}); err != nil {
		t.Fatal(err)
	}
	// завершённую сессию больше не меняем
	code = "1111"
	err = f.st.UpdateSession(ctx, s.ID, models.SessionPatch{ActiveCode: &code})
	if !errors.Is(err, store.ErrSessionEnded) {
		t.Fatalf("want ErrSessionEnded, got %v", err)
	}

	_, err = f.st.GetSession(ctx, "00000000-0000-0000-0000-000000000000")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestInsertAttendance_ParallelSingleRow(t *testing.T) {
	f := start(t, memoryFeed)
	ctx := context.Background()

	s := mustSession(t, f.st, mustUser(t, f.st, "Учитель", models.Teacher))
	goLive(t, f.st, s.ID)
	student := mustUser(t, f.st, "Ученик", models.Student)

	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.st.InsertAttendanceIfAbsent(ctx, models.NewAttendance{
				SessionID: s.ID, StudentID: student, Method: models.MethodCode,
			})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	n, err := f.st.CountAttendance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestAttendanceBatchDeleteAndHistory(t *testing.T) {
	f := start(t, memoryFeed)
	ctx := context.Background()

	s := mustSession(t, f.st, mustUser(t, f.st, "Учитель", models.Teacher))
	goLive(t, f.st, s.ID)
	a := mustUser(t, f.st, "Алексеев", models.Student)
	b := mustUser(t, f.st, "Борисова", models.Student)

	if _, err := f.st.InsertAttendanceIfAbsent(ctx, models.NewAttendance{
		SessionID: s.ID, StudentID: a, Method: models.MethodBeaconAndGPS,
		LocationVerified: true, BluetoothVerified: true,
	}); err != nil {
		t.Fatal(err)
	}
	n, err := f.st.InsertAttendanceBatch(ctx, []models.NewAttendance{
		{SessionID: s.ID, StudentID: a, Method: models.MethodManual},
		{SessionID: s.ID, StudentID: b, Method: models.MethodManual},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("batch created %d, want 1", n)
	}

	rows, err := f.st.ListAttendance(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: %+v", rows)
	}
	for _, r := range rows {
		if r.StudentID == a && r.Method != models.MethodBeaconAndGPS {
			t.Fatalf("first record must survive the batch: %+v", r)
		}
	}

	hist, err := f.st.ListStudentAttendance(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].ClassName != "Физика" || hist[0].Room != "101" {
		t.Fatalf("history: %+v", hist)
	}

	removed, err := f.st.DeleteAttendance(ctx, s.ID, b)
	if err != nil || !removed {
		t.Fatalf("delete: %v %v", removed, err)
	}
	removed, err = f.st.DeleteAttendance(ctx, s.ID, b)
	if err != nil || removed {
		t.Fatalf("second delete: %v %v", removed, err)
	}

	_, err = f.st.InsertAttendanceIfAbsent(ctx, models.NewAttendance{
		SessionID: s.ID, StudentID: "00000000-0000-0000-0000-000000000000", Method: models.MethodCode,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown student: want ErrNotFound, got %v", err)
	}
}

func TestDirectoryAndSeed(t *testing.T) {
	f := start(t, memoryFeed)
	ctx := context.Background()

	sd := db.Seed{
		Users: []models.User{
			{ID: "11111111-1111-1111-1111-111111111111", FullName: "Яковлев", Role: models.Student},
			{ID: "22222222-2222-2222-2222-222222222222", FullName: "андреева", Role: models.Student},
			{ID: "33333333-3333-3333-3333-333333333333", FullName: "Учитель", Role: models.Teacher},
		},
		Classrooms: []models.Classroom{{RoomName: "101", Position: geo.Point{Lat: 1, Lon: 2}}},
	}
	if err := f.st.ApplySeed(ctx, sd); err != nil {
		t.Fatal(err)
	}
	// повторный сид не плодит дубликаты
	if err := f.st.ApplySeed(ctx, sd); err != nil {
		t.Fatal(err)
	}

	n, err := f.st.CountStudents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("students = %d", n)
	}
	list, err := f.st.ListStudents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if list[0].FullName != "андреева" {
		t.Fatalf("order: %+v", list)
	}

	c, err := f.st.GetClassroom(ctx, "101")
	if err != nil {
		t.Fatal(err)
	}
	if c.Position.Lat != 1 || c.Position.Lon != 2 {
		t.Fatalf("classroom: %+v", c)
	}
	if _, err := f.st.GetClassroom(ctx, "404"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresFeed_DeliversAttendanceChanges(t *testing.T) {
	f := start(t, func(p *pgxpool.Pool) changefeed.Feed { return changefeed.NewPostgres(p, nil) })
	ctx := context.Background()

	s := mustSession(t, f.st, mustUser(t, f.st, "Учитель", models.Teacher))
	goLive(t, f.st, s.ID)
	student := mustUser(t, f.st, "Ученик", models.Student)

	got := make(chan changefeed.Change, 4)
	unsub, err := f.st.SubscribeRowChanges(ctx, changefeed.TableAttendance, changefeed.BySession(s.ID),
		func(c changefeed.Change) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	// после возврата Subscribe LISTEN уже действует: одной вставки достаточно
	if _, err := f.st.InsertAttendanceIfAbsent(ctx, models.NewAttendance{
		SessionID: s.ID, StudentID: student, Method: models.MethodCode,
	}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.Op != changefeed.OpInsert || c.StudentID != student {
			t.Fatalf("change: %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("insert right after subscribe was not delivered")
	}

	_ = f.feed.Close()
	if _, err := f.feed.Subscribe(ctx, changefeed.TableAttendance, changefeed.Filter{}, func(changefeed.Change) {}); err == nil {
		t.Fatal("subscribe on closed feed succeeded")
	}
}

func TestSessionLeases(t *testing.T) {
	f := start(t, memoryFeed)
	ctx := context.Background()
	s := mustSession(t, f.st, mustUser(t, f.st, "Учитель", models.Teacher))
	goLive(t, f.st, s.ID)

	if err := f.st.ClaimSession(ctx, s.ID, "a", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.st.ClaimSession(ctx, s.ID, "a", time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := f.st.ClaimSession(ctx, s.ID, "b", time.Minute); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("foreign claim: %v", err)
	}
	if err := f.st.WriteCode(ctx, s.ID, "b", "1111", time.Minute); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("foreign write: %v", err)
	}
	if err := f.st.WriteCode(ctx, s.ID, "a", "2222", time.Minute); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	got, _ := f.st.GetSession(ctx, s.ID)
	if got.ActiveCode != "2222" {
		t.Fatalf("code = %q", got.ActiveCode)
	}

	// освободить может только владелец
	_ = f.st.ReleaseSession(ctx, s.ID, "b")
	if err := f.st.ClaimSession(ctx, s.ID, "b", time.Minute); !errors.Is(err, store.ErrNotOwner) {
		t.Fatalf("claim after foreign release: %v", err)
	}
	if err := f.st.ReleaseSession(ctx, s.ID, "a"); err != nil {
		t.Fatal(err)
	}
	if err := f.st.ClaimSession(ctx, s.ID, "b", time.Millisecond); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := f.st.ClaimSession(ctx, s.ID, "a", time.Minute); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}

	ended, off, now := models.StatusEnded, false, time.Now()
	if err := f.st.UpdateSession(ctx, s.ID, models.SessionPatch{Status: &ended, IsActive: &off, EndedAt: &now}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.WriteCode(ctx, s.ID, "a", "3333", time.Minute); !errors.Is(err, store.ErrSessionEnded) {
		t.Fatalf("write after end: %v", err)
	}
	if err := f.st.ClaimSession(ctx, s.ID, "a", time.Minute); !errors.Is(err, store.ErrSessionEnded) {
		t.Fatalf("claim after end: %v", err)
	}
	if err := f.st.ClaimSession(ctx, "00000000-0000-0000-0000-000000000000", "a", time.Minute); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("claim missing: %v", err)
	}
}
