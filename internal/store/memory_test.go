package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Spok95/adsum/internal/changefeed"
	"github.com/Spok95/adsum/internal/models"
)

func TestMemory_InsertIfAbsent_Parallel(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.InsertAttendanceIfAbsent(ctx, models.NewAttendance{SessionID: "s", StudentID: "st", Method: models.MethodCode})
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("first writer must win exactly once, created=%d", created)
	}
	if n, _ := m.CountAttendance(ctx, "s"); n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestMemory_EndedSessionIsImmutable(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	s, err := m.CreateSession(ctx, models.Session{ClassName: "Physics", Status: models.StatusLive, IsActive: true})
	if err != nil {
		t.Fatal(err)
	}
	ended := models.StatusEnded
	if err := m.UpdateSession(ctx, s.ID, models.SessionPatch{Status: &ended}); err != nil {
		t.Fatal(err)
	}
	code := "1234"
	if err := m.UpdateSession(ctx, s.ID, models.SessionPatch{ActiveCode: &code}); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
	if err := m.UpdateSession(ctx, "missing", models.SessionPatch{ActiveCode: &code}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemory_BatchAndDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, _ = m.InsertAttendanceIfAbsent(ctx, models.NewAttendance{SessionID: "s", StudentID: "a"})
	n, err := m.InsertAttendanceBatch(ctx, []models.NewAttendance{
		{SessionID: "s", StudentID: "a", Method: models.MethodManual},
		{SessionID: "s", StudentID: "b", Method: models.MethodManual},
		{SessionID: "s", StudentID: "c", Method: models.MethodManual},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("new rows = %d, want 2", n)
	}

	removed, _ := m.DeleteAttendance(ctx, "s", "b")
	if !removed {
		t.Fatal("expected removal")
	}
	removed, err = m.DeleteAttendance(ctx, "s", "b")
	if err != nil || removed {
		t.Fatalf("second delete must be a no-op, removed=%v err=%v", removed, err)
	}
	if n, _ := m.CountAttendance(ctx, "s"); n != 2 {
		t.Fatalf("count = %d", n)
	}
}

func TestMemory_PublishesAttendanceChanges(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	got := make(chan changefeed.Change, 4)
	unsub, err := m.SubscribeRowChanges(ctx, changefeed.TableAttendance, changefeed.BySession("s"), func(c changefeed.Change) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	_, _ = m.InsertAttendanceIfAbsent(ctx, models.NewAttendance{SessionID: "s", StudentID: "a"})
	_, _ = m.InsertAttendanceIfAbsent(ctx, models.NewAttendance{SessionID: "s", StudentID: "a"})
	_, _ = m.DeleteAttendance(ctx, "s", "a")

	want := []changefeed.Op{changefeed.OpInsert, changefeed.OpDelete}
	for _, op := range want {
		select {
		case c := <-got:
			if c.Op != op {
				t.Fatalf("op = %s, want %s", c.Op, op)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", op)
		}
	}
	select {
	case c := <-got:
		t.Fatalf("duplicate insert must not publish: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_Directory(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.AddUser(models.User{ID: "1", FullName: "zoe", Role: models.Student})
	m.AddUser(models.User{ID: "2", FullName: "Adam", Role: models.Student})
	m.AddUser(models.User{ID: "3", FullName: "Teacher", Role: models.Teacher})

	if n, _ := m.CountStudents(ctx); n != 2 {
		t.Fatalf("students = %d", n)
	}
	list, _ := m.ListStudents(ctx)
	if len(list) != 2 || list[0].FullName != "Adam" {
		t.Fatalf("unexpected order %+v", list)
	}
	if _, err := m.GetClassroom(ctx, "B-101"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) || IsRetryable(ErrNotFound) || IsRetryable(ErrSessionEnded) || IsRetryable(ErrNotOwner) {
		t.Fatal("data errors are not retryable")
	}
	if IsRetryable(errors.New("unexpected")) {
		t.Fatal("unclassified errors are not retryable")
	}
	if !IsRetryable(fmt.Errorf("insert: %w", ErrUnavailable)) {
		t.Fatal("wrapped ErrUnavailable is retryable")
	}
}

func TestMemory_Leases(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()
	now := time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	s, _ := m.CreateSession(ctx, models.Session{ClassName: "Физика", ActiveCode: "4821", Status: models.StatusLive, IsActive: true})

	if err := m.ClaimSession(ctx, s.ID, "a", 30*time.Second); err != nil {
		t.Fatal(err)
	}
	// повторный захват своим владельцем — продление
	if err := m.ClaimSession(ctx, s.ID, "a", 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := m.ClaimSession(ctx, s.ID, "b", 30*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("second owner: %v", err)
	}
	if err := m.WriteCode(ctx, s.ID, "b", "1234", 30*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign write: %v", err)
	}
	if err := m.WriteCode(ctx, s.ID, "a", "1234", 30*time.Second); err != nil {
		t.Fatal(err)
	}
	got, _ := m.GetSession(ctx, s.ID)
	if got.ActiveCode != "1234" {
		t.Fatalf("code = %q", got.ActiveCode)
	}

	// истёкшую аренду забирает другой процесс, старый владелец теряет запись
	now = now.Add(31 * time.Second)
	if err := m.ClaimSession(ctx, s.ID, "b", 30*time.Second); err != nil {
		t.Fatalf("expired lease: %v", err)
	}
	if err := m.WriteCode(ctx, s.ID, "a", "5678", 30*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("stale owner write: %v", err)
	}

	// чужой release ничего не снимает
	_ = m.ReleaseSession(ctx, s.ID, "a")
	if err := m.ClaimSession(ctx, s.ID, "a", 30*time.Second); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("release by non-owner freed the lease: %v", err)
	}
	if err := m.ReleaseSession(ctx, s.ID, "b"); err != nil {
		t.Fatal(err)
	}
	if err := m.ClaimSession(ctx, s.ID, "a", 30*time.Second); err != nil {
		t.Fatalf("claim after release: %v", err)
	}

	ended := models.StatusEnded
	_ = m.UpdateSession(ctx, s.ID, models.SessionPatch{Status: &ended})
	if err := m.WriteCode(ctx, s.ID, "a", "9999", 30*time.Second); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("write to ended: %v", err)
	}
	if err := m.ClaimSession(ctx, "missing", "a", time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing session: %v", err)
	}
}
