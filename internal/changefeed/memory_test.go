package changefeed

import (
	"context"
	"testing"
	"time"
)

func TestMemory_DeliversMatchingChanges(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	got := make(chan Change, 4)
	unsub, err := m.Subscribe(ctx, TableAttendance, BySession("s1"), func(c Change) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	_ = m.Publish(ctx, Change{Table: TableAttendance, Op: OpInsert, SessionID: "s2", StudentID: "a"})
	_ = m.Publish(ctx, Change{Table: TableSessions, Op: OpUpdate, SessionID: "s1"})
	_ = m.Publish(ctx, Change{Table: TableAttendance, Op: OpDelete, SessionID: "s1", StudentID: "b"})

	select {
	case c := <-got:
		if c.Op != OpDelete || c.StudentID != "b" || c.At.IsZero() {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("change not delivered")
	}
	select {
	case c := <-got:
		t.Fatalf("filtered change leaked: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	got := make(chan Change, 1)
	unsub, err := m.Subscribe(ctx, TableAttendance, Filter{}, func(c Change) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	unsub()

	_ = m.Publish(ctx, Change{Table: TableAttendance, Op: OpInsert, SessionID: "s1"})
	select {
	case c := <-got:
		t.Fatalf("delivered after unsubscribe: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_ClosedRejects(t *testing.T) {
	m := NewMemory()
	unsub, err := m.Subscribe(context.Background(), TableAttendance, Filter{}, func(Change) {})
	if err != nil {
		t.Fatal(err)
	}
	_ = m.Close()
	unsub()
	if err := m.Publish(context.Background(), Change{Table: TableAttendance}); err != ErrClosed {
		t.Fatalf("publish after close: %v", err)
	}
	if _, err := m.Subscribe(context.Background(), TableAttendance, Filter{}, func(Change) {}); err != ErrClosed {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := Change{Table: TableAttendance, Op: OpInsert, SessionID: "s", StudentID: "u", At: time.Unix(100, 0).UTC()}
	s, err := encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decode(s)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v want %+v", out, in)
	}
}
