package ctxutil

import (
	"context"
	"testing"
	"time"

	"github.com/Spok95/adsum/internal/models"
)

func TestIdentityRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserID(ctx); ok {
		t.Fatal("empty context must not carry a user")
	}
	ctx = WithUserID(ctx, "u-1")
	ctx = WithRole(ctx, models.Teacher)
	ctx = WithOp(ctx, "submit")

	if id, ok := UserID(ctx); !ok || id != "u-1" {
		t.Fatalf("user = %q %v", id, ok)
	}
	if r, ok := Role(ctx); !ok || r != models.Teacher {
		t.Fatalf("role = %q %v", r, ok)
	}
	if op, ok := Op(ctx); !ok || op != "submit" {
		t.Fatalf("op = %q %v", op, ok)
	}
	if _, ok := UserID(WithUserID(context.Background(), "")); ok {
		t.Fatal("blank user id must be treated as missing")
	}
}

func TestWithDBTimeout_KeepsShorterParentDeadline(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ctx, c2 := WithDBTimeout(parent)
	defer c2()
	dl, ok := ctx.Deadline()
	if !ok || time.Until(dl) > 200*time.Millisecond {
		t.Fatalf("deadline not inherited: %v", dl)
	}

	ctx, c3 := WithDBTimeout(context.Background())
	defer c3()
	dl, _ = ctx.Deadline()
	if time.Until(dl) > DefaultDBTimeout || time.Until(dl) < DefaultDBTimeout-time.Second {
		t.Fatalf("default deadline wrong: %v", time.Until(dl))
	}
}

func TestWithTimeout_ZeroMeansNoDeadline(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Fatal("expected no deadline")
	}
}
