package app

import (
	"context"
	"testing"
	"time"

	"catalog/api/internal/query"
	"catalog/api/internal/rbac"
)

func TestReapClosesIdleViews(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := Session{UserID: "u1", Role: rbac.RoleWorker}

	idle, err := env.svc.ApplyView(ctx, sess, "", nil)
	if err != nil {
		t.Fatalf("create view: %v", err)
	}
	cutoff := time.Now().Add(time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	full := query.ModeFull
	fresh, err := env.svc.ApplyView(ctx, sess, "", &full, query.Action{Kind: query.ActionSetSearch, Value: "gloves"})
	if err != nil {
		t.Fatalf("create view: %v", err)
	}

	if n := env.svc.views.reap(cutoff); n != 1 {
		t.Fatalf("expected one idle view reaped, got %d", n)
	}
	if _, ok := env.svc.views.get("u1", idle.ViewID); ok {
		t.Fatal("idle view should be gone")
	}
	if _, ok := env.svc.views.get("u1", fresh.ViewID); !ok {
		t.Fatal("recent view should survive")
	}
}

func TestFailedActionDoesNotRegisterView(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.svc.ApplyView(context.Background(), GuestSession(), "", nil, query.Action{Kind: "nope"})
	if err == nil {
		t.Fatal("expected an invalid action error")
	}
	if n := env.svc.views.len(); n != 0 {
		t.Fatalf("expected no views, got %d", n)
	}
}
