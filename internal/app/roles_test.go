package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"catalog/api/internal/rbac"
	"catalog/api/internal/session"
)

func newRoleStore(t *testing.T) *session.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	roles := session.NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = roles.Close() })
	return roles
}

func TestRoleSourceOverridesTokenRole(t *testing.T) {
	roles := newRoleStore(t)
	env := newTestEnv(t, roles)

	if err := roles.SetRole(context.Background(), "u1", rbac.RoleAccountant); err != nil {
		t.Fatalf("set role: %v", err)
	}

	sess, err := env.svc.SessionFromToken(context.Background(), tokenFor(t, "u1", rbac.RoleGuest))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Role != rbac.RoleAccountant {
		t.Fatalf("expected accountant from the role store, got %s", sess.Role)
	}

	sess, err = env.svc.SessionFromToken(context.Background(), tokenFor(t, "u2", rbac.RoleForeman))
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Role != rbac.RoleForeman {
		t.Fatalf("expected token role without an assignment, got %s", sess.Role)
	}
}

func TestRoleChangeResetsViews(t *testing.T) {
	roles := newRoleStore(t)
	env := newTestEnv(t, roles)
	ctx := context.Background()

	if err := roles.SetRole(ctx, "u1", rbac.RoleAccountant); err != nil {
		t.Fatalf("set role: %v", err)
	}
	user := tokenFor(t, "u1", rbac.RoleGuest)
	admin := tokenFor(t, "admin", rbac.RoleAdmin)

	rr := env.do(t, http.MethodPost, "/api/catalog/state", user,
		`{"actions":[{"kind":"toggle_category","value":"finance"},{"kind":"set_view","value":"list"}]}`)
	expectStatus(t, rr, http.StatusOK)
	created := decode[pageBody](t, rr)
	if len(created.State.Categories) != 1 {
		t.Fatalf("expected finance selected, got %v", created.State.Categories)
	}

	rr = env.do(t, http.MethodPut, "/api/users/u1/role", admin, `{"role":"worker"}`)
	expectStatus(t, rr, http.StatusOK)

	waitFor(t, "view reconciled", func() bool {
		v, ok := env.svc.views.get("u1", created.ViewID)
		if !ok {
			return false
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.role == rbac.RoleWorker
	})

	rr = env.do(t, http.MethodGet, "/api/views/"+created.ViewID, user, "")
	expectStatus(t, rr, http.StatusOK)
	view := decode[pageBody](t, rr)
	if len(view.State.Categories) != 0 {
		t.Fatalf("expected selections cleared, got %v", view.State.Categories)
	}
	if view.State.View != "list" {
		t.Fatalf("expected layout kept, got %s", view.State.View)
	}
}

func TestReadyChecksRoleStore(t *testing.T) {
	roles := newRoleStore(t)
	env := newTestEnv(t, roles)

	rr := env.do(t, http.MethodGet, "/api/ready", "", "")
	expectStatus(t, rr, http.StatusOK)
}
