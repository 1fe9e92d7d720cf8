package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"catalog/api/internal/rbac"
)

func dialLive(t *testing.T, env *testEnv, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/catalog/live" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial live: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) liveEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event liveEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	return event
}

func TestLiveStreamsRevisions(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := dialLive(t, env, "")

	first := readEvent(t, conn)
	if first.Revision == 0 || first.State.Phase != "live" {
		t.Fatalf("unexpected first event: %+v", first)
	}

	rr := env.do(t, http.MethodPost, "/api/documents", tokenFor(t, "admin", rbac.RoleAdmin), `{"title":"Boots","categoryKey":"safety"}`)
	expectStatus(t, rr, http.StatusCreated)

	next := readEvent(t, conn)
	if next.Revision <= first.Revision {
		t.Fatalf("expected a newer revision than %d, got %d", first.Revision, next.Revision)
	}
}

func TestLiveFollowsView(t *testing.T) {
	env := newTestEnv(t, nil)
	token := tokenFor(t, "viewer", rbac.RoleWorker)

	viewID := decode[pageBody](t, env.do(t, http.MethodPost, "/api/catalog/state", token, `{"action":{"kind":"toggle_category","value":"safety"}}`)).ViewID
	conn := dialLive(t, env, "?view="+viewID+"&access_token="+token)

	event := readEvent(t, conn)
	if event.ViewID != viewID {
		t.Fatalf("expected view %s, got %+v", viewID, event)
	}
}

func TestLiveRejectsForeignView(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := tokenFor(t, "owner", rbac.RoleWorker)
	viewID := decode[pageBody](t, env.do(t, http.MethodPost, "/api/catalog/state", owner, `{}`)).ViewID

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/catalog/live?view=" + viewID
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}
