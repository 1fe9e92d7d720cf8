package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"catalog/api/internal/auth"
	"catalog/api/internal/blob"
	"catalog/api/internal/catalog"
	"catalog/api/internal/config"
	"catalog/api/internal/rbac"
	"catalog/api/internal/store"
)

const testSecret = "test-secret"

func testConfig() config.Config {
	return config.Config{
		Env:           "test",
		JWTSecret:     testSecret,
		GridPageSize:  9,
		ListPageSize:  10,
		FallbackLimit: 500,
		Locale:        "en",
	}
}

// seedCatalog writes a small catalog:
//
//	safety  (public)            helmets, gloves (download: foreman), payroll (view: accountant)
//	finance (admin, accountant) budget
func seedCatalog(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	must(mem.PutCategory(ctx, catalog.Category{ID: "cat-safety", NameKey: "categories.safety"}))
	must(mem.PutCategory(ctx, catalog.Category{ID: "cat-finance", NameKey: "finance", ViewPermissions: rbac.NewRoleSet(rbac.RoleAdmin, rbac.RoleAccountant)}))
	must(mem.PutTag(ctx, catalog.Tag{ID: "tag-ppe", Name: "PPE", Color: "#ff0000"}))
	must(mem.PutTag(ctx, catalog.Tag{ID: "tag-money", Name: "Money"}))

	docs := map[string]map[string]any{
		"helmets": {"title": "Helmets", "categoryKey": "safety", "tagIds": []any{"tag-ppe"}},
		"gloves":  {"title": "Gloves", "categoryKey": "categories.safety", "tagIds": []any{"tag-ppe"}, "downloadPermissions": []any{"foreman"}},
		"payroll": {"title": "Payroll", "categoryKey": "safety", "viewPermissions": []any{"accountant"}},
		"budget":  {"title": "Budget", "categoryKey": "finance", "tagIds": []any{"tag-money"}},
	}
	for id, fields := range docs {
		must(mem.CreateOrReplace(ctx, id, fields))
	}
}

type testEnv struct {
	svc    *Service
	mem    *store.Memory
	blobs  *blob.Memory
	server *HTTPServer
}

func newTestEnv(t *testing.T, roles RoleSource) *testEnv {
	t.Helper()
	mem := store.NewMemory(store.WithCompoundIndex(store.OrderUpdatedAt))
	seedCatalog(t, mem)
	blobs := blob.NewMemory()

	svc := New(testConfig(), Deps{Store: mem, Blobs: blobs, Roles: roles})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() {
		svc.Close()
		mem.Close()
	})
	waitFor(t, "initial snapshot", func() bool { return svc.shared.Index().Snapshot().Len() == 4 })

	return &testEnv{svc: svc, mem: mem, blobs: blobs, server: NewHTTPServer(svc, "*", nil)}
}

func tokenFor(t *testing.T, userID string, role rbac.Role) string {
	t.Helper()
	token, _, err := auth.Issue([]byte(testSecret), userID, userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return out
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%s", want, rr.Code, rr.Body.String())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// pageBody is the JSON shape shared by catalog and view responses.
type pageBody struct {
	ViewID string `json:"viewId"`
	Items  []struct {
		ID          string `json:"id"`
		Title       string `json:"displayTitle"`
		Locked      bool   `json:"locked"`
		CanDownload bool   `json:"canDownload"`
	} `json:"items"`
	TotalCount int `json:"totalCount"`
	TotalPages int `json:"totalPages"`
	Page       int `json:"page"`
	State      struct {
		Categories []string `json:"categories"`
		Tags       []string `json:"tags"`
		Sort       string   `json:"sort"`
		View       string   `json:"view"`
	} `json:"state"`
	Feed struct {
		Phase string `json:"phase"`
	} `json:"feed"`
}

func (p pageBody) titles() []string {
	out := make([]string, 0, len(p.Items))
	for _, item := range p.Items {
		out = append(out, item.Title)
	}
	return out
}
