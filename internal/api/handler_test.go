package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kartikbazzad/bundir/internal/auth"
	"github.com/kartikbazzad/bundir/internal/directory"
	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/internal/tenant"
)

const (
	testWS        = "acme-fitness"
	testPrincipal = "user-1"
)

func newTestServer(t *testing.T, mem *store.Memory) *httptest.Server {
	t.Helper()
	session, err := tenant.NewSession(16)
	if err != nil {
		t.Fatal(err)
	}
	resolver := tenant.NewResolver(tenant.NewIndexReader(mem), session, testWS)
	dirs, err := directory.NewService(mem)
	if err != nil {
		t.Fatal(err)
	}
	handler := NewHandler(resolver, session, dirs, mem, 0, 0)
	t.Cleanup(handler.Shutdown)
	t.Cleanup(dirs.Close)

	// Dev-mode auth: the principal travels in a header.
	srv := httptest.NewServer(auth.Middleware(nil)(handler))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Principal-Id", testPrincipal)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, out
}

func seedClient(mem *store.Memory, id string, data map[string]any) {
	mem.Seed(store.ClientPath(testWS, id), data)
}

func TestResolveSingleMembership(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.MembershipPath(testPrincipal), map[string]any{
		testWS: map[string]any{"role": "client", "joined_at": "2025-06-01T00:00:00Z"},
	})
	srv := newTestServer(t, mem)

	status, body := do(t, srv, http.MethodPost, "/v1/resolve", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["workspace_id"] != testWS || body["confirmed"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestResolveNeedsSelection(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.MembershipPath(testPrincipal), map[string]any{
		"acme-fitness": map[string]any{"role": "admin", "joined_at": "2025-06-01T00:00:00Z"},
		"beta-gym":     map[string]any{"role": "client", "joined_at": "2025-07-01T00:00:00Z"},
	})
	srv := newTestServer(t, mem)

	status, body := do(t, srv, http.MethodPost, "/v1/resolve", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["needs_selection"] != true {
		t.Fatalf("body = %v", body)
	}
	candidates := body["candidates"].([]any)
	if len(candidates) != 2 {
		t.Fatalf("candidates = %v", candidates)
	}

	status, body = do(t, srv, http.MethodPost, "/v1/select", `{"workspace_id":"beta-gym"}`)
	if status != http.StatusOK || body["workspace_id"] != "beta-gym" {
		t.Fatalf("select: %d %v", status, body)
	}
}

func TestSelectRequiresWorkspace(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())
	status, _ := do(t, srv, http.MethodPost, "/v1/select", `{}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
}

func TestDirectoryOpenAndList(t *testing.T) {
	mem := store.NewMemory()
	seedClient(mem, "c1", map[string]any{
		"name": "Ada", "email": "ada@example.com",
		"has_intake_form": true, "total_paid": 100.0,
		"expires_at": time.Now().Add(5 * 24 * time.Hour).Format(time.RFC3339),
	})
	seedClient(mem, "c2", map[string]any{
		"name": "Grace", "has_intake_form": false, "total_paid": 0.0,
		"is_deleted": true,
	})
	srv := newTestServer(t, mem)

	status, body := do(t, srv, http.MethodPost, "/v1/directory/open", `{"workspace_id":"acme-fitness"}`)
	if status != http.StatusOK {
		t.Fatalf("open: %d %v", status, body)
	}
	if body["roster_size"].(float64) != 2 {
		t.Fatalf("roster_size = %v", body["roster_size"])
	}

	status, body = do(t, srv, http.MethodGet, "/v1/directory/clients", "")
	if status != http.StatusOK {
		t.Fatalf("clients: %d", status)
	}
	clients := body["clients"].([]any)
	if len(clients) != 1 {
		t.Fatalf("default view must hide trashed: %v", clients)
	}

	status, body = do(t, srv, http.MethodGet, "/v1/directory/clients?mode=trash", "")
	if status != http.StatusOK || len(body["clients"].([]any)) != 1 {
		t.Fatalf("trash view: %d %v", status, body)
	}

	status, body = do(t, srv, http.MethodGet, "/v1/directory/stats", "")
	if status != http.StatusOK {
		t.Fatalf("stats: %d", status)
	}
	if body["total"].(float64) != 1 || body["expiring"].(float64) != 1 {
		t.Fatalf("stats = %v", body)
	}
}

func TestClientsWithoutOpenSession(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())
	status, _ := do(t, srv, http.MethodGet, "/v1/directory/clients", "")
	if status != http.StatusNotFound {
		t.Fatalf("status = %d", status)
	}
}

func TestLifecycleRoundTrip(t *testing.T) {
	mem := store.NewMemory()
	seedClient(mem, "c1", map[string]any{
		"name": "Ada", "has_intake_form": true, "total_paid": 100.0,
	})
	srv := newTestServer(t, mem)

	if status, body := do(t, srv, http.MethodPost, "/v1/directory/open", `{"workspace_id":"acme-fitness"}`); status != http.StatusOK {
		t.Fatalf("open: %d %v", status, body)
	}

	// Purge before trashing is a state conflict.
	status, _ := do(t, srv, http.MethodPost, "/v1/directory/clients/c1/purge", "")
	if status != http.StatusConflict {
		t.Fatalf("premature purge: %d", status)
	}

	for _, op := range []string{"delete", "restore", "archive", "unarchive"} {
		status, body := do(t, srv, http.MethodPost, "/v1/directory/clients/c1/"+op, "")
		if status != http.StatusOK {
			t.Fatalf("%s: %d %v", op, status, body)
		}
	}

	status, _ = do(t, srv, http.MethodPost, "/v1/directory/clients/ghost/delete", "")
	if status != http.StatusNotFound {
		t.Fatalf("ghost delete: %d", status)
	}
}

// countingStore tracks live subscriptions so leaks are observable.
type countingStore struct {
	*store.Memory
	active atomic.Int64
}

func (c *countingStore) Subscribe(ctx context.Context, path string, fn store.SnapshotFunc, errFn store.ErrorFunc) (store.UnsubscribeFunc, error) {
	unsub, err := c.Memory.Subscribe(ctx, path, fn, errFn)
	if err != nil {
		return nil, err
	}
	c.active.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.active.Add(-1) })
		unsub()
	}, nil
}

// Concurrent opens for one principal must keep exactly one session and
// close every displaced subscription.
func TestConcurrentOpensDoNotLeakSessions(t *testing.T) {
	cs := &countingStore{Memory: store.NewMemory()}
	session, err := tenant.NewSession(16)
	if err != nil {
		t.Fatal(err)
	}
	resolver := tenant.NewResolver(tenant.NewIndexReader(cs), session, testWS)
	dirs, err := directory.NewService(cs)
	if err != nil {
		t.Fatal(err)
	}
	handler := NewHandler(resolver, session, dirs, cs, 0, 0)
	t.Cleanup(handler.Shutdown)
	t.Cleanup(dirs.Close)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/directory/open",
				strings.NewReader(`{"workspace_id":"acme-fitness"}`))
			req = req.WithContext(auth.WithPrincipal(req.Context(), testPrincipal))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("open: %d", rec.Code)
			}
		}()
	}
	wg.Wait()

	if got := cs.active.Load(); got != 1 {
		t.Fatalf("live subscriptions = %d, want 1", got)
	}
	if _, ok := handler.lookup(testPrincipal); !ok {
		t.Fatal("no surviving session")
	}
	handler.Shutdown()
	if got := cs.active.Load(); got != 0 {
		t.Fatalf("subscriptions after shutdown = %d", got)
	}
}

func TestSessionEndForgetsHint(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.MembershipPath(testPrincipal), map[string]any{
		testWS: map[string]any{"role": "client", "joined_at": "2025-06-01T00:00:00Z"},
	})
	srv := newTestServer(t, mem)

	if status, _ := do(t, srv, http.MethodPost, "/v1/resolve", ""); status != http.StatusOK {
		t.Fatal("resolve failed")
	}
	if status, _ := do(t, srv, http.MethodPost, "/v1/session/end", ""); status != http.StatusOK {
		t.Fatal("session end failed")
	}
	// Membership gone and hint dropped: resolution degrades to the
	// unconfirmed platform default.
	if err := mem.DeleteDocument(context.Background(), store.MembershipPath(testPrincipal)); err != nil {
		t.Fatal(err)
	}
	status, body := do(t, srv, http.MethodPost, "/v1/resolve", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["confirmed"] == true {
		t.Fatalf("fallback must be unconfirmed: %v", body)
	}
}

func TestMissingPrincipalRejected(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())
	resp, err := http.Post(srv.URL+"/v1/resolve", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, store.NewMemory())
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
