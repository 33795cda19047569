package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kartikbazzad/bundir/internal/store"
)

const testWS = "acme-fitness"

func openTestSession(t *testing.T, mem *store.Memory, cb Callbacks) *Session {
	t.Helper()
	svc, err := NewService(mem)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	sess, err := svc.Open(context.Background(), testWS, cb)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func TestOpenAppliesInitialSnapshot(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.ClientPath(testWS, "c1"), map[string]any{
		"name":            "Ada",
		"has_intake_form": true,
		"total_paid":      100.0,
	})
	mem.Seed(store.ClientPath(testWS, "c2"), map[string]any{
		"name":            "Grace",
		"is_archived":     true,
		"has_intake_form": false,
		"total_paid":      0.0,
	})

	sess := openTestSession(t, mem, Callbacks{})
	if sess.Roster().Len() != 2 {
		t.Fatalf("roster size = %d", sess.Roster().Len())
	}
	rec, ok := sess.Roster().Get("c2")
	if !ok || rec.State != StateArchived {
		t.Fatalf("got %+v", rec)
	}
}

func TestSnapshotReplacesRoster(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.ClientPath(testWS, "c1"), map[string]any{
		"name": "Ada", "has_intake_form": true, "total_paid": 1.0,
	})

	updates := make(chan int, 8)
	sess := openTestSession(t, mem, Callbacks{
		OnRoster: func(size int) { updates <- size },
	})
	<-updates // initial snapshot

	mem.AddDocument(store.ClientsPath(testWS), map[string]any{
		"name": "Grace", "has_intake_form": false, "total_paid": 0.0,
	})
	select {
	case size := <-updates:
		if size != 2 {
			t.Fatalf("snapshot size = %d", size)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after mutation")
	}
	if sess.Roster().Len() != 2 {
		t.Fatalf("roster size = %d", sess.Roster().Len())
	}
}

// Scenario C end to end: provisional total is published immediately,
// the authoritative total arrives through background enrichment.
func TestEnrichmentUpdatesRoster(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.ClientPath(testWS, "c1"), map[string]any{
		"name":            "Ada",
		"has_intake_form": true,
		"ledger": []any{
			map[string]any{"amount": 100.0, "paid": true},
			map[string]any{"amount": 50.0, "paid": false},
		},
	})
	mem.Seed(store.PaymentsPath(testWS, "c1")+"/p1", map[string]any{"amount": 40.0})

	enriched := make(chan int, 8)
	sess := openTestSession(t, mem, Callbacks{
		OnEnriched: func(done int) { enriched <- done },
	})

	// Fast path first: the provisional lower bound.
	rec, _ := sess.Roster().Get("c1")
	if rec.TotalPaid != 100 || rec.TotalPaidAuthoritative {
		t.Fatalf("fast path: %+v", rec)
	}

	select {
	case <-enriched:
	case <-time.After(2 * time.Second):
		t.Fatal("enrichment did not settle")
	}
	rec, _ = sess.Roster().Get("c1")
	if rec.TotalPaid != 140 || !rec.TotalPaidAuthoritative {
		t.Fatalf("after enrichment: %+v", rec)
	}
}

func TestCloseAbandonsEnrichment(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.ClientPath(testWS, "c1"), map[string]any{
		"name": "Ada", // intake unknown, total unknown: flagged
	})

	sess := openTestSession(t, mem, Callbacks{})
	gen := sess.Roster().Generation()
	sess.Close()

	// A merge carrying the pre-teardown generation must be rejected.
	intake := true
	if sess.Roster().MergeEnrichment(gen, "c1", &intake, nil) {
		t.Fatal("post-teardown merge must not apply")
	}
}

// degradingFeed hands the adapter's error callback back to the test so
// a mid-stream transport failure can be injected.
type degradingFeed struct {
	*store.Memory
	errFn store.ErrorFunc
}

func (d *degradingFeed) Subscribe(ctx context.Context, path string, fn store.SnapshotFunc, errFn store.ErrorFunc) (store.UnsubscribeFunc, error) {
	d.errFn = errFn
	return d.Memory.Subscribe(ctx, path, fn, nil)
}

func TestFeedFailureReachesConsumer(t *testing.T) {
	feed := &degradingFeed{Memory: store.NewMemory()}
	feed.Seed(store.ClientPath(testWS, "c1"), map[string]any{
		"name": "Ada", "has_intake_form": true, "total_paid": 100.0,
	})

	feedErrs := make(chan error, 8)
	svc, err := NewService(feed)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	sess, err := svc.Open(context.Background(), testWS, Callbacks{
		OnError: func(err error) { feedErrs <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)

	feed.errFn(errors.New("connection reset"))
	select {
	case err := <-feedErrs:
		if err == nil {
			t.Fatal("nil feed error")
		}
	case <-time.After(time.Second):
		t.Fatal("feed failure not surfaced")
	}

	// The roster is frozen at the last good snapshot, not cleared.
	if sess.Roster().Len() != 1 {
		t.Fatalf("roster = %d", sess.Roster().Len())
	}
}

func TestSnapshotAfterCloseIsIgnored(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(store.ClientPath(testWS, "c1"), map[string]any{
		"name": "Ada", "has_intake_form": true, "total_paid": 1.0,
	})

	sess := openTestSession(t, mem, Callbacks{})
	sess.Close()
	version := sess.Roster().Version()

	mem.AddDocument(store.ClientsPath(testWS), map[string]any{"name": "Grace"})
	time.Sleep(50 * time.Millisecond)
	if sess.Roster().Version() != version {
		t.Fatal("closed session must not apply snapshots")
	}
}
