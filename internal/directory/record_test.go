package directory

import (
	"testing"
	"time"

	"github.com/kartikbazzad/bundir/internal/store"
)

func TestNormalizeProvisionalTotal(t *testing.T) {
	// Scenario C: paid ledger flags only, no authoritative field.
	rec := Normalize(store.Document{ID: "c1", Data: map[string]any{
		"name": "Ada",
		"ledger": []any{
			map[string]any{"amount": 100.0, "paid": true},
			map[string]any{"amount": 50.0, "paid": false},
		},
	}})
	if rec.TotalPaid != 100 {
		t.Fatalf("TotalPaid = %v, want 100", rec.TotalPaid)
	}
	if rec.TotalPaidAuthoritative {
		t.Fatal("provisional total must not be authoritative")
	}
	if !rec.NeedsEnrichment() {
		t.Fatal("record must be flagged for enrichment")
	}
}

func TestNormalizeLegacyPaymentsWins(t *testing.T) {
	rec := Normalize(store.Document{ID: "c1", Data: map[string]any{
		"ledger": []any{
			map[string]any{"amount": 30.0, "paid": true},
		},
		"payments": []any{
			map[string]any{"amount": 60.0},
			map[string]any{"amount": 25.0},
		},
	}})
	// max of the two legacy-compatible sources, never their sum.
	if rec.TotalPaid != 85 {
		t.Fatalf("TotalPaid = %v, want 85", rec.TotalPaid)
	}
}

func TestNormalizeAuthoritativeTotal(t *testing.T) {
	rec := Normalize(store.Document{ID: "c1", Data: map[string]any{
		"total_paid": 140.0,
		"ledger": []any{
			map[string]any{"amount": 100.0, "paid": true},
		},
	}})
	if rec.TotalPaid != 140 || !rec.TotalPaidAuthoritative {
		t.Fatalf("got %v authoritative=%v", rec.TotalPaid, rec.TotalPaidAuthoritative)
	}
}

func TestNormalizeIntakeFlag(t *testing.T) {
	known := Normalize(store.Document{ID: "c1", Data: map[string]any{
		"has_intake_form": true,
		"total_paid":      0.0,
	}})
	if !known.IntakeKnown || !known.HasIntakeForm {
		t.Fatalf("got %+v", known)
	}
	if known.NeedsEnrichment() {
		t.Fatal("fully resolved record must not be flagged")
	}

	unknown := Normalize(store.Document{ID: "c2", Data: map[string]any{}})
	if unknown.IntakeKnown {
		t.Fatal("absent intake field must stay unknown")
	}
	if !unknown.NeedsEnrichment() {
		t.Fatal("record with unknown intake must be flagged")
	}
}

func TestNormalizeStateInference(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want State
	}{
		{"plain", map[string]any{}, StateActive},
		{"archived flag", map[string]any{"is_archived": true}, StateArchived},
		{"deleted flag", map[string]any{"is_deleted": true}, StateTrashed},
		{"deleted dominates archived", map[string]any{"is_deleted": true, "is_archived": true}, StateTrashed},
		{"explicit state", map[string]any{"state": "archived"}, StateArchived},
		{"bogus state falls back to flags", map[string]any{"state": "limbo", "is_archived": true}, StateArchived},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := inferState(c.data); got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestNormalizeTimestamps(t *testing.T) {
	expiry := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	rec := Normalize(store.Document{ID: "c1", Data: map[string]any{
		"expires_at": expiry.Format(time.RFC3339),
		"created_at": expiry, // native time from the memory store
		"deleted_at": expiry.Format(time.RFC3339),
	}})
	if !rec.ExpiresAt.Equal(expiry) {
		t.Fatalf("ExpiresAt = %v", rec.ExpiresAt)
	}
	if !rec.CreatedAt.Equal(expiry) {
		t.Fatalf("CreatedAt = %v", rec.CreatedAt)
	}
	if rec.DeletedAt == nil || !rec.DeletedAt.Equal(expiry) {
		t.Fatalf("DeletedAt = %v", rec.DeletedAt)
	}
}
