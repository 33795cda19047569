// Package directory maintains the live, normalized in-memory roster of
// one workspace's client records: change-feed adapter, record
// normalizer, single-writer roster and the filter/sort view over it.
package directory

import (
	"time"

	"github.com/kartikbazzad/bundir/internal/store"
)

// State is the lifecycle state of a client record.
type State string

const (
	StateActive   State = "active"
	StateArchived State = "archived"
	StateTrashed  State = "trashed"
)

// LedgerEntry is one embedded installment of a client's payment plan.
type LedgerEntry struct {
	Amount float64 `json:"amount"`
	Paid   bool    `json:"paid"`
}

// ClientRecord is the canonical shape of one customer entity.
// TotalPaid is authoritative only when TotalPaidAuthoritative is set;
// otherwise it is a provisional lower bound computed from embedded
// fields, never an overestimate. HasIntakeForm is meaningful only when
// IntakeKnown is set.
type ClientRecord struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Phone      string     `json:"phone,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at,omitempty"`
	StartDate  time.Time  `json:"start_date,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	State      State      `json:"state"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`

	HasIntakeForm bool `json:"has_intake_form"`
	IntakeKnown   bool `json:"intake_known"`

	TotalPaid              float64 `json:"total_paid"`
	TotalPaidAuthoritative bool    `json:"total_paid_authoritative"`

	Ledger []LedgerEntry `json:"ledger,omitempty"`
}

// NeedsEnrichment reports whether background repair is still pending
// for either derived field.
func (c *ClientRecord) NeedsEnrichment() bool {
	return !c.IntakeKnown || !c.TotalPaidAuthoritative
}

// PaidLedgerSum returns the sum of paid embedded installments.
func (c *ClientRecord) PaidLedgerSum() float64 {
	var sum float64
	for _, e := range c.Ledger {
		if e.Paid {
			sum += e.Amount
		}
	}
	return sum
}

// Normalize maps one raw store document into the canonical record.
func Normalize(doc store.Document) ClientRecord {
	data := doc.Data
	rec := ClientRecord{
		ID:        doc.ID,
		Name:      asString(data["name"]),
		Email:     asString(data["email"]),
		Phone:     asString(data["phone"]),
		ExpiresAt: asTime(data["expires_at"]),
		StartDate: asTime(data["start_date"]),
		CreatedAt: asTime(data["created_at"]),
	}

	rec.Ledger = parseLedger(data["ledger"])
	rec.State = inferState(data)
	if t := asTime(data["deleted_at"]); !t.IsZero() {
		rec.DeletedAt = &t
	}
	if t := asTime(data["archived_at"]); !t.IsZero() {
		rec.ArchivedAt = &t
	}

	// Intake flag: trust the denormalized field when present, otherwise
	// leave it for background enrichment.
	if v, ok := data["has_intake_form"].(bool); ok {
		rec.HasIntakeForm = v
		rec.IntakeKnown = true
	}

	// Payment total: best-effort provisional from the two
	// legacy-compatible embedded sources; an authoritative precomputed
	// field short-circuits enrichment.
	provisional := rec.PaidLedgerSum()
	if legacy := sumLegacyPayments(data["payments"]); legacy > provisional {
		provisional = legacy
	}
	if v, ok := asFloat(data["total_paid"]); ok {
		rec.TotalPaid = v
		rec.TotalPaidAuthoritative = true
	} else {
		rec.TotalPaid = provisional
	}

	return rec
}

// inferState derives the lifecycle state. Records written before the
// state field existed carry boolean flags instead; deletion dominates
// archival when both are set.
func inferState(data map[string]any) State {
	if s, ok := data["state"].(string); ok {
		switch State(s) {
		case StateActive, StateArchived, StateTrashed:
			return State(s)
		}
	}
	deleted, _ := data["is_deleted"].(bool)
	if deleted {
		return StateTrashed
	}
	archived, _ := data["is_archived"].(bool)
	if archived {
		return StateArchived
	}
	return StateActive
}

func parseLedger(v any) []LedgerEntry {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]LedgerEntry, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		amount, _ := asFloat(m["amount"])
		paid, _ := m["paid"].(bool)
		out = append(out, LedgerEntry{Amount: amount, Paid: paid})
	}
	return out
}

// sumLegacyPayments totals the flat legacy payments array some older
// records still embed.
func sumLegacyPayments(v any) float64 {
	raw, ok := v.([]any)
	if !ok {
		return 0
	}
	var sum float64
	for _, e := range raw {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if amount, ok := asFloat(m["amount"]); ok {
			sum += amount
		}
	}
	return sum
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}
