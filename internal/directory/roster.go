package directory

import (
	"sync"
)

// Roster is the single shared copy of a workspace's client records.
// Only the change-feed adapter replaces it wholesale; the enrichment
// scheduler and lifecycle manager apply id-keyed merges that are no-ops
// when the record no longer exists. Replace bumps the generation so
// merges scheduled against an older snapshot are rejected.
type Roster struct {
	mu         sync.RWMutex
	records    map[string]*ClientRecord
	generation uint64
	version    uint64
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{records: make(map[string]*ClientRecord)}
}

// Replace swaps in a full snapshot and returns the new generation.
func (r *Roster) Replace(records []ClientRecord) uint64 {
	next := make(map[string]*ClientRecord, len(records))
	for i := range records {
		rec := records[i]
		next[rec.ID] = &rec
	}
	r.mu.Lock()
	r.records = next
	r.generation++
	r.version++
	gen := r.generation
	r.mu.Unlock()
	return gen
}

// Invalidate bumps the generation without touching the records, so any
// in-flight merges from the current session are abandoned. Used on
// teardown.
func (r *Roster) Invalidate() {
	r.mu.Lock()
	r.generation++
	r.mu.Unlock()
}

// Generation returns the current snapshot generation.
func (r *Roster) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// Version is bumped on every change, including field-level merges.
// The view uses it to memoize projections.
func (r *Roster) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Len returns the number of records, trashed included.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Get returns a copy of one record.
func (r *Roster) Get(id string) (ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return ClientRecord{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of all records in unspecified order.
func (r *Roster) Snapshot() []ClientRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// MergeEnrichment merges resolved derived fields for one record.
// A nil pointer skips that field (its read failed and the provisional
// value stands). The merge is rejected when the generation is stale or
// the record no longer exists. TotalPaid never decreases below the
// value already held.
func (r *Roster) MergeEnrichment(gen uint64, id string, intake *bool, total *float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return false
	}
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	if intake != nil {
		rec.HasIntakeForm = *intake
		rec.IntakeKnown = true
	}
	if total != nil {
		if *total > rec.TotalPaid {
			rec.TotalPaid = *total
		}
		rec.TotalPaidAuthoritative = true
	}
	r.version++
	return true
}

// Mutate applies fn to one record under the lock and returns a copy of
// the prior state plus the generation it belongs to, for rollback.
// No-op when the record is absent.
func (r *Roster) Mutate(id string, fn func(*ClientRecord)) (ClientRecord, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return ClientRecord{}, 0, false
	}
	prior := *rec
	fn(rec)
	r.version++
	return prior, r.generation, true
}

// RestoreIfPresent overwrites a record with its prior state, used to
// roll back an optimistic lifecycle transition after a remote failure.
// Rejected when the generation is stale (a fresh snapshot already holds
// the remote truth) or the record has been removed in the meantime.
func (r *Roster) RestoreIfPresent(gen uint64, prior ClientRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.generation {
		return false
	}
	if _, ok := r.records[prior.ID]; !ok {
		return false
	}
	cp := prior
	r.records[prior.ID] = &cp
	r.version++
	return true
}

// Remove deletes a record from the roster (purge).
func (r *Roster) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return false
	}
	delete(r.records, id)
	r.version++
	return true
}
