package directory

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Category filters records by derived path state.
type Category string

const (
	CategoryAll      Category = "all"
	CategoryActive   Category = "active"
	CategoryExpiring Category = "expiring"
	CategoryExpired  Category = "expired"
	CategoryNoForm   Category = "no-form"
	CategoryHasForm  Category = "has-form"
	CategoryRecent   Category = "recent"
)

// Mode selects which lifecycle slice of the roster is visible.
// Trashed records are excluded everywhere except the trash view.
type Mode string

const (
	ModeDefault  Mode = "default"  // active records only
	ModeArchived Mode = "archived" // archived records only
	ModeTrash    Mode = "trash"    // soft-deleted records
)

// SortField orders view entries.
type SortField string

const (
	SortByName   SortField = "name"
	SortByStart  SortField = "start_date"
	SortByExpiry SortField = "expiry"
	SortByIntake SortField = "intake"
)

// Filter is the user-chosen projection input.
type Filter struct {
	Query    string   `json:"query"`
	Category Category `json:"category"`
	Mode     Mode     `json:"mode"`
}

// Sort is the user-chosen ordering.
type Sort struct {
	Field      SortField `json:"field"`
	Descending bool      `json:"descending"`
}

// Entry is a read-only projection of one record with computed fields.
// Recomputed on access, never persisted.
type Entry struct {
	ClientRecord
	DaysToExpiry int  `json:"days_to_expiry"`
	IsAtRisk     bool `json:"is_at_risk"`
}

// Stats are the roster counters shown above the list. Trashed records
// never count.
type Stats struct {
	Total    int `json:"total"`
	Expiring int `json:"expiring"`
	Expired  int `json:"expired"`
}

// expiringWindowDays is the at-risk horizon for the expiring counter.
const expiringWindowDays = 15

// View is a pure, memoized projection over the roster plus the current
// filter and sort. Entries recomputes only when the roster version or
// an input changed.
type View struct {
	roster *Roster
	now    func() time.Time

	mu     sync.Mutex
	filter Filter
	sort   Sort

	cached        []Entry
	cachedVersion uint64
	cacheValid    bool

	cachedStats  Stats
	statsVersion uint64
	statsValid   bool
}

// NewView creates a view over the roster with the default projection:
// all active records sorted by start date descending.
func NewView(roster *Roster) *View {
	return &View{
		roster: roster,
		now:    time.Now,
		filter: Filter{Category: CategoryAll, Mode: ModeDefault},
		sort:   Sort{Field: SortByStart, Descending: true},
	}
}

// SetFilter replaces the filter. Synchronous and pure.
func (v *View) SetFilter(f Filter) {
	if f.Category == "" {
		f.Category = CategoryAll
	}
	if f.Mode == "" {
		f.Mode = ModeDefault
	}
	v.mu.Lock()
	if f != v.filter {
		v.filter = f
		v.cacheValid = false
	}
	v.mu.Unlock()
}

// SetSort replaces the sort key and direction.
func (v *View) SetSort(field SortField, descending bool) {
	v.mu.Lock()
	s := Sort{Field: field, Descending: descending}
	if s != v.sort {
		v.sort = s
		v.cacheValid = false
	}
	v.mu.Unlock()
}

// Filter returns the current filter.
func (v *View) Filter() Filter {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filter
}

// Entries returns the filtered, sorted projection of the roster.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	version := v.roster.Version()
	if v.cacheValid && version == v.cachedVersion {
		return v.cached
	}

	now := v.now()
	entries := make([]Entry, 0, v.roster.Len())
	for _, rec := range v.roster.Snapshot() {
		if !v.visible(rec) {
			continue
		}
		e := newEntry(rec, now)
		if v.matches(e) {
			entries = append(entries, e)
		}
	}
	v.sortEntries(entries)

	v.cached = entries
	v.cachedVersion = version
	v.cacheValid = true
	return entries
}

// Stats returns the roster counters, trashed records excluded.
func (v *View) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()

	version := v.roster.Version()
	if v.statsValid && version == v.statsVersion {
		return v.cachedStats
	}

	now := v.now()
	var s Stats
	for _, rec := range v.roster.Snapshot() {
		if rec.State == StateTrashed {
			continue
		}
		s.Total++
		if rec.ExpiresAt.IsZero() {
			continue
		}
		days := daysToExpiry(rec.ExpiresAt, now)
		if days < 0 {
			s.Expired++
		} else if days <= expiringWindowDays {
			s.Expiring++
		}
	}

	v.cachedStats = s
	v.statsVersion = version
	v.statsValid = true
	return s
}

// visible applies the lifecycle slice before any category filter.
func (v *View) visible(rec ClientRecord) bool {
	switch v.filter.Mode {
	case ModeArchived:
		return rec.State == StateArchived
	case ModeTrash:
		return rec.State == StateTrashed
	default:
		return rec.State == StateActive
	}
}

func (v *View) matches(e Entry) bool {
	if q := strings.ToLower(strings.TrimSpace(v.filter.Query)); q != "" {
		if !strings.Contains(strings.ToLower(e.Name), q) &&
			!strings.Contains(strings.ToLower(e.Email), q) {
			return false
		}
	}

	switch v.filter.Category {
	case CategoryActive:
		return !e.ExpiresAt.IsZero() && e.DaysToExpiry > 0
	case CategoryExpiring:
		return !e.ExpiresAt.IsZero() && e.DaysToExpiry > 0 && e.DaysToExpiry <= expiringWindowDays
	case CategoryExpired:
		return !e.ExpiresAt.IsZero() && e.DaysToExpiry < 0
	case CategoryNoForm:
		return !e.IntakeKnown || !e.HasIntakeForm
	case CategoryHasForm:
		return e.IntakeKnown && e.HasIntakeForm
	default:
		// CategoryRecent filters nothing; it is a start-date sort preset.
		return true
	}
}

func (v *View) sortEntries(entries []Entry) {
	field, desc := v.sort.Field, v.sort.Descending
	less := func(a, b Entry) bool {
		switch field {
		case SortByName:
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		case SortByExpiry:
			return a.ExpiresAt.Before(b.ExpiresAt)
		case SortByIntake:
			return boolRank(a) < boolRank(b)
		default:
			return a.StartDate.Before(b.StartDate)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if desc {
			return less(entries[j], entries[i])
		}
		return less(entries[i], entries[j])
	})
}

func boolRank(e Entry) int {
	if e.IntakeKnown && e.HasIntakeForm {
		return 1
	}
	return 0
}

func newEntry(rec ClientRecord, now time.Time) Entry {
	e := Entry{ClientRecord: rec}
	if !rec.ExpiresAt.IsZero() {
		e.DaysToExpiry = daysToExpiry(rec.ExpiresAt, now)
		e.IsAtRisk = e.DaysToExpiry <= expiringWindowDays
	}
	return e
}

// daysToExpiry rounds up, so an expiry later today counts as day 0.
func daysToExpiry(expiry, now time.Time) int {
	return int(math.Ceil(expiry.Sub(now).Hours() / 24))
}
