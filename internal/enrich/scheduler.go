// Package enrich repairs derived client fields in the background:
// authoritative intake-form presence and authoritative payment totals
// for records the normalizer flagged. Batches are processed strictly in
// order; requests within a batch run concurrently up to a fixed
// ceiling, so the outbound volume per workspace stays bounded.
package enrich

import (
	"context"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/bundir/internal/metrics"
	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/pkg/logger"
)

// BatchSize is the number of records enriched per batch; batch N+1 does
// not start before every request of batch N has settled.
const BatchSize = 10

// Record is one flagged roster entry handed over by the normalizer.
// Provisional carries the current lower-bound total so a failed read
// can fall back to it; LedgerPaidSum is the embedded portion of the
// authoritative total.
type Record struct {
	ID            string
	Provisional   float64
	LedgerPaidSum float64
	NeedsIntake   bool
	NeedsTotal    bool
}

// Merger receives resolved fields. A nil pointer means the field's read
// failed and its safe fallback stands. Implementations must reject the
// merge when gen no longer matches the live snapshot.
type Merger interface {
	MergeEnrichment(gen uint64, id string, intake *bool, total *float64) bool
}

// Scheduler runs enrichment batches against the remote store.
type Scheduler struct {
	store store.Store
	pool  *ants.Pool
	log   *slog.Logger
}

// NewScheduler creates a scheduler with a worker pool bounded at
// BatchSize concurrent record-level requests.
func NewScheduler(s store.Store) (*Scheduler, error) {
	pool, err := ants.NewPool(BatchSize, ants.WithPanicHandler(func(v any) {
		logger.Error("enrichment worker panic", "panic", v)
	}))
	if err != nil {
		return nil, err
	}
	return &Scheduler{store: s, pool: pool, log: logger.Get()}, nil
}

// Close releases the worker pool.
func (s *Scheduler) Close() {
	s.pool.Release()
}

// Run processes records in batches of BatchSize and merges each batch's
// results before starting the next, so the view reflects progress
// incrementally. onBatch, when set, is invoked after each merge with
// the number of records settled so far. Run returns early when ctx is
// cancelled; partially merged batches of an abandoned session are
// rejected by the Merger's generation check.
func (s *Scheduler) Run(ctx context.Context, workspaceID string, gen uint64, records []Record, m Merger, onBatch func(done int)) {
	for start := 0; start < len(records); start += BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := start + BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		results := make([]result, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			i := i
			wg.Add(1)
			if err := s.pool.Submit(func() {
				defer wg.Done()
				results[i] = s.enrichOne(ctx, workspaceID, batch[i])
			}); err != nil {
				// Pool released during teardown; settle the slot.
				wg.Done()
			}
		}
		wg.Wait()

		if ctx.Err() != nil {
			return
		}
		merged := 0
		for i, rec := range batch {
			if s.mergeResult(gen, rec.ID, results[i], m) {
				merged++
			}
		}
		metrics.EnrichmentBatchesTotal.WithLabelValues(workspaceID).Inc()
		if onBatch != nil {
			onBatch(end)
		}
		if merged == 0 && gen != 0 {
			s.log.Debug("enrichment batch discarded, snapshot superseded",
				"workspace", workspaceID, "generation", gen)
		}
	}
}

type result struct {
	intake *bool
	total  *float64
}

func (s *Scheduler) mergeResult(gen uint64, id string, res result, m Merger) bool {
	if res.intake == nil && res.total == nil {
		return false
	}
	return m.MergeEnrichment(gen, id, res.intake, res.total)
}

// enrichOne issues the two independent reads for one record. Each field
// fails independently: intake falls back to false, the total falls back
// to the prior provisional value. Neither is retried.
func (s *Scheduler) enrichOne(ctx context.Context, workspaceID string, rec Record) result {
	var res result
	g, ctx := errgroup.WithContext(ctx)

	if rec.NeedsIntake {
		g.Go(func() error {
			present, err := s.readIntake(ctx, workspaceID, rec.ID)
			if err != nil {
				metrics.EnrichmentFieldFailuresTotal.WithLabelValues("intake").Inc()
				s.log.Debug("intake enrichment failed", "client", rec.ID, "error", err)
				present = false
			}
			res.intake = &present
			return nil
		})
	}
	if rec.NeedsTotal {
		g.Go(func() error {
			total, err := s.readTotal(ctx, workspaceID, rec.ID, rec.LedgerPaidSum)
			if err != nil {
				metrics.EnrichmentFieldFailuresTotal.WithLabelValues("total").Inc()
				s.log.Debug("total enrichment failed", "client", rec.ID, "error", err)
				total = rec.Provisional
			}
			res.total = &total
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// readIntake checks the authoritative intake form document. Absence is
// a definitive false, not an error.
func (s *Scheduler) readIntake(ctx context.Context, workspaceID, clientID string) (bool, error) {
	_, err := s.store.ReadDocument(ctx, store.IntakeFormPath(workspaceID, clientID))
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// readTotal computes the authoritative payment total: the embedded paid
// ledger sum plus every document in the payment subcollection.
func (s *Scheduler) readTotal(ctx context.Context, workspaceID, clientID string, ledgerPaidSum float64) (float64, error) {
	docs, err := s.store.ListDocuments(ctx, store.PaymentsPath(workspaceID, clientID))
	if err != nil {
		return 0, err
	}
	total := ledgerPaidSum
	for _, d := range docs {
		switch amount := d.Data["amount"].(type) {
		case float64:
			total += amount
		case int:
			total += float64(amount)
		}
	}
	return total, nil
}
