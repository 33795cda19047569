package directory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kartikbazzad/bundir/internal/enrich"
	"github.com/kartikbazzad/bundir/internal/metrics"
	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/pkg/logger"
)

// Callbacks notify the consumer of session events. All callbacks are
// optional and must not block; they run on the adapter's goroutine.
type Callbacks struct {
	// OnRoster fires after every full snapshot has been normalized and
	// published, before enrichment starts.
	OnRoster func(size int)
	// OnEnriched fires after each enrichment batch merge with the
	// number of flagged records settled so far.
	OnEnriched func(done int)
	// OnError fires on subscription failure, initial or mid-stream. The
	// roster stays frozen at the last good snapshot; the consumer
	// decides whether to reopen.
	OnError func(err error)
}

// Service opens live directory sessions. One subscription per active
// workspace session.
type Service struct {
	store    store.Store
	enricher *enrich.Scheduler
	log      *slog.Logger
}

// NewService creates the directory service over the given store.
func NewService(s store.Store) (*Service, error) {
	enricher, err := enrich.NewScheduler(s)
	if err != nil {
		return nil, err
	}
	return &Service{store: s, enricher: enricher, log: logger.Get()}, nil
}

// Close releases the shared enrichment pool. Open sessions must be
// closed first.
func (s *Service) Close() {
	s.enricher.Close()
}

// Session is one live, workspace-scoped directory: the roster kept in
// sync by the change feed, the view over it, and the background
// enrichment attached to each snapshot.
type Session struct {
	workspaceID string
	roster      *Roster
	view        *View
	store       store.Store

	cancel    context.CancelFunc
	unsub     store.UnsubscribeFunc
	closeOnce sync.Once

	// serializes snapshot application; the store may deliver from its
	// own goroutine while Close runs.
	applyMu sync.Mutex
	closed  bool
}

// Open subscribes to the workspace's client collection and blocks until
// the initial snapshot has been applied. Later snapshots, enrichment
// and lifecycle effects are asynchronous to the consumer.
func (s *Service) Open(ctx context.Context, workspaceID string, cb Callbacks) (*Session, error) {
	sctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		workspaceID: workspaceID,
		roster:      NewRoster(),
		store:       s.store,
		cancel:      cancel,
	}
	sess.view = NewView(sess.roster)

	log := s.log.With("workspace", workspaceID)
	unsub, err := s.store.Subscribe(ctx, store.ClientsPath(workspaceID), func(docs []store.Document) {
		sess.applySnapshot(sctx, s.enricher, docs, cb, log)
	}, func(err error) {
		log.Warn("change feed degraded", "error", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})
	if err != nil {
		cancel()
		if cb.OnError != nil {
			cb.OnError(err)
		}
		return nil, err
	}
	sess.unsub = unsub
	log.Info("directory session opened", "roster", sess.roster.Len())
	return sess, nil
}

func (sess *Session) applySnapshot(ctx context.Context, enricher *enrich.Scheduler, docs []store.Document, cb Callbacks, log *slog.Logger) {
	sess.applyMu.Lock()
	defer sess.applyMu.Unlock()
	if sess.closed {
		return
	}

	records := make([]ClientRecord, 0, len(docs))
	var flagged []enrich.Record
	for _, doc := range docs {
		rec := Normalize(doc)
		records = append(records, rec)
		if rec.NeedsEnrichment() {
			flagged = append(flagged, enrich.Record{
				ID:            rec.ID,
				Provisional:   rec.TotalPaid,
				LedgerPaidSum: rec.PaidLedgerSum(),
				NeedsIntake:   !rec.IntakeKnown,
				NeedsTotal:    !rec.TotalPaidAuthoritative,
			})
		}
	}

	// Fast path: publish the full roster immediately, never blocking on
	// enrichment.
	gen := sess.roster.Replace(records)
	metrics.SnapshotsTotal.WithLabelValues(sess.workspaceID).Inc()
	metrics.RosterSize.WithLabelValues(sess.workspaceID).Set(float64(len(records)))
	if cb.OnRoster != nil {
		cb.OnRoster(len(records))
	}

	if len(flagged) == 0 {
		return
	}
	log.Debug("scheduling enrichment", "flagged", len(flagged), "generation", gen)
	go enricher.Run(ctx, sess.workspaceID, gen, flagged, sess.roster, cb.OnEnriched)
}

// Roster returns the live roster. Lifecycle managers merge through it.
func (sess *Session) Roster() *Roster {
	return sess.roster
}

// View returns the filter/sort projection for this session.
func (sess *Session) View() *View {
	return sess.view
}

// WorkspaceID returns the workspace this session is bound to.
func (sess *Session) WorkspaceID() string {
	return sess.workspaceID
}

// Close tears the session down: the subscription is cancelled, in-flight
// enrichment batches are abandoned, and the roster generation is bumped
// so stragglers can never merge. Safe to call more than once. Must be
// called before opening a session for another workspace.
func (sess *Session) Close() {
	sess.closeOnce.Do(func() {
		sess.applyMu.Lock()
		sess.closed = true
		sess.applyMu.Unlock()
		sess.cancel()
		if sess.unsub != nil {
			sess.unsub()
		}
		sess.roster.Invalidate()
		metrics.RosterSize.WithLabelValues(sess.workspaceID).Set(0)
	})
}
