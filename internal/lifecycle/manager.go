// Package lifecycle mutates client records through their state machine:
// active ⇄ archived, active|archived → trashed → active (restore) or
// gone (purge). Transitions are mirrored into the live roster
// optimistically and rolled back when the remote write fails.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kartikbazzad/bundir/internal/directory"
	"github.com/kartikbazzad/bundir/internal/metrics"
	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/pkg/logger"
)

// ErrNotFound is returned when the record is not in the live roster.
var ErrNotFound = errors.New("lifecycle: client not found")

// ErrInvalidTransition is returned when the operation is not legal from
// the record's current state, e.g. purge of a non-trashed record.
var ErrInvalidTransition = errors.New("lifecycle: invalid state transition")

// MutationError wraps a remote write failure. The optimistic local
// change has already been rolled back when this is returned; the
// operation is not retried automatically.
type MutationError struct {
	Op       string
	ClientID string
	Err      error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("lifecycle: %s %s failed: %v", e.Op, e.ClientID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Manager applies lifecycle operations for one workspace session.
// It never writes the roster directly; all local effects go through the
// roster's merge methods, which no-op if the record has vanished.
type Manager struct {
	store       store.Store
	workspaceID string
	roster      *directory.Roster
	log         *slog.Logger
	now         func() time.Time
}

// NewManager creates a manager bound to one workspace and its roster.
func NewManager(s store.Store, workspaceID string, roster *directory.Roster) *Manager {
	return &Manager{
		store:       s,
		workspaceID: workspaceID,
		roster:      roster,
		log:         logger.With("workspace", workspaceID),
		now:         time.Now,
	}
}

// Archive moves an active record to archived. settings, when non-nil,
// is stored verbatim on the remote record (access blocking, custom
// message and the like are opaque to the engine).
func (m *Manager) Archive(ctx context.Context, id string, settings map[string]any) error {
	now := m.now()
	patch := map[string]any{
		"is_archived": true,
		"archived_at": now.Format(time.RFC3339),
		"state":       string(directory.StateArchived),
	}
	if settings != nil {
		patch["archive_settings"] = settings
	}
	return m.transition(ctx, "archive", id, patch,
		func(s directory.State) bool { return s == directory.StateActive },
		func(rec *directory.ClientRecord) {
			rec.State = directory.StateArchived
			rec.ArchivedAt = &now
		})
}

// Unarchive returns an archived record to active.
func (m *Manager) Unarchive(ctx context.Context, id string) error {
	patch := map[string]any{
		"is_archived":      false,
		"archived_at":      nil,
		"archive_settings": nil,
		"state":            string(directory.StateActive),
	}
	return m.transition(ctx, "unarchive", id, patch,
		func(s directory.State) bool { return s == directory.StateArchived },
		func(rec *directory.ClientRecord) {
			rec.State = directory.StateActive
			rec.ArchivedAt = nil
		})
}

// SoftDelete moves a record to trashed and stamps DeletedAt. The record
// disappears from every default count and filter immediately.
func (m *Manager) SoftDelete(ctx context.Context, id string) error {
	now := m.now()
	patch := map[string]any{
		"is_deleted": true,
		"deleted_at": now.Format(time.RFC3339),
		"state":      string(directory.StateTrashed),
	}
	return m.transition(ctx, "soft_delete", id, patch,
		func(s directory.State) bool { return s == directory.StateActive || s == directory.StateArchived },
		func(rec *directory.ClientRecord) {
			rec.State = directory.StateTrashed
			rec.DeletedAt = &now
		})
}

// Restore clears DeletedAt and returns a trashed record to active.
// A record archived before deletion comes back active, not archived.
func (m *Manager) Restore(ctx context.Context, id string) error {
	patch := map[string]any{
		"is_deleted":  false,
		"deleted_at":  nil,
		"is_archived": false,
		"archived_at": nil,
		"state":       string(directory.StateActive),
	}
	return m.transition(ctx, "restore", id, patch,
		func(s directory.State) bool { return s == directory.StateTrashed },
		func(rec *directory.ClientRecord) {
			rec.State = directory.StateActive
			rec.DeletedAt = nil
			rec.ArchivedAt = nil
		})
}

// Purge permanently removes a trashed record. Terminal; the remote
// delete happens first, then the local copy is dropped.
func (m *Manager) Purge(ctx context.Context, id string) error {
	rec, ok := m.roster.Get(id)
	if !ok {
		metrics.LifecycleOpsTotal.WithLabelValues("purge", "rejected").Inc()
		return ErrNotFound
	}
	if rec.State != directory.StateTrashed {
		metrics.LifecycleOpsTotal.WithLabelValues("purge", "rejected").Inc()
		return ErrInvalidTransition
	}

	if err := m.store.DeleteDocument(ctx, store.ClientPath(m.workspaceID, id)); err != nil {
		metrics.LifecycleOpsTotal.WithLabelValues("purge", "error").Inc()
		m.log.Error("purge failed", "client", id, "error", err)
		return &MutationError{Op: "purge", ClientID: id, Err: err}
	}
	m.roster.Remove(id)
	metrics.LifecycleOpsTotal.WithLabelValues("purge", "ok").Inc()
	m.log.Info("client purged", "client", id)
	return nil
}

// transition runs the shared optimistic flow: validate the current
// state, apply the local change, write the remote patch, and roll the
// local change back if the write fails.
func (m *Manager) transition(ctx context.Context, op, id string, patch map[string]any, allowed func(directory.State) bool, apply func(*directory.ClientRecord)) error {
	current, ok := m.roster.Get(id)
	if !ok {
		metrics.LifecycleOpsTotal.WithLabelValues(op, "rejected").Inc()
		return ErrNotFound
	}
	if !allowed(current.State) {
		metrics.LifecycleOpsTotal.WithLabelValues(op, "rejected").Inc()
		return ErrInvalidTransition
	}

	prior, gen, ok := m.roster.Mutate(id, apply)
	if !ok {
		// Deleted by another operator between Get and Mutate.
		metrics.LifecycleOpsTotal.WithLabelValues(op, "rejected").Inc()
		return ErrNotFound
	}

	if err := m.store.MutateDocument(ctx, store.ClientPath(m.workspaceID, id), patch); err != nil {
		m.roster.RestoreIfPresent(gen, prior)
		metrics.LifecycleOpsTotal.WithLabelValues(op, "error").Inc()
		m.log.Error("lifecycle mutation failed, rolled back", "op", op, "client", id, "error", err)
		return &MutationError{Op: op, ClientID: id, Err: err}
	}
	metrics.LifecycleOpsTotal.WithLabelValues(op, "ok").Inc()
	m.log.Info("lifecycle transition", "op", op, "client", id)
	return nil
}
