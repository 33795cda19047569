package tenant

import (
	"context"
	"log/slog"
	"sort"

	"github.com/kartikbazzad/bundir/pkg/logger"
)

// Resolution is the outcome of resolving a principal. Either
// WorkspaceID is set, or NeedsSelection is true and Candidates holds
// the memberships the caller must choose between, sorted by JoinedAt
// descending (workspace id ascending on ties) so repeated resolutions
// are idempotent.
type Resolution struct {
	WorkspaceID    string       `json:"workspace_id,omitempty"`
	NeedsSelection bool         `json:"needs_selection,omitempty"`
	Candidates     []Membership `json:"candidates,omitempty"`
	// Confirmed is false when the workspace was taken from the final
	// fallback without any membership check; the first read from it may
	// still be rejected by the store.
	Confirmed bool `json:"confirmed"`
}

// Resolver determines which workspace a principal acts in.
// Three tiers, each short-circuiting on a conclusive result:
// consolidated index, legacy roster probing, remembered-or-default.
type Resolver struct {
	reader           *IndexReader
	session          *Session
	defaultWorkspace string
	log              *slog.Logger
}

// NewResolver creates a resolver. defaultWorkspace is the platform
// fallback used when a principal has no discoverable membership.
func NewResolver(reader *IndexReader, session *Session, defaultWorkspace string) *Resolver {
	return &Resolver{
		reader:           reader,
		session:          session,
		defaultWorkspace: defaultWorkspace,
		log:              logger.Get(),
	}
}

// Resolve maps a principal to a workspace or a disambiguation list.
// It never fails for a principal with no memberships; the final tier
// degrades to the remembered or default workspace. The only error is
// context cancellation.
func (r *Resolver) Resolve(ctx context.Context, principalID string) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	// Tier 1: consolidated membership index.
	if res, ok := r.resolveConsolidated(ctx, principalID); ok {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	// Tier 2: legacy roster probing of remembered then default workspace.
	if res, ok := r.resolveLegacy(ctx, principalID); ok {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	// Tier 3: degrade gracefully instead of blocking the user. The
	// caller surfaces an authorization error if the first read from
	// this workspace is rejected.
	ws := r.fallbackWorkspace(principalID)
	r.log.Warn("tenant resolution exhausted, using fallback",
		"principal", principalID, "workspace", ws)
	return Resolution{WorkspaceID: ws}, nil
}

func (r *Resolver) resolveConsolidated(ctx context.Context, principalID string) (Resolution, bool) {
	active, legacy, err := r.reader.Consolidated(ctx, principalID)
	if err != nil {
		r.log.Debug("consolidated index unavailable", "principal", principalID, "error", err)
		return Resolution{}, false
	}

	switch {
	case len(active) == 0:
		if legacy != "" {
			return r.conclude(principalID, legacy), true
		}
		return Resolution{}, false

	case len(active) == 1:
		return r.conclude(principalID, active[0].WorkspaceID), true

	default:
		sortCandidates(active)
		for _, m := range active {
			if m.ElevatedRole() {
				// Operator accounts must choose explicitly.
				return Resolution{NeedsSelection: true, Candidates: active}, true
			}
		}
		// All plain customer memberships: the most recent one wins.
		// sortCandidates already put it first.
		return r.conclude(principalID, active[0].WorkspaceID), true
	}
}

func (r *Resolver) resolveLegacy(ctx context.Context, principalID string) (Resolution, bool) {
	probes := r.reader.Probes()
	for _, ws := range r.candidateWorkspaces(principalID) {
		for _, probe := range probes {
			if probe(ctx, ws, principalID) {
				return r.conclude(principalID, ws), true
			}
		}
	}
	return Resolution{}, false
}

// candidateWorkspaces returns the remembered workspace (if any) then
// the platform default, deduplicated.
func (r *Resolver) candidateWorkspaces(principalID string) []string {
	var out []string
	if remembered, ok := r.session.Remembered(principalID); ok {
		out = append(out, remembered)
	}
	if r.defaultWorkspace != "" && (len(out) == 0 || out[0] != r.defaultWorkspace) {
		out = append(out, r.defaultWorkspace)
	}
	return out
}

func (r *Resolver) fallbackWorkspace(principalID string) string {
	if remembered, ok := r.session.Remembered(principalID); ok {
		return remembered
	}
	return r.defaultWorkspace
}

func (r *Resolver) conclude(principalID, workspaceID string) Resolution {
	r.session.Remember(principalID, workspaceID)
	return Resolution{WorkspaceID: workspaceID, Confirmed: true}
}

// Select confirms an explicit choice from a disambiguation list and
// remembers it for later resolutions.
func (r *Resolver) Select(principalID, workspaceID string) Resolution {
	return r.conclude(principalID, workspaceID)
}

// sortCandidates orders memberships by JoinedAt descending, workspace
// id ascending on ties, for reproducible output.
func sortCandidates(ms []Membership) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].JoinedAt.Equal(ms[j].JoinedAt) {
			return ms[i].JoinedAt.After(ms[j].JoinedAt)
		}
		return ms[i].WorkspaceID < ms[j].WorkspaceID
	})
}
