// Package tenant maps an authenticated principal to the workspace it
// may act in: a consolidated membership index first, then legacy roster
// probing, then a remembered-or-default fallback.
package tenant

import (
	"context"
	"time"

	"github.com/kartikbazzad/bundir/internal/store"
)

// Role of a principal inside one workspace.
type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// Membership is one (principal, workspace) association from the
// consolidated index.
type Membership struct {
	WorkspaceID string    `json:"workspace_id"`
	Role        Role      `json:"role"`
	Elevated    bool      `json:"elevated,omitempty"` // staff granted multi-workspace operator privilege
	Status      string    `json:"status,omitempty"`   // "active", "removed"; empty means active (legacy)
	JoinedAt    time.Time `json:"joined_at"`
}

// Active reports whether the membership is usable. Entries written
// before the status field existed carry no status and count as active.
func (m Membership) Active() bool {
	return m.Status == "active" || m.Status == ""
}

// ElevatedRole reports whether the membership lets the principal
// administer the workspace. Such principals may legitimately belong to
// several workspaces and must pick one explicitly.
func (m Membership) ElevatedRole() bool {
	return m.Role == RoleAdmin || m.Role == RoleOwner || (m.Role == RoleStaff && m.Elevated)
}

// reservedIndexKeys are generic metadata field names that can appear in
// a consolidated index document alongside workspace entries. A key
// colliding with one of these is never a workspace id.
var reservedIndexKeys = map[string]struct{}{
	"workspace_id":     {},
	"role":             {},
	"updated_at":       {},
	"joined_at":        {},
	"status":           {},
	"migrated_at":      {},
	"created_at":       {},
	"last_login":       {},
	"email":            {},
	"name":             {},
	"uid":              {},
	"via_invite":       {},
	"is_existing_user": {},
	"first_login":      {},
	"is_client":        {},
	"is_deleted":       {},
}

// minWorkspaceIDLen filters out short metadata keys; real workspace ids
// are longer.
const minWorkspaceIDLen = 5

// ValidWorkspaceID reports whether id can syntactically be a workspace
// id key in the consolidated index.
func ValidWorkspaceID(id string) bool {
	if len(id) < minWorkspaceIDLen {
		return false
	}
	_, reserved := reservedIndexKeys[id]
	return !reserved
}

// IndexReader reads membership data from the remote store. Stateless.
type IndexReader struct {
	store store.Store
}

// NewIndexReader creates a reader over the given store.
func NewIndexReader(s store.Store) *IndexReader {
	return &IndexReader{store: s}
}

// Consolidated reads and validates the principal's consolidated index
// document. It returns the active memberships plus any legacy flat
// single-workspace field. An absent document yields empty results and
// no error.
func (r *IndexReader) Consolidated(ctx context.Context, principalID string) (active []Membership, legacy string, err error) {
	doc, err := r.store.ReadDocument(ctx, store.MembershipPath(principalID))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, "", nil
		}
		return nil, "", err
	}

	for key, raw := range doc {
		if !ValidWorkspaceID(key) {
			continue
		}
		// Entries must be structured objects; scalars and point-in-time
		// values that happen to share the key space are not memberships.
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		if role == "" {
			continue
		}
		m := Membership{
			WorkspaceID: key,
			Role:        Role(role),
			JoinedAt:    parseTime(entry["joined_at"]),
		}
		if s, ok := entry["status"].(string); ok {
			m.Status = s
		}
		if e, ok := entry["elevated"].(bool); ok {
			m.Elevated = e
		}
		if m.Active() {
			active = append(active, m)
		}
	}

	if flat, ok := doc["workspace_id"].(string); ok && ValidWorkspaceID(flat) {
		legacy = flat
	}
	return active, legacy, nil
}

// rosterProbe checks one legacy membership shape for (workspace, principal).
// Probes are evaluated in order and short-circuit on first match.
type rosterProbe func(ctx context.Context, workspaceID, principalID string) bool

// Probes returns the ordered legacy membership checks: client roster
// (not soft-deleted), staff roster, then the admin, staff and
// super-admin role lists.
func (r *IndexReader) Probes() []rosterProbe {
	return []rosterProbe{
		r.isActiveClient,
		r.isStaffMember,
		r.roleListProbe("admins"),
		r.roleListProbe("staff"),
		r.roleListProbe("superadmins"),
	}
}

func (r *IndexReader) isActiveClient(ctx context.Context, workspaceID, principalID string) bool {
	doc, err := r.store.ReadDocument(ctx, store.ClientPath(workspaceID, principalID))
	if err != nil {
		return false
	}
	deleted, _ := doc["is_deleted"].(bool)
	return !deleted
}

func (r *IndexReader) isStaffMember(ctx context.Context, workspaceID, principalID string) bool {
	_, err := r.store.ReadDocument(ctx, store.StaffPath(workspaceID, principalID))
	return err == nil
}

func (r *IndexReader) roleListProbe(list string) rosterProbe {
	return func(ctx context.Context, workspaceID, principalID string) bool {
		doc, err := r.store.ReadDocument(ctx, store.RoleListPath(workspaceID, list))
		if err != nil {
			return false
		}
		uids, ok := doc["uids"].([]any)
		if !ok {
			return false
		}
		for _, u := range uids {
			if s, ok := u.(string); ok && s == principalID {
				return true
			}
		}
		return false
	}
}

// parseTime accepts the timestamp encodings the store surfaces:
// native time.Time (memory store), RFC3339 strings and unix-second
// numbers (HTTP transport). Zero time on anything else.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	case int64:
		return time.Unix(t, 0).UTC()
	}
	return time.Time{}
}
