// Package api exposes the engine to the rendering layer over HTTP:
// tenant resolution, the live directory view, and lifecycle operations.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kartikbazzad/bundir/internal/auth"
	"github.com/kartikbazzad/bundir/internal/directory"
	"github.com/kartikbazzad/bundir/internal/lifecycle"
	"github.com/kartikbazzad/bundir/internal/metrics"
	"github.com/kartikbazzad/bundir/internal/store"
	"github.com/kartikbazzad/bundir/internal/tenant"
	apperrors "github.com/kartikbazzad/bundir/pkg/errors"
	"github.com/kartikbazzad/bundir/pkg/logger"
)

// openSession is one principal's live directory plus its lifecycle
// manager.
type openSession struct {
	dir *directory.Session
	mgr *lifecycle.Manager
}

// Handler routes rendering-layer requests. One handler serves many
// principals; directory sessions are keyed by principal and switching
// workspaces tears the previous session down first.
type Handler struct {
	resolver *tenant.Resolver
	session  *tenant.Session
	dirs     *directory.Service
	store    store.Store
	limiter  *rate.Limiter
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*openSession
}

// NewHandler creates the API handler.
func NewHandler(resolver *tenant.Resolver, session *tenant.Session, dirs *directory.Service, s store.Store, rps float64, burst int) *Handler {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Handler{
		resolver: resolver,
		session:  session,
		dirs:     dirs,
		store:    s,
		limiter:  limiter,
		log:      logger.Get(),
		sessions: make(map[string]*openSession),
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
		return
	}

	if h.limiter != nil && !h.limiter.Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	reqID := uuid.NewString()
	principal := auth.PrincipalFromContext(r.Context())
	if principal == "" {
		writeJSONError(w, http.StatusUnauthorized, "no principal")
		return
	}
	log := h.log.With("request_id", reqID, "principal", principal)

	switch {
	case r.URL.Path == "/v1/resolve" && r.Method == http.MethodPost:
		h.handleResolve(w, r, principal, log)
	case r.URL.Path == "/v1/select" && r.Method == http.MethodPost:
		h.handleSelect(w, r, principal)
	case r.URL.Path == "/v1/directory/open" && r.Method == http.MethodPost:
		h.handleOpen(w, r, principal, log)
	case r.URL.Path == "/v1/directory/close" && r.Method == http.MethodPost:
		h.handleClose(w, principal)
	case r.URL.Path == "/v1/directory/clients" && r.Method == http.MethodGet:
		h.handleClients(w, r, principal)
	case r.URL.Path == "/v1/directory/stats" && r.Method == http.MethodGet:
		h.handleStats(w, principal)
	case r.URL.Path == "/v1/session/end" && r.Method == http.MethodPost:
		h.handleSessionEnd(w, principal)
	case strings.HasPrefix(r.URL.Path, "/v1/directory/clients/") && r.Method == http.MethodPost:
		h.handleLifecycle(w, r, principal, log)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request, principal string, log *slog.Logger) {
	res, err := h.resolver.Resolve(r.Context(), principal)
	if err != nil {
		writeError(w, apperrors.Internal(err))
		return
	}
	switch {
	case res.NeedsSelection:
		metrics.ResolutionsTotal.WithLabelValues("selection").Inc()
	case res.Confirmed:
		metrics.ResolutionsTotal.WithLabelValues("resolved").Inc()
	default:
		metrics.ResolutionsTotal.WithLabelValues("fallback").Inc()
	}
	log.Debug("resolved tenant", "workspace", res.WorkspaceID, "needs_selection", res.NeedsSelection)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request, principal string) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		writeError(w, apperrors.BadRequest("workspace_id is required"))
		return
	}
	writeJSON(w, http.StatusOK, h.resolver.Select(principal, req.WorkspaceID))
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request, principal string, log *slog.Logger) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID == "" {
		writeError(w, apperrors.BadRequest("workspace_id is required"))
		return
	}

	// Switching workspaces: tear the previous session down before the
	// new subscription starts.
	h.closeSession(principal)

	sess, err := h.dirs.Open(r.Context(), req.WorkspaceID, directory.Callbacks{
		OnError: func(err error) {
			log.Error("directory subscription error", "workspace", req.WorkspaceID, "error", err)
		},
	})
	if err != nil {
		writeError(w, apperrors.New(http.StatusBadGateway, "subscription failed", err))
		return
	}
	mgr := lifecycle.NewManager(h.store, req.WorkspaceID, sess.Roster())

	h.mu.Lock()
	displaced := h.sessions[principal]
	h.sessions[principal] = &openSession{dir: sess, mgr: mgr}
	h.mu.Unlock()
	if displaced != nil {
		// A concurrent open for the same principal slipped in between
		// closeSession and the insert; its subscription must not leak.
		displaced.dir.Close()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workspace_id": req.WorkspaceID,
		"roster_size":  sess.Roster().Len(),
		"stats":        sess.View().Stats(),
	})
}

func (h *Handler) handleClients(w http.ResponseWriter, r *http.Request, principal string) {
	sess, ok := h.lookup(principal)
	if !ok {
		writeError(w, apperrors.NotFound("no open directory session"))
		return
	}

	q := r.URL.Query()
	view := sess.dir.View()
	view.SetFilter(directory.Filter{
		Query:    q.Get("q"),
		Category: directory.Category(q.Get("category")),
		Mode:     directory.Mode(q.Get("mode")),
	})
	if sortField := q.Get("sort"); sortField != "" {
		view.SetSort(directory.SortField(sortField), q.Get("dir") != "asc")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clients": view.Entries(),
		"stats":   view.Stats(),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, principal string) {
	sess, ok := h.lookup(principal)
	if !ok {
		writeError(w, apperrors.NotFound("no open directory session"))
		return
	}
	writeJSON(w, http.StatusOK, sess.dir.View().Stats())
}

// handleLifecycle routes /v1/directory/clients/{id}/{op}.
func (h *Handler) handleLifecycle(w http.ResponseWriter, r *http.Request, principal string, log *slog.Logger) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// 0:"v1" 1:"directory" 2:"clients" 3:{id} 4:{op}
	if len(parts) != 5 {
		http.NotFound(w, r)
		return
	}
	id, op := parts[3], parts[4]

	sess, ok := h.lookup(principal)
	if !ok {
		writeError(w, apperrors.NotFound("no open directory session"))
		return
	}

	var err error
	switch op {
	case "archive":
		var req struct {
			Settings map[string]any `json:"settings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		err = sess.mgr.Archive(r.Context(), id, req.Settings)
	case "unarchive":
		err = sess.mgr.Unarchive(r.Context(), id)
	case "delete":
		err = sess.mgr.SoftDelete(r.Context(), id)
	case "restore":
		err = sess.mgr.Restore(r.Context(), id)
	case "purge":
		err = sess.mgr.Purge(r.Context(), id)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		log.Warn("lifecycle operation failed", "op", op, "client", id, "error", err)
		writeError(w, lifecycleError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) handleClose(w http.ResponseWriter, principal string) {
	h.closeSession(principal)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSessionEnd is the auth collaborator's logout notification:
// drop the directory session and the remembered-workspace hint.
func (h *Handler) handleSessionEnd(w http.ResponseWriter, principal string) {
	h.closeSession(principal)
	h.session.Forget(principal)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) lookup(principal string) (*openSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[principal]
	return sess, ok
}

func (h *Handler) closeSession(principal string) {
	h.mu.Lock()
	sess, ok := h.sessions[principal]
	delete(h.sessions, principal)
	h.mu.Unlock()
	if ok {
		sess.dir.Close()
	}
}

// Shutdown closes every open directory session.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*openSession)
	h.mu.Unlock()
	for _, sess := range sessions {
		sess.dir.Close()
	}
}

func lifecycleError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return apperrors.NotFound("client not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return apperrors.Conflict("operation not allowed from current state")
	default:
		return apperrors.New(http.StatusBadGateway, "remote mutation failed", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	writeJSON(w, err.Code, map[string]any{"error": err.Message})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
