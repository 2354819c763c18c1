package access

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/wardenhq/warden/pkg/observability"
)

// Actor identity headers supplied by the fronting proxy or gateway.
const (
	HeaderActorID     = "X-Warden-User"
	HeaderActorGroups = "X-Warden-Groups"
)

// Handlers provides HTTP handlers for permission operations
type Handlers struct {
	resolver *Resolver
	writer   *Writer
	groups   *Directory
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewHandlers creates new access handlers over db
func NewHandlers(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Handlers {
	store := NewSQLStore(db)
	groups := NewDirectory(store, logger)
	resolver := NewResolver(store, groups, logger)
	resolver.SetMetrics(metrics)
	return &Handlers{
		resolver: resolver,
		writer:   NewWriter(store, resolver, groups, logger),
		groups:   groups,
		logger:   logger.Named("handlers"),
		metrics:  metrics,
	}
}

// RegisterRoutes registers all access routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/access/check", h.Check).Methods("GET")
	router.HandleFunc("/access/rules/{key}", h.GetRules).Methods("GET")
	router.HandleFunc("/access/permissions", h.StorePermission).Methods("POST")
	router.HandleFunc("/access/preload", h.Preload).Methods("POST")
	router.HandleFunc("/access/caches", h.ClearCaches).Methods("DELETE")
}

// Check resolves an action for a group or an actor against an asset
func (h *Handlers) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	action := q.Get("action")
	asset := q.Get("asset")
	if action == "" {
		http.Error(w, "action is required", http.StatusBadRequest)
		return
	}

	var state State
	if groupStr := q.Get("group"); groupStr != "" {
		groupID, err := strconv.ParseInt(groupStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid group ID", http.StatusBadRequest)
			return
		}
		state = h.resolver.CheckGroup(ctx, groupID, action, asset)
	} else {
		actor, ok := actorFromRequest(r)
		if !ok {
			http.Error(w, "group parameter or actor headers are required", http.StatusBadRequest)
			return
		}
		state = h.resolver.CheckActor(ctx, actor, action, asset)
	}

	if h.metrics != nil {
		h.metrics.RecordCheck(action, state.String())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"action":  NormalizeAction(action),
		"asset":   asset,
		"state":   state.String(),
		"allowed": state.Allowed(),
	})
}

// GetRules returns the merged rule set for an asset
func (h *Handlers) GetRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	q := r.URL.Query()

	recursive := q.Get("recursive") != "false"
	recursiveParent := q.Get("recursive_parent") != "false"

	rules := h.resolver.GetAssetRules(ctx, vars["key"], recursive, recursiveParent)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rules)
}

// StorePermission applies one explicit permission change
func (h *Handlers) StorePermission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actor, ok := actorFromRequest(r)
	if !ok {
		http.Error(w, "actor headers are required", http.StatusUnauthorized)
		return
	}

	var req PermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Component == "" || req.Action == "" || req.Rule == 0 {
		http.Error(w, "component, action and rule are required", http.StatusBadRequest)
		return
	}

	result, err := h.writer.Store(ctx, req, actor)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordWrite("rejected")
		}
		http.Error(w, err.Error(), writeErrorStatus(err))
		return
	}

	if h.metrics != nil {
		h.metrics.RecordWrite("applied")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Preload warms the resolver's asset cache for an extension
func (h *Handlers) Preload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Extension string `json:"extension"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Extension == "" {
		http.Error(w, "extension is required", http.StatusBadRequest)
		return
	}

	if err := h.resolver.Preload(ctx, req.Extension); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearCaches drops every cached resolution artifact
func (h *Handlers) ClearCaches(w http.ResponseWriter, r *http.Request) {
	h.resolver.ClearCaches()
	w.WriteHeader(http.StatusNoContent)
}

// actorFromRequest reads the acting identity from the gateway headers.
func actorFromRequest(r *http.Request) (Actor, bool) {
	idStr := r.Header.Get(HeaderActorID)
	if idStr == "" {
		return Actor{}, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Actor{}, false
	}

	actor := Actor{ID: id}
	for _, part := range strings.Split(r.Header.Get(HeaderActorGroups), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		groupID, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		actor.Groups = append(actor.Groups, groupID)
	}
	return actor, true
}

// writeErrorStatus maps writer sentinels onto HTTP statuses: validation
// to 400, guard rejections to 403, storage to 500.
func writeErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrSaveBeforeChange):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAuthorized),
		errors.Is(err, ErrChangeOwnGroup),
		errors.Is(err, ErrChangeParentGroup),
		errors.Is(err, ErrChangeSuperUserGroup),
		errors.Is(err, ErrDemoteSelf):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
