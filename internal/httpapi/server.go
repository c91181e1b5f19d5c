package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gridworks/gridsync/internal/gridsync"
	"github.com/gridworks/gridsync/internal/hub"
)

type ServerConfig struct {
	JWTSecret         string
	TokenTTL          time.Duration
	EnableDevToken    bool
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	SessionBuffer     int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
}

type Server struct {
	store       *gridsync.Store
	hub         *hub.Registry
	cfg         ServerConfig
	rateLimiter *rateLimiter
	startedAt   time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *gridsync.Store, registry *hub.Registry) *Server {
	return NewServerWithConfig(store, registry, ServerConfig{})
}

func NewServerWithConfig(store *gridsync.Store, registry *hub.Registry, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SessionBuffer <= 0 {
		cfg.SessionBuffer = 256
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	if registry == nil {
		registry = hub.NewRegistry()
	}
	return &Server{
		store:       store,
		hub:         registry,
		cfg:         cfg,
		rateLimiter: limiter,
		startedAt:   time.Now().UTC(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/token" && r.Method == http.MethodPost {
		s.handleDevToken(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/status" && r.Method == http.MethodGet {
		s.handleAdminStatus(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "workspaces" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if len(parts) == 2 {
		switch r.Method {
		case http.MethodGet:
			s.withActor(w, r, func(actor gridsync.Actor, correlationID string) {
				writeJSON(w, http.StatusOK, map[string]any{"workspaces": s.store.ListWorkspaces()})
			})
		case http.MethodPost:
			s.withActor(w, r, func(actor gridsync.Actor, correlationID string) {
				s.handleCreateWorkspace(w, r, actor, correlationID)
			})
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		}
		return
	}

	workspaceID := parts[2]
	rest := parts[3:]

	var route string
	var sheetID string
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		route = "workspace"
	case len(rest) == 1 && rest[0] == "close" && r.Method == http.MethodPost:
		route = "close"
	case len(rest) == 1 && rest[0] == "reopen" && r.Method == http.MethodPost:
		route = "reopen"
	case len(rest) == 1 && rest[0] == "reload" && r.Method == http.MethodPost:
		route = "reload"
	case len(rest) == 1 && rest[0] == "changes" && r.Method == http.MethodGet:
		route = "changes"
	case len(rest) == 1 && rest[0] == "sheets" && r.Method == http.MethodPost:
		route = "sheet_add"
	case len(rest) == 2 && rest[0] == "sheets" && rest[1] == "reorder" && r.Method == http.MethodPost:
		route = "sheets_reorder"
	case len(rest) == 2 && rest[0] == "sheets" && r.Method == http.MethodDelete:
		route = "sheet_delete"
		sheetID = rest[1]
	case len(rest) == 3 && rest[0] == "sheets" && rest[2] == "rename" && r.Method == http.MethodPost:
		route = "sheet_rename"
		sheetID = rest[1]
	case len(rest) == 3 && rest[0] == "sheets" && rest[2] == "copy" && r.Method == http.MethodPost:
		route = "sheet_copy"
		sheetID = rest[1]
	case len(rest) == 3 && rest[0] == "sheets" && rest[2] == "snapshot" && r.Method == http.MethodGet:
		route = "snapshot"
		sheetID = rest[1]
	case len(rest) == 3 && rest[0] == "sheets" && rest[2] == "patches" && r.Method == http.MethodPost:
		route = "patches"
		sheetID = rest[1]
	case len(rest) == 3 && rest[0] == "sheets" && rest[2] == "meta" && r.Method == http.MethodPatch:
		route = "meta"
		sheetID = rest[1]
	case len(rest) == 1 && rest[0] == "ws" && r.Method == http.MethodGet:
		s.handleWS(w, r, workspaceID)
		return
	case len(rest) == 4 && rest[0] == "sheets" && rest[2] == "rows" && rest[3] == "insert" && r.Method == http.MethodPost:
		route = "rows_insert"
		sheetID = rest[1]
	case len(rest) == 4 && rest[0] == "sheets" && rest[2] == "rows" && rest[3] == "delete" && r.Method == http.MethodPost:
		route = "rows_delete"
		sheetID = rest[1]
	case len(rest) == 4 && rest[0] == "sheets" && rest[2] == "cols" && rest[3] == "insert" && r.Method == http.MethodPost:
		route = "cols_insert"
		sheetID = rest[1]
	case len(rest) == 4 && rest[0] == "sheets" && rest[2] == "cols" && rest[3] == "delete" && r.Method == http.MethodPost:
		route = "cols_delete"
		sheetID = rest[1]
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	s.withActor(w, r, func(actor gridsync.Actor, correlationID string) {
		switch route {
		case "workspace":
			s.handleGetWorkspace(w, workspaceID, correlationID)
		case "close":
			s.handleCloseWorkspace(w, workspaceID, actor, correlationID)
		case "reopen":
			s.handleReopenWorkspace(w, workspaceID, actor, correlationID)
		case "reload":
			s.handleReload(w, workspaceID, actor, correlationID)
		case "changes":
			s.handleChanges(w, r, workspaceID, correlationID)
		case "sheet_add":
			s.handleAddSheet(w, r, workspaceID, actor, correlationID)
		case "sheets_reorder":
			s.handleReorderSheets(w, r, workspaceID, actor, correlationID)
		case "sheet_delete":
			s.handleDeleteSheet(w, workspaceID, sheetID, actor, correlationID)
		case "sheet_rename":
			s.handleRenameSheet(w, r, workspaceID, sheetID, actor, correlationID)
		case "sheet_copy":
			s.handleCopySheet(w, r, workspaceID, sheetID, actor, correlationID)
		case "snapshot":
			s.handleSnapshot(w, workspaceID, sheetID, correlationID)
		case "patches":
			s.handlePatches(w, r, workspaceID, sheetID, actor, correlationID)
		case "meta":
			s.handleSheetMeta(w, r, workspaceID, sheetID, actor, correlationID)
		case "rows_insert":
			s.handleStructural(w, r, workspaceID, sheetID, actor, correlationID, gridsync.OpRowInsert)
		case "rows_delete":
			s.handleStructural(w, r, workspaceID, sheetID, actor, correlationID, gridsync.OpRowDelete)
		case "cols_insert":
			s.handleStructural(w, r, workspaceID, sheetID, actor, correlationID, gridsync.OpColInsert)
		case "cols_delete":
			s.handleStructural(w, r, workspaceID, sheetID, actor, correlationID, gridsync.OpColDelete)
		}
	})
}

// withActor authenticates the request, enforces the correlation-ID contract
// on mutating methods and applies per-actor rate limiting.
func (s *Server) withActor(w http.ResponseWriter, r *http.Request, next func(actor gridsync.Actor, correlationID string)) {
	actor, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(actor.ID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	next(actor, correlationID)
}

func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.EnableDevToken {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	var req struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
		Role   string `json:"role"`
	}
	if !s.decodeJSONBody(w, r, getCorrelationID(r), &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId required", getCorrelationID(r))
		return
	}
	role := gridsync.Role(strings.ToUpper(strings.TrimSpace(req.Role)))
	if role.Rank() < 0 {
		role = gridsync.RoleUser
	}
	actor := gridsync.Actor{ID: req.UserID, Name: req.Name, Role: role}
	token, err := MintToken(s.cfg.JWTSecret, actor, s.cfg.TokenTTL, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request, actor gridsync.Actor, correlationID string) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ws, err := s.store.CreateWorkspace(req.Name, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, workspaceID, correlationID string) {
	ws, err := s.store.GetWorkspace(workspaceID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	sheets := make([]gridsync.Sheet, 0, len(ws.SheetOrder))
	for _, sheetID := range ws.SheetOrder {
		if sheet, err := s.store.GetSheet(workspaceID, sheetID); err == nil {
			sheets = append(sheets, sheet)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace": ws, "sheets": sheets})
}

func (s *Server) handleCloseWorkspace(w http.ResponseWriter, workspaceID string, actor gridsync.Actor, correlationID string) {
	ws, err := s.store.CloseWorkspace(workspaceID, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceStatusEvent{
		Type: "workspace_status", Status: ws.Status, Workspace: &ws,
	}, "")
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleReopenWorkspace(w http.ResponseWriter, workspaceID string, actor gridsync.Actor, correlationID string) {
	ws, err := s.store.ReopenWorkspace(workspaceID, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceStatusEvent{
		Type: "workspace_status", Status: ws.Status, Workspace: &ws,
	}, "")
	writeJSON(w, http.StatusOK, ws)
}

// handleReload tells every live session of the workspace to refetch its
// snapshot, typically after an out-of-band import.
func (s *Server) handleReload(w http.ResponseWriter, workspaceID string, actor gridsync.Actor, correlationID string) {
	if !actor.Role.Privileged() {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required", correlationID)
		return
	}
	if _, err := s.store.GetWorkspace(workspaceID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	delivered := s.hub.Broadcast(workspaceRoom(workspaceID), workspaceEvent{
		Type: "reload", WorkspaceID: workspaceID,
	}, "")
	writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, workspaceID, correlationID string) {
	if _, err := s.store.GetWorkspace(workspaceID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": s.store.Changes(workspaceID, limit)})
}

func (s *Server) handleAddSheet(w http.ResponseWriter, r *http.Request, workspaceID string, actor gridsync.Actor, correlationID string) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	sheet, err := s.store.AddSheet(workspaceID, req.Name, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceEvent{
		Type: "sheet_added", WorkspaceID: workspaceID, Sheet: &sheet,
	}, "")
	writeJSON(w, http.StatusCreated, sheet)
}

func (s *Server) handleReorderSheets(w http.ResponseWriter, r *http.Request, workspaceID string, actor gridsync.Actor, correlationID string) {
	var req struct {
		Order []string `json:"order"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ws, err := s.store.ReorderSheets(workspaceID, req.Order, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceEvent{
		Type: "sheets_reordered", WorkspaceID: workspaceID, Workspace: &ws,
	}, "")
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleDeleteSheet(w http.ResponseWriter, workspaceID, sheetID string, actor gridsync.Actor, correlationID string) {
	if err := s.store.DeleteSheet(workspaceID, sheetID, actor); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceEvent{
		Type: "sheet_deleted", WorkspaceID: workspaceID, SheetID: sheetID,
	}, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRenameSheet(w http.ResponseWriter, r *http.Request, workspaceID, sheetID string, actor gridsync.Actor, correlationID string) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	sheet, err := s.store.RenameSheet(workspaceID, sheetID, req.Name, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceEvent{
		Type: "sheet_renamed", WorkspaceID: workspaceID, Sheet: &sheet,
	}, "")
	writeJSON(w, http.StatusOK, sheet)
}

func (s *Server) handleCopySheet(w http.ResponseWriter, r *http.Request, workspaceID, sheetID string, actor gridsync.Actor, correlationID string) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	sheet, err := s.store.CopySheet(workspaceID, sheetID, req.Name, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), workspaceEvent{
		Type: "sheet_added", WorkspaceID: workspaceID, Sheet: &sheet,
	}, "")
	writeJSON(w, http.StatusCreated, sheet)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, workspaceID, sheetID, correlationID string) {
	snapshot, err := s.store.Snapshot(workspaceID, sheetID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handlePatches is the HTTP fallback for clients without a live socket. It
// shares the store apply path with the socket and echoes into the same
// rooms; a known connectionId keeps the submitter's own socket quiet.
func (s *Server) handlePatches(w http.ResponseWriter, r *http.Request, workspaceID, sheetID string, actor gridsync.Actor, correlationID string) {
	var req struct {
		Patches      []gridsync.Patch `json:"patches"`
		ConnectionID string           `json:"connectionId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.store.ApplyBatch(workspaceID, sheetID, req.Patches, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if len(result.Applied) > 0 {
		s.hub.Broadcast(workspaceRoom(workspaceID), batchPatchEvent{
			Type:      "batch_patch",
			SheetID:   sheetID,
			Patches:   result.Applied,
			UpdatedBy: actor.Name,
			UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		}, req.ConnectionID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": result.Results})
}

func (s *Server) handleSheetMeta(w http.ResponseWriter, r *http.Request, workspaceID, sheetID string, actor gridsync.Actor, correlationID string) {
	var update gridsync.SheetMetaUpdate
	if !s.decodeJSONBody(w, r, correlationID, &update) {
		return
	}
	sheet, err := s.store.UpdateSheetMeta(workspaceID, sheetID, update, actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.Broadcast(workspaceRoom(workspaceID), sheetConfigEvent{Type: "sheet_config_updated", SheetID: sheetID, Sheet: sheet}, "")
	writeJSON(w, http.StatusOK, sheet)
}

func (s *Server) handleStructural(w http.ResponseWriter, r *http.Request, workspaceID, sheetID string, actor gridsync.Actor, correlationID, op string) {
	var req struct {
		At        int    `json:"at"`
		Count     int    `json:"count"`
		Direction string `json:"direction"`
		Indices   []int  `json:"indices"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	at, direction, err := normalizeInsertPoint(op, req.At, req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var change gridsync.StructuralChange
	switch op {
	case gridsync.OpRowInsert:
		change, err = s.store.InsertRows(workspaceID, sheetID, at, req.Count, actor)
	case gridsync.OpRowDelete:
		change, err = s.store.DeleteRows(workspaceID, sheetID, req.Indices, actor)
	case gridsync.OpColInsert:
		change, err = s.store.InsertCols(workspaceID, sheetID, at, req.Count, actor)
	case gridsync.OpColDelete:
		change, err = s.store.DeleteCols(workspaceID, sheetID, req.Indices, actor)
	}
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.broadcastStructural(workspaceID, sheetID, actor, change, direction)
	glog.V(1).Infof("%s on sheet %s by %s", change.Op, sheetID, actor.ID)
	writeJSON(w, http.StatusOK, change)
}

// normalizeInsertPoint folds an insert direction into the effective index.
// Rows insert above the anchor by default, columns before it; "below" and
// "after" shift the insert point past the anchor.
func normalizeInsertPoint(op string, at int, direction string) (int, string, error) {
	switch op {
	case gridsync.OpRowInsert:
		switch direction {
		case "", "above":
			return at, "above", nil
		case "below":
			return at + 1, "below", nil
		}
		return 0, "", fmt.Errorf("direction must be above or below, got %q", direction)
	case gridsync.OpColInsert:
		switch direction {
		case "", "before":
			return at, "before", nil
		case "after":
			return at + 1, "after", nil
		}
		return 0, "", fmt.Errorf("direction must be before or after, got %q", direction)
	default:
		return at, "", nil
	}
}

// broadcastStructural fans the committed change out to the workspace room
// in its wire shape: inserts carry the effective index and direction,
// deletes the removed indices.
func (s *Server) broadcastStructural(workspaceID, sheetID string, actor gridsync.Actor, change gridsync.StructuralChange, direction string) {
	room := workspaceRoom(workspaceID)
	switch change.Op {
	case gridsync.OpRowInsert:
		s.hub.Broadcast(room, rowInsertEvent{
			Type: change.Op, SheetID: sheetID,
			RowIndex: change.At, Count: change.Count, Direction: direction,
			UpdatedBy: actor.Name, Sheet: change.Sheet,
		}, "")
	case gridsync.OpRowDelete:
		s.hub.Broadcast(room, rowDeleteEvent{
			Type: change.Op, SheetID: sheetID,
			RowIndices: change.Indices,
			UpdatedBy:  actor.Name, Sheet: change.Sheet,
		}, "")
	case gridsync.OpColInsert:
		s.hub.Broadcast(room, colInsertEvent{
			Type: change.Op, SheetID: sheetID,
			ColIndex: change.At, Count: change.Count, Direction: direction,
			UpdatedBy: actor.Name, Sheet: change.Sheet,
		}, "")
	case gridsync.OpColDelete:
		s.hub.Broadcast(room, colDeleteEvent{
			Type: change.Op, SheetID: sheetID,
			ColIndices: change.Indices,
			UpdatedBy:  actor.Name, Sheet: change.Sheet,
		}, "")
	}
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	actor, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !actor.Role.Privileged() {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required", getCorrelationID(r))
		return
	}
	rooms := s.hub.Rooms()
	roomCounts := make(map[string]int, len(rooms))
	for _, room := range rooms {
		roomCounts[room] = s.hub.Count(room)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"startedAt":  s.startedAt.Format(time.RFC3339),
		"workspaces": len(s.store.ListWorkspaces()),
		"rooms":      roomCounts,
	})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var rejection *gridsync.Rejection
	switch {
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "rejected",
			"reason":        rejection.Reason,
			"message":       rejection.Message,
			"correlationId": correlationID,
		})
	case errors.Is(err, gridsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, gridsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, gridsync.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, gridsync.ErrLastSheet):
		writeError(w, http.StatusConflict, "last_sheet", err.Error(), correlationID)
	case errors.Is(err, gridsync.ErrStoreFailure):
		writeError(w, http.StatusServiceUnavailable, "store_failure", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
