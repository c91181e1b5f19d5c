package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gridworks/gridsync/internal/gridsync"
	"github.com/gridworks/gridsync/internal/hub"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		body = bytes.NewBuffer(data)
	} else {
		body = bytes.NewBuffer(nil)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

func authHeaders(t *testing.T, actor gridsync.Actor, correlationID string) map[string]string {
	t.Helper()
	token, err := MintToken("dev-secret", actor, time.Hour, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	if correlationID != "" {
		headers["X-Correlation-Id"] = correlationID
	}
	return headers
}

var (
	apiUser  = gridsync.Actor{ID: "u_1", Name: "Pat", Role: gridsync.RoleUser}
	apiAdmin = gridsync.Actor{ID: "a_1", Name: "Morgan", Role: gridsync.RoleAdmin}
)

func createWorkspace(t *testing.T, server *Server) (string, string) {
	t.Helper()
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces",
		headers: authHeaders(t, apiUser, "corr_create"),
		body:    map[string]string{"name": "test"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create workspace: %d (%s)", resp.Code, resp.Body.String())
	}
	var ws gridsync.Workspace
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		t.Fatalf("decode workspace: %v", err)
	}
	return ws.ID, ws.SheetOrder[0]
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestCorrelationIDRequiredOnMutation(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces",
		headers: authHeaders(t, apiUser, ""),
		body:    map[string]string{"name": "x"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "X-Correlation-Id") {
		t.Fatalf("error does not name the missing header: %s", resp.Body.String())
	}
}

func TestWorkspaceCRUD(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, sheetID := createWorkspace(t, server)

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/" + wsID,
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("get workspace: %d (%s)", resp.Code, resp.Body.String())
	}
	var got struct {
		Workspace gridsync.Workspace `json:"workspace"`
		Sheets    []gridsync.Sheet   `json:"sheets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode workspace: %v", err)
	}
	if got.Workspace.ID != wsID || len(got.Sheets) != 1 || got.Sheets[0].ID != sheetID {
		t.Fatalf("unexpected workspace payload: %+v", got)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces",
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), wsID) {
		t.Fatalf("list workspaces: %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/ws_missing",
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("missing workspace: %d", resp.Code)
	}
}

func TestPatchesEndpoint(t *testing.T) {
	registry := hub.NewRegistry()
	server := NewServer(gridsync.NewStore(), registry)
	wsID, sheetID := createWorkspace(t, server)

	peer := &fakeHubSession{id: "peer"}
	submitter := &fakeHubSession{id: "conn_sub"}
	registry.Join(workspaceRoom(wsID), peer)
	registry.Join(workspaceRoom(wsID), submitter)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/patches", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_patch"),
		body: map[string]any{
			"connectionId": "conn_sub",
			"patches": []map[string]any{
				{"row": 0, "col": 0, "value": "alpha"},
				{"row": 0, "col": 1, "value": nil},
			},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("patches: %d (%s)", resp.Code, resp.Body.String())
	}
	var result struct {
		Results []gridsync.PatchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(result.Results) != 2 || !result.Results[0].Applied || !result.Results[1].Applied {
		t.Fatalf("results = %+v", result.Results)
	}

	if len(peer.frames) != 1 {
		t.Fatalf("peer got %d frames, want 1", len(peer.frames))
	}
	if len(submitter.frames) != 0 {
		t.Fatalf("submitter echoed its own batch")
	}
	var event struct {
		Type      string           `json:"type"`
		SheetID   string           `json:"sheet_id"`
		UpdatedBy string           `json:"updated_by"`
		Patches   []gridsync.Patch `json:"patches"`
	}
	if err := json.Unmarshal(peer.frames[0], &event); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if event.Type != "batch_patch" || event.SheetID != sheetID || len(event.Patches) != 2 {
		t.Fatalf("broadcast = %+v", event)
	}
	if event.UpdatedBy != apiUser.Name {
		t.Fatalf("updated_by = %q", event.UpdatedBy)
	}
	// A null clear is normalized on the way out.
	if string(event.Patches[1].Value) != "null" {
		t.Fatalf("cleared value broadcast as %s", event.Patches[1].Value)
	}
}

func TestPatchesRejectionsNotBroadcast(t *testing.T) {
	registry := hub.NewRegistry()
	server := NewServer(gridsync.NewStore(), registry)
	wsID, sheetID := createWorkspace(t, server)

	// Lock a cell, then protect the sheet so user patches to it bounce.
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/patches", wsID, sheetID),
		headers: authHeaders(t, apiAdmin, "corr_lock"),
		body: map[string]any{
			"patches": []map[string]any{{"row": 0, "col": 0, "style": `{"locked":true}`}},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("lock cell: %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/meta", wsID, sheetID),
		headers: authHeaders(t, apiAdmin, "corr_meta"),
		body:    map[string]any{"protected": true},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("meta: %d (%s)", resp.Code, resp.Body.String())
	}

	peer := &fakeHubSession{id: "peer"}
	registry.Join(workspaceRoom(wsID), peer)

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/patches", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_patch"),
		body: map[string]any{
			"patches": []map[string]any{{"row": 0, "col": 0, "value": "x"}},
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("patches: %d (%s)", resp.Code, resp.Body.String())
	}
	var result struct {
		Results []gridsync.PatchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if result.Results[0].Applied || result.Results[0].Reason != gridsync.RejectProtectedCell {
		t.Fatalf("results = %+v", result.Results)
	}
	if len(peer.frames) != 0 {
		t.Fatalf("rejected patch reached peers")
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, sheetID := createWorkspace(t, server)

	doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/patches", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_patch"),
		body:    map[string]any{"patches": []map[string]any{{"row": 1, "col": 2, "value": "v"}}},
	})

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/snapshot", wsID, sheetID),
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("snapshot: %d (%s)", resp.Code, resp.Body.String())
	}
	var snap gridsync.SheetSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SheetID != sheetID || len(snap.Cells) != 1 || snap.Cells[0].Value == nil || *snap.Cells[0].Value != "v" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStructuralEndpoints(t *testing.T) {
	registry := hub.NewRegistry()
	server := NewServer(gridsync.NewStore(), registry)
	wsID, sheetID := createWorkspace(t, server)
	peer := &fakeHubSession{id: "peer"}
	registry.Join(workspaceRoom(wsID), peer)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/rows/insert", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_rows"),
		body:    map[string]any{"at": 2, "count": 3},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("rows insert: %d (%s)", resp.Code, resp.Body.String())
	}
	var change gridsync.StructuralChange
	if err := json.NewDecoder(resp.Body).Decode(&change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.Op != gridsync.OpRowInsert || change.At != 2 || change.Count != 3 {
		t.Fatalf("change = %+v", change)
	}
	if len(peer.frames) != 1 {
		t.Fatalf("structural broadcast missing: %v", peer.frames)
	}
	var rowEvent struct {
		Type      string `json:"type"`
		SheetID   string `json:"sheet_id"`
		RowIndex  int    `json:"row_index"`
		Count     int    `json:"count"`
		Direction string `json:"direction"`
		UpdatedBy string `json:"updated_by"`
	}
	if err := json.Unmarshal(peer.frames[0], &rowEvent); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if rowEvent.Type != gridsync.OpRowInsert || rowEvent.SheetID != sheetID ||
		rowEvent.RowIndex != 2 || rowEvent.Count != 3 || rowEvent.Direction != "above" ||
		rowEvent.UpdatedBy != apiUser.Name {
		t.Fatalf("broadcast = %+v", rowEvent)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/cols/delete", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_cols"),
		body:    map[string]any{"indices": []int{1, 2}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("cols delete: %d (%s)", resp.Code, resp.Body.String())
	}
	var colEvent struct {
		Type       string `json:"type"`
		ColIndices []int  `json:"col_indices"`
	}
	if err := json.Unmarshal(peer.frames[len(peer.frames)-1], &colEvent); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if colEvent.Type != gridsync.OpColDelete || len(colEvent.ColIndices) != 2 {
		t.Fatalf("broadcast = %+v", colEvent)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/rows/delete", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_bad"),
		body:    map[string]any{"indices": []int{}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("empty delete: %d", resp.Code)
	}
}

func TestInsertDirectionNormalized(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, sheetID := createWorkspace(t, server)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/rows/insert", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_below"),
		body:    map[string]any{"at": 4, "count": 2, "direction": "below"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("rows insert below: %d (%s)", resp.Code, resp.Body.String())
	}
	var change gridsync.StructuralChange
	if err := json.NewDecoder(resp.Body).Decode(&change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.At != 5 {
		t.Fatalf("below anchor 4 should insert at 5, got %d", change.At)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/cols/insert", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_after"),
		body:    map[string]any{"at": 1, "direction": "after"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("cols insert after: %d (%s)", resp.Code, resp.Body.String())
	}
	if err := json.NewDecoder(resp.Body).Decode(&change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.At != 2 || change.Count != 1 {
		t.Fatalf("after anchor 1 should insert at 2, got %+v", change)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/rows/insert", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_sideways"),
		body:    map[string]any{"at": 0, "direction": "sideways"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bogus direction: %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestSheetLifecycleEndpoints(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, firstSheet := createWorkspace(t, server)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/" + wsID + "/sheets",
		headers: authHeaders(t, apiUser, "corr_add"),
		body:    map[string]string{"name": "Data"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("add sheet: %d (%s)", resp.Code, resp.Body.String())
	}
	var second gridsync.Sheet
	if err := json.NewDecoder(resp.Body).Decode(&second); err != nil {
		t.Fatalf("decode sheet: %v", err)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/rename", wsID, second.ID),
		headers: authHeaders(t, apiUser, "corr_rename"),
		body:    map[string]string{"name": "Archive"},
	})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Archive") {
		t.Fatalf("rename: %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/copy", wsID, second.ID),
		headers: authHeaders(t, apiUser, "corr_copy"),
		body:    map[string]string{},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("copy: %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/" + wsID + "/sheets/reorder",
		headers: authHeaders(t, apiUser, "corr_reorder"),
		body:    map[string]any{"order": []string{firstSheet}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad reorder: %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s", wsID, second.ID),
		headers: authHeaders(t, apiUser, "corr_delete"),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("delete sheet: %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestDeleteLastSheetConflict(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, sheetID := createWorkspace(t, server)

	resp := doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_delete"),
	})
	if resp.Code != http.StatusConflict || !strings.Contains(resp.Body.String(), "last_sheet") {
		t.Fatalf("last sheet delete: %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestCloseReopenAndForbidden(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, _ := createWorkspace(t, server)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/" + wsID + "/close",
		headers: authHeaders(t, apiUser, "corr_close"),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("user close: %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/" + wsID + "/close",
		headers: authHeaders(t, apiAdmin, "corr_close"),
	})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), string(gridsync.WorkspaceClosed)) {
		t.Fatalf("admin close: %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces/" + wsID + "/reopen",
		headers: authHeaders(t, apiAdmin, "corr_reopen"),
	})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), string(gridsync.WorkspaceOpen)) {
		t.Fatalf("admin reopen: %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestChangesEndpoint(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	wsID, sheetID := createWorkspace(t, server)

	doRequest(t, server, request{
		method:  http.MethodPost,
		path:    fmt.Sprintf("/v1/workspaces/%s/sheets/%s/patches", wsID, sheetID),
		headers: authHeaders(t, apiUser, "corr_patch"),
		body: map[string]any{"patches": []map[string]any{
			{"row": 0, "col": 0, "value": "a"},
			{"row": 0, "col": 1, "value": "b"},
		}},
	})

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces/" + wsID + "/changes?limit=1",
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("changes: %d (%s)", resp.Code, resp.Body.String())
	}
	var got struct {
		Changes []gridsync.ChangeEntry `json:"changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode changes: %v", err)
	}
	if len(got.Changes) != 1 || got.Changes[0].Col != 1 {
		t.Fatalf("changes = %+v", got.Changes)
	}
}

func TestDevTokenEndpoint(t *testing.T) {
	disabled := NewServer(gridsync.NewStore(), nil)
	resp := doRequest(t, disabled, request{
		method: http.MethodPost,
		path:   "/v1/token",
		body:   map[string]string{"userId": "u_1"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("disabled dev token: %d", resp.Code)
	}

	enabled := NewServerWithConfig(gridsync.NewStore(), nil, ServerConfig{EnableDevToken: true})
	resp = doRequest(t, enabled, request{
		method: http.MethodPost,
		path:   "/v1/token",
		body:   map[string]string{"userId": "u_1", "name": "Pat", "role": "admin"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("dev token: %d (%s)", resp.Code, resp.Body.String())
	}
	var got struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode token: %v", err)
	}
	actor, authErr := authorizeToken(got.Token, "dev-secret", time.Now().UTC())
	if authErr != nil {
		t.Fatalf("minted token invalid: %+v", authErr)
	}
	if actor.ID != "u_1" || actor.Role != gridsync.RoleAdmin {
		t.Fatalf("minted actor = %+v", actor)
	}

	resp = doRequest(t, enabled, request{
		method: http.MethodPost,
		path:   "/v1/token",
		body:   map[string]string{"name": "no-id"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("token without userId: %d", resp.Code)
	}
}

func TestAdminStatus(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	createWorkspace(t, server)

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/status",
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("user status: %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/status",
		headers: authHeaders(t, apiAdmin, ""),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("admin status: %d (%s)", resp.Code, resp.Body.String())
	}
	var status struct {
		Workspaces int `json:"workspaces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Workspaces != 1 {
		t.Fatalf("workspaces = %d, want 1", status.Workspaces)
	}
}

func TestRateLimiting(t *testing.T) {
	server := NewServerWithConfig(gridsync.NewStore(), nil, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/workspaces",
			headers: authHeaders(t, apiUser, ""),
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, resp.Code)
		}
	}
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces",
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}

	// A different actor has its own budget.
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/workspaces",
		headers: authHeaders(t, apiAdmin, ""),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("other actor limited: %d", resp.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(gridsync.NewStore(), nil, ServerConfig{MaxBodyBytes: 64})
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/workspaces",
		headers: authHeaders(t, apiUser, "corr_big"),
		body:    map[string]string{"name": strings.Repeat("x", 256)},
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(gridsync.NewStore(), nil)
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/unknown",
		headers: authHeaders(t, apiUser, ""),
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestDispatchValidatesSheetAgainstWorkspace(t *testing.T) {
	registry := hub.NewRegistry()
	server := NewServer(gridsync.NewStore(), registry)
	wsID, sheetID := createWorkspace(t, server)

	session := newWSSession(8)
	peer := &fakeHubSession{id: "peer"}
	registry.Join(workspaceRoom(wsID), session)
	registry.Join(workspaceRoom(wsID), peer)

	readFrame := func() string {
		select {
		case frame := <-session.out:
			return string(frame)
		default:
			t.Fatal("expected a frame for the submitter")
			return ""
		}
	}

	// A sheet id from some other workspace never reaches the apply path.
	server.dispatchClientMessage(session, wsID, apiUser, clientMessage{
		Type:    "patch",
		SheetID: "sh_foreign",
		Patch:   gridsync.Patch{Row: 0, Col: 0, Value: json.RawMessage(`"x"`)},
	})
	if frame := readFrame(); !strings.Contains(frame, `"error"`) || !strings.Contains(frame, "sh_foreign") {
		t.Fatalf("frame = %s", frame)
	}
	if len(peer.frames) != 0 {
		t.Fatalf("foreign-sheet patch broadcast to peers")
	}

	// The workspace's own sheet applies and fans out, excluding the submitter.
	server.dispatchClientMessage(session, wsID, apiUser, clientMessage{
		Type:    "patch",
		SheetID: sheetID,
		Patch:   gridsync.Patch{Row: 0, Col: 0, Value: json.RawMessage(`"x"`)},
	})
	if len(peer.frames) != 1 || !strings.Contains(string(peer.frames[0]), `"sheet_id":"`+sheetID+`"`) {
		t.Fatalf("peer frames = %v", peer.frames)
	}
	select {
	case frame := <-session.out:
		t.Fatalf("submitter echoed its own patch: %s", frame)
	default:
	}
}

type fakeHubSession struct {
	id     string
	frames [][]byte
}

func (s *fakeHubSession) ID() string { return s.id }

func (s *fakeHubSession) Send(frame []byte) bool {
	s.frames = append(s.frames, frame)
	return true
}
