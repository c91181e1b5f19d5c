package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"github.com/gridworks/gridsync/internal/gridsync"
)

// clientMessage is one inbound socket frame after schema validation. The
// socket is scoped to a workspace, so every grid mutation names its target
// sheet explicitly.
type clientMessage struct {
	Type    string `json:"type"`
	SheetID string `json:"sheet_id"`
	gridsync.Patch
	Patches []gridsync.Patch `json:"patches"`
}

type connectedEvent struct {
	Type            string                   `json:"type"`
	ConnectionID    string                   `json:"connection_id"`
	WorkspaceStatus gridsync.WorkspaceStatus `json:"workspace_status"`
	Username        string                   `json:"username"`
}

type patchEvent struct {
	Type    string `json:"type"`
	SheetID string `json:"sheet_id"`
	gridsync.AppliedPatch
	UpdatedBy string `json:"updated_by"`
	UpdatedAt string `json:"updated_at"`
}

type batchPatchEvent struct {
	Type      string                  `json:"type"`
	SheetID   string                  `json:"sheet_id"`
	Patches   []gridsync.AppliedPatch `json:"patches"`
	UpdatedBy string                  `json:"updated_by"`
	UpdatedAt string                  `json:"updated_at"`
}

type rejectedEvent struct {
	Type    string                 `json:"type"`
	SheetID string                 `json:"sheet_id"`
	Results []gridsync.PatchResult `json:"results"`
}

type rowInsertEvent struct {
	Type      string         `json:"type"`
	SheetID   string         `json:"sheet_id"`
	RowIndex  int            `json:"row_index"`
	Count     int            `json:"count"`
	Direction string         `json:"direction"`
	UpdatedBy string         `json:"updated_by"`
	Sheet     gridsync.Sheet `json:"sheet"`
}

type rowDeleteEvent struct {
	Type       string         `json:"type"`
	SheetID    string         `json:"sheet_id"`
	RowIndices []int          `json:"row_indices"`
	UpdatedBy  string         `json:"updated_by"`
	Sheet      gridsync.Sheet `json:"sheet"`
}

type colInsertEvent struct {
	Type      string         `json:"type"`
	SheetID   string         `json:"sheet_id"`
	ColIndex  int            `json:"col_index"`
	Count     int            `json:"count"`
	Direction string         `json:"direction"`
	UpdatedBy string         `json:"updated_by"`
	Sheet     gridsync.Sheet `json:"sheet"`
}

type colDeleteEvent struct {
	Type       string         `json:"type"`
	SheetID    string         `json:"sheet_id"`
	ColIndices []int          `json:"col_indices"`
	UpdatedBy  string         `json:"updated_by"`
	Sheet      gridsync.Sheet `json:"sheet"`
}

type sheetConfigEvent struct {
	Type    string         `json:"type"`
	SheetID string         `json:"sheet_id"`
	Sheet   gridsync.Sheet `json:"sheet"`
}

type workspaceStatusEvent struct {
	Type      string                   `json:"type"`
	Status    gridsync.WorkspaceStatus `json:"status"`
	Workspace *gridsync.Workspace      `json:"workspace,omitempty"`
}

type workspaceEvent struct {
	Type        string              `json:"type"`
	WorkspaceID string              `json:"workspace_id"`
	Workspace   *gridsync.Workspace `json:"workspace,omitempty"`
	Sheet       *gridsync.Sheet     `json:"sheet,omitempty"`
	SheetID     string              `json:"sheet_id,omitempty"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongEvent struct {
	Type string `json:"type"`
}

func workspaceRoom(workspaceID string) string {
	return "workspace:" + workspaceID
}

// wsSession adapts one websocket connection to the hub. Outbound frames go
// through a buffered channel drained by a single writer goroutine; a full
// buffer fails the Send and the hub evicts the session.
type wsSession struct {
	id   string
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newWSSession(buffer int) *wsSession {
	return &wsSession{
		id:   strings.ToLower(ulid.Make().String()),
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *wsSession) ID() string {
	return c.id
}

func (c *wsSession) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

func (c *wsSession) close() {
	c.once.Do(func() { close(c.done) })
}

// handleWS serves one workspace-scoped socket. A single connection carries
// traffic for every sheet of the workspace; frames name their sheet and
// events come back tagged the same way.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, workspaceID string) {
	now := time.Now().UTC()
	var actor gridsync.Actor
	var authErr *authError
	if token := r.URL.Query().Get("token"); token != "" {
		actor, authErr = authorizeToken(token, s.cfg.JWTSecret, now)
	} else {
		actor, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	ws, err := s.store.GetWorkspace(workspaceID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), getCorrelationID(r))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		glog.Warningf("websocket accept for workspace %s: %v", workspaceID, err)
		return
	}

	session := newWSSession(s.cfg.SessionBuffer)
	s.hub.Join(workspaceRoom(workspaceID), session)
	glog.Infof("ws session %s: %s joined workspace %s", session.id, actor.ID, workspaceID)

	defer func() {
		session.close()
		s.hub.LeaveAll(session.id)
		_ = conn.CloseNow()
		glog.Infof("ws session %s: %s left workspace %s", session.id, actor.ID, workspaceID)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.wsWriter(ctx, cancel, conn, session)
	go s.wsHeartbeat(ctx, cancel, conn)

	s.sendEvent(session, connectedEvent{
		Type:            "connected",
		ConnectionID:    session.id,
		WorkspaceStatus: ws.Status,
		Username:        actor.Name,
	})

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := validateClientMessage(data); err != nil {
			s.sendEvent(session, errorEvent{Type: "error", Message: err.Error()})
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendEvent(session, errorEvent{Type: "error", Message: "malformed message"})
			continue
		}
		s.dispatchClientMessage(session, workspaceID, actor, msg)
	}
}

func (s *Server) wsWriter(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, session *wsSession) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.done:
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		case frame := <-session.out:
			writeCtx, writeCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) wsHeartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func (s *Server) dispatchClientMessage(session *wsSession, workspaceID string, actor gridsync.Actor, msg clientMessage) {
	switch msg.Type {
	case "ping":
		s.sendEvent(session, pongEvent{Type: "pong"})
		return
	case "patch", "batch_patch":
	default:
		s.sendEvent(session, errorEvent{Type: "error", Message: "unknown message type"})
		return
	}

	// The sheet must belong to this connection's workspace; a stale or
	// foreign sheet id never reaches the apply path.
	if _, err := s.store.GetSheet(workspaceID, msg.SheetID); err != nil {
		s.sendEvent(session, errorEvent{
			Type:    "error",
			Message: fmt.Sprintf("unknown sheet %q in workspace", msg.SheetID),
		})
		return
	}

	switch msg.Type {
	case "patch":
		applied, rejection, err := s.store.ApplyPatch(workspaceID, msg.SheetID, msg.Patch, actor)
		if err != nil {
			s.sendEvent(session, errorEvent{Type: "error", Message: patchErrorMessage(err)})
			return
		}
		if rejection != nil {
			s.sendEvent(session, rejectedEvent{
				Type:    "rejected",
				SheetID: msg.SheetID,
				Results: []gridsync.PatchResult{{
					Row: msg.Patch.Row, Col: msg.Patch.Col,
					Reason: rejection.Reason, Message: rejection.Message,
				}},
			})
			return
		}
		s.hub.Broadcast(workspaceRoom(workspaceID), patchEvent{
			Type:         "patch",
			SheetID:      msg.SheetID,
			AppliedPatch: applied,
			UpdatedBy:    actor.Name,
			UpdatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		}, session.id)
	case "batch_patch":
		result, err := s.store.ApplyBatch(workspaceID, msg.SheetID, msg.Patches, actor)
		if err != nil {
			s.sendEvent(session, errorEvent{Type: "error", Message: patchErrorMessage(err)})
			return
		}
		if rejected := rejectedResults(result.Results); len(rejected) > 0 {
			s.sendEvent(session, rejectedEvent{Type: "rejected", SheetID: msg.SheetID, Results: rejected})
		}
		if len(result.Applied) > 0 {
			s.hub.Broadcast(workspaceRoom(workspaceID), batchPatchEvent{
				Type:      "batch_patch",
				SheetID:   msg.SheetID,
				Patches:   result.Applied,
				UpdatedBy: actor.Name,
				UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
			}, session.id)
		}
	}
}

func (s *Server) sendEvent(session *wsSession, event any) {
	frame, err := json.Marshal(event)
	if err != nil {
		glog.Errorf("marshal event for session %s: %v", session.id, err)
		return
	}
	session.Send(frame)
}

func rejectedResults(results []gridsync.PatchResult) []gridsync.PatchResult {
	var out []gridsync.PatchResult
	for _, r := range results {
		if !r.Applied {
			out = append(out, r)
		}
	}
	return out
}

func patchErrorMessage(err error) string {
	if errors.Is(err, gridsync.ErrStoreFailure) {
		return "durable write failed, patch not applied"
	}
	return err.Error()
}
