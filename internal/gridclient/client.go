// Package gridclient is the Go client for a gridsync server. It keeps a
// local mirror of one sheet, reconnects with backoff, resyncs from the
// snapshot endpoint after every (re)connect, and falls back to the HTTP
// patch endpoint while the socket is down.
package gridclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"

	"github.com/gridworks/gridsync/internal/gridsync"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one decoded server broadcast, delivered to the OnEvent hook after
// the local grid has applied it. The wire uses snake_case field names; one
// struct covers every event shape the server emits.
type Event struct {
	Type       string                   `json:"type"`
	SheetID    string                   `json:"sheet_id"`
	Row        int                      `json:"row"`
	Col        int                      `json:"col"`
	Value      json.RawMessage          `json:"value"`
	Style      json.RawMessage          `json:"style"`
	Comment    json.RawMessage          `json:"comment"`
	Hyperlink  json.RawMessage          `json:"hyperlink"`
	Patches    []gridsync.AppliedPatch  `json:"patches"`
	Results    []gridsync.PatchResult   `json:"results"`
	RowIndex   int                      `json:"row_index"`
	ColIndex   int                      `json:"col_index"`
	Count      int                      `json:"count"`
	Direction  string                   `json:"direction"`
	RowIndices []int                    `json:"row_indices"`
	ColIndices []int                    `json:"col_indices"`
	Sheet      *gridsync.Sheet          `json:"sheet"`
	UpdatedBy  string                   `json:"updated_by"`
	UpdatedAt  string                   `json:"updated_at"`
	Message    string                   `json:"message"`
	Status     gridsync.WorkspaceStatus `json:"status"`
	Username   string                   `json:"username"`
	ConnID     string                   `json:"connection_id"`
}

type Config struct {
	BaseURL      string
	Token        string
	WorkspaceID  string
	SheetID      string
	HTTPClient   *http.Client
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	OnEvent      func(event Event)
	OnState      func(state State)
}

type Client struct {
	cfg  Config
	grid *Grid

	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	connectionID string
	pending      []gridsync.Patch
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("base url required")
	}
	if strings.TrimSpace(cfg.WorkspaceID) == "" || strings.TrimSpace(cfg.SheetID) == "" {
		return nil, errors.New("workspace and sheet ids required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, grid: NewGrid(), state: StateConnecting, done: make(chan struct{})}, nil
}

func (c *Client) Grid() *Grid {
	return c.grid
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID reports the server-assigned id of the live socket, empty when
// disconnected. It is echoed on HTTP fallback submissions so the server can
// skip the submitter's own socket.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	hook := c.cfg.OnState
	c.mu.Unlock()
	if hook != nil {
		hook(state)
	}
}

// Run keeps the socket alive until ctx is canceled. Each successful connect
// resyncs the grid from the snapshot endpoint and flushes patches queued
// while offline.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		select {
		case <-c.done:
			c.setState(StateClosed)
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			c.setState(StateClosed)
			return err
		}
		c.setState(StateConnecting)
		err := c.connectOnce(ctx)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		select {
		case <-c.done:
			c.setState(StateClosed)
			return nil
		default:
		}
		if err != nil {
			glog.Warningf("gridclient: connection to workspace %s failed: %v", c.cfg.WorkspaceID, err)
		}
		select {
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		case <-c.done:
			c.setState(StateClosed)
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	wsURL, err := c.socketURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.CloseNow()
		c.mu.Lock()
		c.conn = nil
		c.connectionID = ""
		c.mu.Unlock()
	}()

	if err := c.Resync(ctx); err != nil {
		return fmt.Errorf("snapshot resync: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)

	if err := c.flushPending(ctx, conn); err != nil {
		return err
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			glog.Warningf("gridclient: undecodable frame: %v", err)
			continue
		}
		c.handleEvent(ctx, event)
	}
}

func (c *Client) socketURL() (string, error) {
	parsed, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = fmt.Sprintf("/v1/workspaces/%s/ws", c.cfg.WorkspaceID)
	query := parsed.Query()
	query.Set("token", c.cfg.Token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (c *Client) handleEvent(ctx context.Context, event Event) {
	switch event.Type {
	case "connected":
		c.mu.Lock()
		c.connectionID = event.ConnID
		c.mu.Unlock()
	case "patch":
		if event.SheetID == c.cfg.SheetID {
			c.grid.ApplyPatch(gridsync.AppliedPatch{
				Row: event.Row, Col: event.Col,
				Value: event.Value, Style: event.Style,
				Comment: event.Comment, Hyperlink: event.Hyperlink,
			}, event.UpdatedBy, event.UpdatedAt)
		}
	case "batch_patch":
		if event.SheetID == c.cfg.SheetID {
			for _, patch := range event.Patches {
				c.grid.ApplyPatch(patch, event.UpdatedBy, event.UpdatedAt)
			}
		}
	case "row_insert", "col_insert":
		if event.SheetID == c.cfg.SheetID && event.Sheet != nil {
			at := event.RowIndex
			if event.Type == "col_insert" {
				at = event.ColIndex
			}
			c.grid.ApplyStructural(event.Type, at, event.Count, nil, *event.Sheet)
		}
	case "row_delete", "col_delete":
		if event.SheetID == c.cfg.SheetID && event.Sheet != nil {
			indices := event.RowIndices
			if event.Type == "col_delete" {
				indices = event.ColIndices
			}
			c.grid.ApplyStructural(event.Type, 0, 0, indices, *event.Sheet)
		}
	case "sheet_config_updated":
		if event.SheetID == c.cfg.SheetID && event.Sheet != nil {
			c.grid.SetSheet(*event.Sheet)
		}
	case "reload":
		if err := c.Resync(ctx); err != nil {
			glog.Warningf("gridclient: reload resync failed: %v", err)
		}
	}
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(event)
	}
}

// Resync replaces the local mirror with a fresh server snapshot.
func (c *Client) Resync(ctx context.Context) error {
	var snapshot gridsync.SheetSnapshot
	path := fmt.Sprintf("/v1/workspaces/%s/sheets/%s/snapshot", c.cfg.WorkspaceID, c.cfg.SheetID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &snapshot); err != nil {
		return err
	}
	c.grid.Reset(snapshot)
	return nil
}

// SubmitPatch sends one cell mutation: over the socket when it is open,
// otherwise through the HTTP fallback. A fallback failure queues the patch
// for the flush that follows the next reconnect.
func (c *Client) SubmitPatch(ctx context.Context, patch gridsync.Patch) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		frame := map[string]any{"type": "patch", "sheet_id": c.cfg.SheetID, "row": patch.Row, "col": patch.Col}
		addRawField(frame, "value", patch.Value)
		addRawField(frame, "style", patch.Style)
		addRawField(frame, "comment", patch.Comment)
		addRawField(frame, "hyperlink", patch.Hyperlink)
		data, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		return conn.Write(ctx, websocket.MessageText, data)
	}
	if err := c.SubmitPatchesHTTP(ctx, []gridsync.Patch{patch}); err != nil {
		c.mu.Lock()
		c.pending = append(c.pending, patch)
		c.mu.Unlock()
		return err
	}
	return nil
}

func addRawField(frame map[string]any, key string, raw json.RawMessage) {
	if raw != nil {
		frame[key] = raw
	}
}

// SubmitPatchesHTTP pushes a batch through the REST fallback endpoint,
// sharing the server's socket apply path.
func (c *Client) SubmitPatchesHTTP(ctx context.Context, patches []gridsync.Patch) error {
	body := map[string]any{
		"patches":      patches,
		"connectionId": c.ConnectionID(),
	}
	path := fmt.Sprintf("/v1/workspaces/%s/sheets/%s/patches", c.cfg.WorkspaceID, c.cfg.SheetID)
	var resp struct {
		Results []gridsync.PatchResult `json:"results"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	for _, result := range resp.Results {
		if !result.Applied {
			glog.V(1).Infof("gridclient: patch (%d,%d) rejected: %s", result.Row, result.Col, result.Reason)
		}
	}
	return nil
}

func (c *Client) flushPending(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}
	frame := map[string]any{"type": "batch_patch", "sheet_id": c.cfg.SheetID, "patches": queued}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	glog.Infof("gridclient: flushing %d queued patches to sheet %s", len(queued), c.cfg.SheetID)
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close ends the session for good: the live socket is shut and Run stops
// redialing.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.setState(StateClosing)
	c.mu.Lock()
	conn := c.conn
	c.state = StateClosed
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, dst any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("X-Correlation-Id", "cli_"+strings.ToLower(ulid.Make().String()))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Code != "" {
			return fmt.Errorf("%s: %s (%s)", resp.Status, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if dst == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}
