package gridsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrForbidden      = errors.New("forbidden")
	ErrLastSheet      = errors.New("workspace must keep at least one sheet")
	ErrStoreFailure   = errors.New("durable write failed")
	ErrNotImplemented = errors.New("not implemented")
)

// RejectReason classifies why a patch was refused. Authorization reasons and
// validation reasons are distinct so clients can render precise messages.
type RejectReason string

const (
	RejectReadonlyColumn   RejectReason = "READONLY_COLUMN"
	RejectClosedDocument   RejectReason = "CLOSED_DOCUMENT"
	RejectProtectedCell    RejectReason = "PROTECTED_CELL"
	RejectOutOfBounds      RejectReason = "OUT_OF_BOUNDS"
	RejectValidationFailed RejectReason = "VALIDATION_FAILED"
)

type Rejection struct {
	Reason  RejectReason
	Message string
}

func (e *Rejection) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

// AuthorizationRejection reports whether the rejection is an authorization
// refusal rather than a data-validation or bounds failure.
func (e *Rejection) AuthorizationRejection() bool {
	switch e.Reason {
	case RejectReadonlyColumn, RejectClosedDocument, RejectProtectedCell:
		return true
	}
	return false
}

type Role string

const (
	RoleUser       Role = "USER"
	RoleAdmin      Role = "ADMIN"
	RoleSuperAdmin Role = "SUPER_ADMIN"
)

func (r Role) Rank() int {
	switch r {
	case RoleUser:
		return 0
	case RoleAdmin:
		return 1
	case RoleSuperAdmin:
		return 2
	}
	return -1
}

// Privileged actors bypass closed-workspace, read-only-column and
// protected-cell checks.
func (r Role) Privileged() bool {
	return r.Rank() >= RoleAdmin.Rank()
}

type Actor struct {
	ID   string
	Name string
	Role Role
}

type WorkspaceStatus string

const (
	WorkspaceOpen   WorkspaceStatus = "OPEN"
	WorkspaceClosed WorkspaceStatus = "CLOSED"
)

type Workspace struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     WorkspaceStatus `json:"status"`
	SheetOrder []string        `json:"sheetOrder"`
	CreatedBy  string          `json:"createdBy,omitempty"`
	ClosedBy   string          `json:"closedBy,omitempty"`
	ClosedAt   string          `json:"closedAt,omitempty"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

type FreezeSpec struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// ValidationRule restricts the values accepted by cells inside Range.
// Type is one of list, whole, decimal, textLength, date. Operator is one of
// between, notBetween, equal, notEqual, greaterThan, greaterThanOrEqual,
// lessThan, lessThanOrEqual; list rules ignore it.
type ValidationRule struct {
	Range      string   `json:"range"`
	Type       string   `json:"type"`
	Operator   string   `json:"operator,omitempty"`
	Value1     string   `json:"value1,omitempty"`
	Value2     string   `json:"value2,omitempty"`
	Options    []string `json:"options,omitempty"`
	AllowBlank bool     `json:"allowBlank,omitempty"`
}

// ConditionalFormat is carried opaquely for clients; the server only shifts
// its range on structural edits.
type ConditionalFormat struct {
	Range    string `json:"range"`
	Type     string `json:"type"`
	Operator string `json:"operator,omitempty"`
	Value1   string `json:"value1,omitempty"`
	Value2   string `json:"value2,omitempty"`
	Style    string `json:"style,omitempty"`
}

type PrintSettings struct {
	Orientation string             `json:"orientation,omitempty"`
	PaperSize   string             `json:"paperSize,omitempty"`
	FitToWidth  int                `json:"fitToWidth,omitempty"`
	FitToHeight int                `json:"fitToHeight,omitempty"`
	Margins     map[string]float64 `json:"margins,omitempty"`
	PrintArea   string             `json:"printArea,omitempty"`
}

type Sheet struct {
	ID                 string              `json:"id"`
	WorkspaceID        string              `json:"workspaceId"`
	Name               string              `json:"name"`
	Merges             []string            `json:"merges,omitempty"`
	RowHeights         map[string]float64  `json:"rowHeights,omitempty"`
	ColWidths          map[string]float64  `json:"colWidths,omitempty"`
	Freeze             FreezeSpec          `json:"freeze"`
	HiddenRows         []int               `json:"hiddenRows,omitempty"`
	HiddenCols         []int               `json:"hiddenCols,omitempty"`
	Protected          bool                `json:"protected,omitempty"`
	ReadOnlyCols       []int               `json:"readOnlyCols,omitempty"`
	ConditionalFormats []ConditionalFormat `json:"conditionalFormats,omitempty"`
	Validations        []ValidationRule    `json:"validations,omitempty"`
	Print              PrintSettings       `json:"print,omitempty"`
	CreatedAt          string              `json:"createdAt"`
	UpdatedAt          string              `json:"updatedAt"`
}

// BorderEdge and CellStyle describe the structured style payload carried on
// the wire as a JSON string.
type BorderEdge struct {
	Style string `json:"style,omitempty"`
	Color string `json:"color,omitempty"`
}

type CellStyle struct {
	Bold          bool                  `json:"bold,omitempty"`
	Italic        bool                  `json:"italic,omitempty"`
	Underline     bool                  `json:"underline,omitempty"`
	Strikethrough bool                  `json:"strikethrough,omitempty"`
	FontSize      float64               `json:"fontSize,omitempty"`
	Color         string                `json:"color,omitempty"`
	Background    string                `json:"background,omitempty"`
	HAlign        string                `json:"hAlign,omitempty"`
	VAlign        string                `json:"vAlign,omitempty"`
	Wrap          bool                  `json:"wrap,omitempty"`
	Borders       map[string]BorderEdge `json:"borders,omitempty"`
	NumFmt        string                `json:"numFmt,omitempty"`
	Locked        bool                  `json:"locked,omitempty"`
}

func ParseStyle(raw string) (CellStyle, error) {
	var style CellStyle
	if strings.TrimSpace(raw) == "" {
		return style, nil
	}
	if err := json.Unmarshal([]byte(raw), &style); err != nil {
		return CellStyle{}, fmt.Errorf("%w: bad style json: %v", ErrInvalidInput, err)
	}
	return style, nil
}

// Cell holds the authoritative state for one coordinate. A nil attribute is
// "default/inherit"; a pointer to the empty string is an explicit empty value.
// Cells are never hard-deleted by patches, only by row/column deletion.
type Cell struct {
	Row       int     `json:"row"`
	Col       int     `json:"col"`
	Value     *string `json:"value,omitempty"`
	Style     *string `json:"style,omitempty"`
	Comment   *string `json:"comment,omitempty"`
	Hyperlink *string `json:"hyperlink,omitempty"`
	UpdatedBy string  `json:"updatedBy,omitempty"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

// Patch is one requested cell mutation. Attribute fields are raw JSON so the
// three states are preserved: nil means "leave untouched", the literal null
// means "clear to default", and a JSON string is an explicit new value.
type Patch struct {
	Row       int             `json:"row"`
	Col       int             `json:"col"`
	Value     json.RawMessage `json:"value,omitempty"`
	Style     json.RawMessage `json:"style,omitempty"`
	Comment   json.RawMessage `json:"comment,omitempty"`
	Hyperlink json.RawMessage `json:"hyperlink,omitempty"`
}

// AppliedPatch is a patch as the server applied it, safe to broadcast
// verbatim to peers.
type AppliedPatch = Patch

// stringField decodes one tri-state patch attribute.
func stringField(raw json.RawMessage) (set bool, val *string, err error) {
	if raw == nil {
		return false, nil, nil
	}
	if string(raw) == "null" {
		return true, nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, nil, fmt.Errorf("%w: expected string or null: %v", ErrInvalidInput, err)
	}
	return true, &s, nil
}

type PatchResult struct {
	Row     int          `json:"row"`
	Col     int          `json:"col"`
	Applied bool         `json:"applied"`
	Reason  RejectReason `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
}

type BatchResult struct {
	Results []PatchResult  `json:"results"`
	Applied []AppliedPatch `json:"-"`
}

type ChangeEntry struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspaceId"`
	SheetID     string  `json:"sheetId"`
	ActorID     string  `json:"actorId"`
	ActorName   string  `json:"actorName"`
	Row         int     `json:"row"`
	Col         int     `json:"col"`
	OldValue    *string `json:"oldValue"`
	NewValue    *string `json:"newValue"`
	ChangedAt   string  `json:"changedAt"`
}

// SheetSnapshot is the full reconstruction payload used by initial page load
// and reconnect resync.
type SheetSnapshot struct {
	SheetID            string              `json:"sheetId"`
	Name               string              `json:"name"`
	NumRows            int                 `json:"numRows"`
	NumCols            int                 `json:"numCols"`
	Cells              []Cell              `json:"cells"`
	Merges             []string            `json:"merges"`
	RowHeights         map[string]float64  `json:"rowHeights"`
	ColWidths          map[string]float64  `json:"colWidths"`
	Freeze             FreezeSpec          `json:"freeze"`
	HiddenRows         []int               `json:"hiddenRows"`
	HiddenCols         []int               `json:"hiddenCols"`
	Protected          bool                `json:"protected"`
	ReadOnlyCols       []int               `json:"readOnlyCols"`
	ConditionalFormats []ConditionalFormat `json:"conditionalFormats"`
	Validations        []ValidationRule    `json:"validations"`
	Print              PrintSettings       `json:"print"`
}

const (
	DefaultMaxRows      = 10000
	DefaultMaxCols      = 16384
	defaultMaxRowInsert = 100
	defaultMaxColInsert = 50
	defaultSnapshotRows = 100
	defaultSnapshotCols = 5
	defaultMaxChanges   = 10000
)

type StoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	ChangeLog    ChangeLogSink
	MaxRows      int
	MaxCols      int
	MaxRowInsert int
	MaxColInsert int
	MaxChanges   int
	Clock        func() time.Time
}

type cellKey struct {
	Row int
	Col int
}

type sheetState struct {
	Sheet Sheet
	Cells map[cellKey]*Cell
}

type workspaceState struct {
	Workspace Workspace
	Sheets    map[string]*sheetState
}

// Store holds all workspace grid state behind a single mutex: every patch
// and structural application is serialized store-wide, which gives the
// FIFO-per-sheet server order as a strict superset and keeps cross-sheet
// operations (copy, reorder, workspace close) free of lock ordering.
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*workspaceState
	sheetIndex map[string]string

	changes   []ChangeEntry
	changeLog ChangeLogSink

	stateBackend StateBackend
	maxRows      int
	maxCols      int
	maxRowInsert int
	maxColInsert int
	maxChanges   int
	now          func() time.Time
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	maxCols := opts.MaxCols
	if maxCols <= 0 {
		maxCols = DefaultMaxCols
	}
	maxRowInsert := opts.MaxRowInsert
	if maxRowInsert <= 0 {
		maxRowInsert = defaultMaxRowInsert
	}
	maxColInsert := opts.MaxColInsert
	if maxColInsert <= 0 {
		maxColInsert = defaultMaxColInsert
	}
	maxChanges := opts.MaxChanges
	if maxChanges <= 0 {
		maxChanges = defaultMaxChanges
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		workspaces:   map[string]*workspaceState{},
		sheetIndex:   map[string]string{},
		changeLog:    opts.ChangeLog,
		stateBackend: stateBackend,
		maxRows:      maxRows,
		maxCols:      maxCols,
		maxRowInsert: maxRowInsert,
		maxColInsert: maxColInsert,
		maxChanges:   maxChanges,
		now:          clock,
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() {
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		_ = closer.Close()
	}
	if closer, ok := s.changeLog.(stateBackendCloser); ok {
		_ = closer.Close()
	}
}

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

func (s *Store) timestamp() string {
	return s.now().Format(time.RFC3339Nano)
}

// resolveSheetLocked checks that the sheet exists and belongs to the
// addressed workspace.
func (s *Store) resolveSheetLocked(workspaceID, sheetID string) error {
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if _, ok := ws.Sheets[sheetID]; !ok {
		return fmt.Errorf("%w: sheet %s", ErrNotFound, sheetID)
	}
	return nil
}

// ── Workspace lifecycle ──────────────────────────────────────

func (s *Store) CreateWorkspace(name string, actor Actor) (Workspace, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, fmt.Errorf("%w: workspace name required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.timestamp()
	sheet := Sheet{
		ID:         newID(),
		Name:       "Sheet1",
		RowHeights: map[string]float64{},
		ColWidths:  map[string]float64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ws := Workspace{
		ID:         newID(),
		Name:       name,
		Status:     WorkspaceOpen,
		SheetOrder: []string{sheet.ID},
		CreatedBy:  actor.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	sheet.WorkspaceID = ws.ID
	s.workspaces[ws.ID] = &workspaceState{
		Workspace: ws,
		Sheets: map[string]*sheetState{
			sheet.ID: {Sheet: sheet, Cells: map[cellKey]*Cell{}},
		},
	}
	s.sheetIndex[sheet.ID] = ws.ID
	if err := s.persistLocked(); err != nil {
		delete(s.workspaces, ws.ID)
		delete(s.sheetIndex, sheet.ID)
		return Workspace{}, err
	}
	return ws, nil
}

func (s *Store) GetWorkspace(workspaceID string) (Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	return ws.Workspace, nil
}

func (s *Store) ListWorkspaces() []Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws.Workspace)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

func (s *Store) CloseWorkspace(workspaceID string, actor Actor) (Workspace, error) {
	if !actor.Role.Privileged() {
		return Workspace{}, ErrForbidden
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	prev := ws.Workspace
	ws.Workspace.Status = WorkspaceClosed
	ws.Workspace.ClosedBy = actor.ID
	ws.Workspace.ClosedAt = s.timestamp()
	ws.Workspace.UpdatedAt = ws.Workspace.ClosedAt
	if err := s.persistLocked(); err != nil {
		ws.Workspace = prev
		return Workspace{}, err
	}
	return ws.Workspace, nil
}

func (s *Store) ReopenWorkspace(workspaceID string, actor Actor) (Workspace, error) {
	if !actor.Role.Privileged() {
		return Workspace{}, ErrForbidden
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	prev := ws.Workspace
	ws.Workspace.Status = WorkspaceOpen
	ws.Workspace.ClosedBy = ""
	ws.Workspace.ClosedAt = ""
	ws.Workspace.UpdatedAt = s.timestamp()
	if err := s.persistLocked(); err != nil {
		ws.Workspace = prev
		return Workspace{}, err
	}
	return ws.Workspace, nil
}

func (s *Store) GetSheet(workspaceID, sheetID string) (Sheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return Sheet{}, err
	}
	return s.workspaces[workspaceID].Sheets[sheetID].Sheet, nil
}

// ── Snapshot ─────────────────────────────────────────────────

func (s *Store) Snapshot(workspaceID, sheetID string) (SheetSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return SheetSnapshot{}, err
	}
	st := s.workspaces[workspaceID].Sheets[sheetID]

	cells := make([]Cell, 0, len(st.Cells))
	maxRow, maxCol := -1, -1
	for _, c := range st.Cells {
		cells = append(cells, *c)
		if c.Row > maxRow {
			maxRow = c.Row
		}
		if c.Col > maxCol {
			maxCol = c.Col
		}
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})

	numCols := maxCol + 1
	for _, m := range st.Sheet.Merges {
		if r, err := ParseRange(m); err == nil && r.MaxCol+1 > numCols {
			numCols = r.MaxCol + 1
		}
	}
	if numCols < defaultSnapshotCols {
		numCols = defaultSnapshotCols
	}
	numRows := maxRow + 1
	if numRows < defaultSnapshotRows {
		numRows = defaultSnapshotRows
	}

	sheet := st.Sheet
	return SheetSnapshot{
		SheetID:            sheet.ID,
		Name:               sheet.Name,
		NumRows:            numRows,
		NumCols:            numCols,
		Cells:              cells,
		Merges:             append([]string{}, sheet.Merges...),
		RowHeights:         copyFloatMap(sheet.RowHeights),
		ColWidths:          copyFloatMap(sheet.ColWidths),
		Freeze:             sheet.Freeze,
		HiddenRows:         append([]int{}, sheet.HiddenRows...),
		HiddenCols:         append([]int{}, sheet.HiddenCols...),
		Protected:          sheet.Protected,
		ReadOnlyCols:       append([]int{}, sheet.ReadOnlyCols...),
		ConditionalFormats: append([]ConditionalFormat{}, sheet.ConditionalFormats...),
		Validations:        append([]ValidationRule{}, sheet.Validations...),
		Print:              sheet.Print,
	}, nil
}

// ── Change log ───────────────────────────────────────────────

func (s *Store) appendChangeLocked(entry ChangeEntry) {
	s.changes = append(s.changes, entry)
	if len(s.changes) > s.maxChanges {
		s.changes = s.changes[len(s.changes)-s.maxChanges:]
	}
}

// Changes returns the most recent value changes for a workspace, newest
// first. When the configured change log can also read history, that durable
// copy is preferred over the in-memory ring so history survives restarts.
func (s *Store) Changes(workspaceID string, limit int) []ChangeEntry {
	if limit <= 0 {
		limit = 100
	}
	if reader, ok := s.changeLog.(ChangeLogReader); ok {
		entries, err := reader.Recent(workspaceID, limit)
		if err == nil {
			return entries
		}
		glog.Warningf("change log read failed, serving in-memory history: %v", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChangeEntry, 0, limit)
	for i := len(s.changes) - 1; i >= 0 && len(out) < limit; i-- {
		if s.changes[i].WorkspaceID == workspaceID {
			out = append(out, s.changes[i])
		}
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ── Persistence ──────────────────────────────────────────────

type persistedSheet struct {
	Sheet Sheet  `json:"sheet"`
	Cells []Cell `json:"cells"`
}

type persistedWorkspace struct {
	Workspace Workspace                  `json:"workspace"`
	Sheets    map[string]*persistedSheet `json:"sheets"`
}

type persistedState struct {
	Workspaces map[string]*persistedWorkspace `json:"workspaces"`
	Changes    []ChangeEntry                  `json:"changes,omitempty"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

// ChangeLogSink receives committed value changes for durable audit storage.
// Sink failures never roll back the grid write.
type ChangeLogSink interface {
	Append(entries []ChangeEntry) error
}

// ChangeLogReader is the optional read side of a change log sink. Sinks that
// implement it serve the change history endpoint instead of the in-memory
// ring.
type ChangeLogReader interface {
	Recent(workspaceID string, limit int) ([]ChangeEntry, error)
}

type stateBackendCloser interface {
	Close() error
}

func (s *Store) snapshotStateLocked() *persistedState {
	state := &persistedState{
		Workspaces: make(map[string]*persistedWorkspace, len(s.workspaces)),
		Changes:    append([]ChangeEntry{}, s.changes...),
	}
	for wsID, ws := range s.workspaces {
		pw := &persistedWorkspace{
			Workspace: ws.Workspace,
			Sheets:    make(map[string]*persistedSheet, len(ws.Sheets)),
		}
		for sheetID, st := range ws.Sheets {
			cells := make([]Cell, 0, len(st.Cells))
			for _, c := range st.Cells {
				cells = append(cells, *c)
			}
			sort.Slice(cells, func(i, j int) bool {
				if cells[i].Row != cells[j].Row {
					return cells[i].Row < cells[j].Row
				}
				return cells[i].Col < cells[j].Col
			})
			pw.Sheets[sheetID] = &persistedSheet{Sheet: st.Sheet, Cells: cells}
		}
		state.Workspaces[wsID] = pw
	}
	return state
}

// persistLocked saves the whole state through the backend. Callers must hold
// the write lock; a failure is reported as ErrStoreFailure so it reaches the
// submitting client instead of desyncing silently.
func (s *Store) persistLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	if err := s.stateBackend.Save(s.snapshotStateLocked()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *Store) loadFromBackend() error {
	if s.stateBackend == nil {
		return nil
	}
	state, err := s.stateBackend.Load()
	if err != nil || state == nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces = make(map[string]*workspaceState, len(state.Workspaces))
	s.sheetIndex = map[string]string{}
	for wsID, pw := range state.Workspaces {
		ws := &workspaceState{
			Workspace: pw.Workspace,
			Sheets:    make(map[string]*sheetState, len(pw.Sheets)),
		}
		for sheetID, ps := range pw.Sheets {
			st := &sheetState{Sheet: ps.Sheet, Cells: make(map[cellKey]*Cell, len(ps.Cells))}
			for i := range ps.Cells {
				c := ps.Cells[i]
				st.Cells[cellKey{Row: c.Row, Col: c.Col}] = &c
			}
			ws.Sheets[sheetID] = st
			s.sheetIndex[sheetID] = wsID
		}
		s.workspaces[wsID] = ws
	}
	s.changes = state.Changes
	return nil
}

// ── State backends ───────────────────────────────────────────

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func cloneState(state *persistedState) (*persistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone persistedState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	return &clone, nil
}
