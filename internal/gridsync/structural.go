package gridsync

import (
	"fmt"
	"strings"
)

// StructuralChange describes one applied row or column operation together
// with the sheet metadata after the shift, so callers can broadcast both.
type StructuralChange struct {
	Op      string `json:"op"`
	At      int    `json:"at,omitempty"`
	Count   int    `json:"count,omitempty"`
	Indices []int  `json:"indices,omitempty"`
	Sheet   Sheet  `json:"sheet"`
}

const (
	OpRowInsert = "row_insert"
	OpRowDelete = "row_delete"
	OpColInsert = "col_insert"
	OpColDelete = "col_delete"
)

func (s *Store) structuralGate(ws *workspaceState, actor Actor) error {
	if ws.Workspace.Status == WorkspaceClosed && !actor.Role.Privileged() {
		return &Rejection{Reason: RejectClosedDocument, Message: "workspace is closed"}
	}
	return nil
}

// InsertRows shifts every cell, merge, row height, hidden row and rule range
// at or below the insertion point in one coherent step. Count is clamped to
// the per-call insert limit.
func (s *Store) InsertRows(workspaceID, sheetID string, at, count int, actor Actor) (StructuralChange, error) {
	if at < 0 || at >= s.maxRows {
		return StructuralChange{}, fmt.Errorf("%w: insert position %d", ErrInvalidInput, at)
	}
	if count <= 0 {
		return StructuralChange{}, fmt.Errorf("%w: insert count %d", ErrInvalidInput, count)
	}
	if count > s.maxRowInsert {
		count = s.maxRowInsert
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return StructuralChange{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return StructuralChange{}, err
	}
	st := ws.Sheets[sheetID]
	saved := cloneSheetState(st)

	rebuilt := make(map[cellKey]*Cell, len(st.Cells))
	for key, cell := range st.Cells {
		if cell.Row >= at {
			cell.Row += count
			key = cellKey{Row: cell.Row, Col: cell.Col}
		}
		rebuilt[key] = cell
	}
	st.Cells = rebuilt
	st.Sheet.Merges = shiftMergesRowsInsert(st.Sheet.Merges, at, count)
	st.Sheet.RowHeights = shiftIndexKeysInsert(st.Sheet.RowHeights, at, count)
	st.Sheet.HiddenRows = shiftIntSetInsert(st.Sheet.HiddenRows, at, count)
	if at < st.Sheet.Freeze.Rows {
		st.Sheet.Freeze.Rows += count
	}
	st.Sheet.Validations = shiftValidationsRowsInsert(st.Sheet.Validations, at, count)
	st.Sheet.ConditionalFormats = shiftFormatsRowsInsert(st.Sheet.ConditionalFormats, at, count)
	st.Sheet.UpdatedAt = s.timestamp()

	if err := s.persistLocked(); err != nil {
		ws.Sheets[sheetID] = saved
		return StructuralChange{}, err
	}
	return StructuralChange{Op: OpRowInsert, At: at, Count: count, Sheet: st.Sheet}, nil
}

// DeleteRows removes the named rows and collapses everything below them.
// Indices are deduplicated; unknown rows inside bounds are a no-op for cells
// but still shift the space.
func (s *Store) DeleteRows(workspaceID, sheetID string, rows []int, actor Actor) (StructuralChange, error) {
	indices := uniqueSortedInts(rows)
	if len(indices) == 0 {
		return StructuralChange{}, fmt.Errorf("%w: no rows named", ErrInvalidInput)
	}
	if indices[0] < 0 || indices[len(indices)-1] >= s.maxRows {
		return StructuralChange{}, fmt.Errorf("%w: row index outside grid", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return StructuralChange{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return StructuralChange{}, err
	}
	st := ws.Sheets[sheetID]
	saved := cloneSheetState(st)

	rebuilt := make(map[cellKey]*Cell, len(st.Cells))
	for _, cell := range st.Cells {
		if containsInt(indices, cell.Row) {
			continue
		}
		cell.Row -= countBelow(indices, cell.Row)
		rebuilt[cellKey{Row: cell.Row, Col: cell.Col}] = cell
	}
	st.Cells = rebuilt
	st.Sheet.Merges = shiftMergesRowsDelete(st.Sheet.Merges, indices)
	st.Sheet.RowHeights = shiftIndexKeysDelete(st.Sheet.RowHeights, indices)
	st.Sheet.HiddenRows = shiftIntSetDelete(st.Sheet.HiddenRows, indices)
	st.Sheet.Freeze.Rows -= countBelow(indices, st.Sheet.Freeze.Rows)
	st.Sheet.Validations = shiftValidationsRowsDelete(st.Sheet.Validations, indices)
	st.Sheet.ConditionalFormats = shiftFormatsRowsDelete(st.Sheet.ConditionalFormats, indices)
	st.Sheet.UpdatedAt = s.timestamp()

	if err := s.persistLocked(); err != nil {
		ws.Sheets[sheetID] = saved
		return StructuralChange{}, err
	}
	return StructuralChange{Op: OpRowDelete, Indices: indices, Sheet: st.Sheet}, nil
}

func (s *Store) InsertCols(workspaceID, sheetID string, at, count int, actor Actor) (StructuralChange, error) {
	if at < 0 || at >= s.maxCols {
		return StructuralChange{}, fmt.Errorf("%w: insert position %d", ErrInvalidInput, at)
	}
	if count <= 0 {
		return StructuralChange{}, fmt.Errorf("%w: insert count %d", ErrInvalidInput, count)
	}
	if count > s.maxColInsert {
		count = s.maxColInsert
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return StructuralChange{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return StructuralChange{}, err
	}
	st := ws.Sheets[sheetID]
	saved := cloneSheetState(st)

	rebuilt := make(map[cellKey]*Cell, len(st.Cells))
	for key, cell := range st.Cells {
		if cell.Col >= at {
			cell.Col += count
			key = cellKey{Row: cell.Row, Col: cell.Col}
		}
		rebuilt[key] = cell
	}
	st.Cells = rebuilt
	st.Sheet.Merges = shiftMergesColsInsert(st.Sheet.Merges, at, count)
	st.Sheet.ColWidths = shiftIndexKeysInsert(st.Sheet.ColWidths, at, count)
	st.Sheet.HiddenCols = shiftIntSetInsert(st.Sheet.HiddenCols, at, count)
	st.Sheet.ReadOnlyCols = shiftIntSetInsert(st.Sheet.ReadOnlyCols, at, count)
	if at < st.Sheet.Freeze.Cols {
		st.Sheet.Freeze.Cols += count
	}
	st.Sheet.Validations = shiftValidationsColsInsert(st.Sheet.Validations, at, count)
	st.Sheet.ConditionalFormats = shiftFormatsColsInsert(st.Sheet.ConditionalFormats, at, count)
	st.Sheet.UpdatedAt = s.timestamp()

	if err := s.persistLocked(); err != nil {
		ws.Sheets[sheetID] = saved
		return StructuralChange{}, err
	}
	return StructuralChange{Op: OpColInsert, At: at, Count: count, Sheet: st.Sheet}, nil
}

func (s *Store) DeleteCols(workspaceID, sheetID string, cols []int, actor Actor) (StructuralChange, error) {
	indices := uniqueSortedInts(cols)
	if len(indices) == 0 {
		return StructuralChange{}, fmt.Errorf("%w: no columns named", ErrInvalidInput)
	}
	if indices[0] < 0 || indices[len(indices)-1] >= s.maxCols {
		return StructuralChange{}, fmt.Errorf("%w: column index outside grid", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return StructuralChange{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return StructuralChange{}, err
	}
	st := ws.Sheets[sheetID]
	saved := cloneSheetState(st)

	rebuilt := make(map[cellKey]*Cell, len(st.Cells))
	for _, cell := range st.Cells {
		if containsInt(indices, cell.Col) {
			continue
		}
		cell.Col -= countBelow(indices, cell.Col)
		rebuilt[cellKey{Row: cell.Row, Col: cell.Col}] = cell
	}
	st.Cells = rebuilt
	st.Sheet.Merges = shiftMergesColsDelete(st.Sheet.Merges, indices)
	st.Sheet.ColWidths = shiftIndexKeysDelete(st.Sheet.ColWidths, indices)
	st.Sheet.HiddenCols = shiftIntSetDelete(st.Sheet.HiddenCols, indices)
	st.Sheet.ReadOnlyCols = shiftIntSetDelete(st.Sheet.ReadOnlyCols, indices)
	st.Sheet.Freeze.Cols -= countBelow(indices, st.Sheet.Freeze.Cols)
	st.Sheet.Validations = shiftValidationsColsDelete(st.Sheet.Validations, indices)
	st.Sheet.ConditionalFormats = shiftFormatsColsDelete(st.Sheet.ConditionalFormats, indices)
	st.Sheet.UpdatedAt = s.timestamp()

	if err := s.persistLocked(); err != nil {
		ws.Sheets[sheetID] = saved
		return StructuralChange{}, err
	}
	return StructuralChange{Op: OpColDelete, Indices: indices, Sheet: st.Sheet}, nil
}

// ── Sheet set operations ─────────────────────────────────────

func (s *Store) AddSheet(workspaceID, name string, actor Actor) (Sheet, error) {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Sheet{}, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if err := s.structuralGate(ws, actor); err != nil {
		return Sheet{}, err
	}
	if name == "" {
		name = fmt.Sprintf("Sheet%d", len(ws.Sheets)+1)
	}
	if err := sheetNameFreeLocked(ws, name, ""); err != nil {
		return Sheet{}, err
	}
	now := s.timestamp()
	sheet := Sheet{
		ID:          newID(),
		WorkspaceID: workspaceID,
		Name:        name,
		RowHeights:  map[string]float64{},
		ColWidths:   map[string]float64{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ws.Sheets[sheet.ID] = &sheetState{Sheet: sheet, Cells: map[cellKey]*Cell{}}
	ws.Workspace.SheetOrder = append(ws.Workspace.SheetOrder, sheet.ID)
	ws.Workspace.UpdatedAt = now
	s.sheetIndex[sheet.ID] = workspaceID
	if err := s.persistLocked(); err != nil {
		delete(ws.Sheets, sheet.ID)
		delete(s.sheetIndex, sheet.ID)
		ws.Workspace.SheetOrder = ws.Workspace.SheetOrder[:len(ws.Workspace.SheetOrder)-1]
		return Sheet{}, err
	}
	return sheet, nil
}

// DeleteSheet removes a sheet and its cells. The last remaining sheet of a
// workspace cannot be deleted.
func (s *Store) DeleteSheet(workspaceID, sheetID string, actor Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return err
	}
	if len(ws.Sheets) <= 1 {
		return ErrLastSheet
	}
	removed := ws.Sheets[sheetID]
	prevOrder := ws.Workspace.SheetOrder
	delete(ws.Sheets, sheetID)
	delete(s.sheetIndex, sheetID)
	order := make([]string, 0, len(prevOrder)-1)
	for _, id := range prevOrder {
		if id != sheetID {
			order = append(order, id)
		}
	}
	ws.Workspace.SheetOrder = order
	ws.Workspace.UpdatedAt = s.timestamp()
	if err := s.persistLocked(); err != nil {
		ws.Sheets[sheetID] = removed
		s.sheetIndex[sheetID] = workspaceID
		ws.Workspace.SheetOrder = prevOrder
		return err
	}
	return nil
}

func (s *Store) RenameSheet(workspaceID, sheetID, name string, actor Actor) (Sheet, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Sheet{}, fmt.Errorf("%w: sheet name required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return Sheet{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return Sheet{}, err
	}
	if err := sheetNameFreeLocked(ws, name, sheetID); err != nil {
		return Sheet{}, err
	}
	st := ws.Sheets[sheetID]
	prev := st.Sheet
	st.Sheet.Name = name
	st.Sheet.UpdatedAt = s.timestamp()
	if err := s.persistLocked(); err != nil {
		st.Sheet = prev
		return Sheet{}, err
	}
	return st.Sheet, nil
}

// ReorderSheets accepts a permutation of the current sheet IDs.
func (s *Store) ReorderSheets(workspaceID string, order []string, actor Actor) (Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
	}
	if err := s.structuralGate(ws, actor); err != nil {
		return Workspace{}, err
	}
	if len(order) != len(ws.Sheets) {
		return Workspace{}, fmt.Errorf("%w: order names %d sheets, workspace has %d", ErrInvalidInput, len(order), len(ws.Sheets))
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if _, ok := ws.Sheets[id]; !ok {
			return Workspace{}, fmt.Errorf("%w: unknown sheet %s", ErrInvalidInput, id)
		}
		if seen[id] {
			return Workspace{}, fmt.Errorf("%w: sheet %s named twice", ErrInvalidInput, id)
		}
		seen[id] = true
	}
	prevOrder := ws.Workspace.SheetOrder
	ws.Workspace.SheetOrder = append([]string{}, order...)
	ws.Workspace.UpdatedAt = s.timestamp()
	if err := s.persistLocked(); err != nil {
		ws.Workspace.SheetOrder = prevOrder
		return Workspace{}, err
	}
	return ws.Workspace, nil
}

// CopySheet duplicates a sheet, its cells and all its metadata under a new
// name appended to the sheet order.
func (s *Store) CopySheet(workspaceID, sheetID, newName string, actor Actor) (Sheet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return Sheet{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return Sheet{}, err
	}
	src := ws.Sheets[sheetID]
	newName = strings.TrimSpace(newName)
	if newName == "" {
		newName = src.Sheet.Name + " (copy)"
	}
	if err := sheetNameFreeLocked(ws, newName, ""); err != nil {
		return Sheet{}, err
	}

	clone := cloneSheetState(src)
	now := s.timestamp()
	clone.Sheet.ID = newID()
	clone.Sheet.Name = newName
	clone.Sheet.CreatedAt = now
	clone.Sheet.UpdatedAt = now
	ws.Sheets[clone.Sheet.ID] = clone
	ws.Workspace.SheetOrder = append(ws.Workspace.SheetOrder, clone.Sheet.ID)
	ws.Workspace.UpdatedAt = now
	s.sheetIndex[clone.Sheet.ID] = workspaceID
	if err := s.persistLocked(); err != nil {
		delete(ws.Sheets, clone.Sheet.ID)
		delete(s.sheetIndex, clone.Sheet.ID)
		ws.Workspace.SheetOrder = ws.Workspace.SheetOrder[:len(ws.Workspace.SheetOrder)-1]
		return Sheet{}, err
	}
	return clone.Sheet, nil
}

// SheetMetaUpdate carries a partial sheet metadata change. Nil fields stay
// untouched; RowHeights and ColWidths merge per index, with non-positive
// values removing the override.
type SheetMetaUpdate struct {
	Merges             *[]string            `json:"merges,omitempty"`
	RowHeights         map[string]float64   `json:"rowHeights,omitempty"`
	ColWidths          map[string]float64   `json:"colWidths,omitempty"`
	Freeze             *FreezeSpec          `json:"freeze,omitempty"`
	HiddenRows         *[]int               `json:"hiddenRows,omitempty"`
	HiddenCols         *[]int               `json:"hiddenCols,omitempty"`
	Protected          *bool                `json:"protected,omitempty"`
	ReadOnlyCols       *[]int               `json:"readOnlyCols,omitempty"`
	ConditionalFormats *[]ConditionalFormat `json:"conditionalFormats,omitempty"`
	Validations        *[]ValidationRule    `json:"validations,omitempty"`
	Print              *PrintSettings       `json:"print,omitempty"`
}

func (s *Store) UpdateSheetMeta(workspaceID, sheetID string, update SheetMetaUpdate, actor Actor) (Sheet, error) {
	if update.Merges != nil {
		for _, m := range *update.Merges {
			if _, err := ParseRange(m); err != nil {
				return Sheet{}, err
			}
		}
	}
	if update.Freeze != nil && (update.Freeze.Rows < 0 || update.Freeze.Cols < 0) {
		return Sheet{}, fmt.Errorf("%w: negative freeze", ErrInvalidInput)
	}
	if update.Protected != nil || update.ReadOnlyCols != nil {
		if !actor.Role.Privileged() {
			return Sheet{}, ErrForbidden
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return Sheet{}, err
	}
	ws := s.workspaces[workspaceID]
	if err := s.structuralGate(ws, actor); err != nil {
		return Sheet{}, err
	}
	st := ws.Sheets[sheetID]
	saved := cloneSheetState(st)

	if update.Merges != nil {
		st.Sheet.Merges = append([]string{}, *update.Merges...)
	}
	if update.RowHeights != nil {
		if st.Sheet.RowHeights == nil {
			st.Sheet.RowHeights = map[string]float64{}
		}
		for k, v := range update.RowHeights {
			if v <= 0 {
				delete(st.Sheet.RowHeights, k)
			} else {
				st.Sheet.RowHeights[k] = v
			}
		}
	}
	if update.ColWidths != nil {
		if st.Sheet.ColWidths == nil {
			st.Sheet.ColWidths = map[string]float64{}
		}
		for k, v := range update.ColWidths {
			if v <= 0 {
				delete(st.Sheet.ColWidths, k)
			} else {
				st.Sheet.ColWidths[k] = v
			}
		}
	}
	if update.Freeze != nil {
		st.Sheet.Freeze = *update.Freeze
	}
	if update.HiddenRows != nil {
		st.Sheet.HiddenRows = uniqueSortedInts(*update.HiddenRows)
	}
	if update.HiddenCols != nil {
		st.Sheet.HiddenCols = uniqueSortedInts(*update.HiddenCols)
	}
	if update.Protected != nil {
		st.Sheet.Protected = *update.Protected
	}
	if update.ReadOnlyCols != nil {
		st.Sheet.ReadOnlyCols = uniqueSortedInts(*update.ReadOnlyCols)
	}
	if update.ConditionalFormats != nil {
		st.Sheet.ConditionalFormats = append([]ConditionalFormat{}, *update.ConditionalFormats...)
	}
	if update.Validations != nil {
		for _, rule := range *update.Validations {
			if _, err := ParseRange(rule.Range); err != nil {
				ws.Sheets[sheetID] = saved
				return Sheet{}, err
			}
		}
		st.Sheet.Validations = append([]ValidationRule{}, *update.Validations...)
	}
	if update.Print != nil {
		st.Sheet.Print = *update.Print
	}
	st.Sheet.UpdatedAt = s.timestamp()

	if err := s.persistLocked(); err != nil {
		ws.Sheets[sheetID] = saved
		return Sheet{}, err
	}
	return st.Sheet, nil
}

func sheetNameFreeLocked(ws *workspaceState, name, exceptSheetID string) error {
	for id, st := range ws.Sheets {
		if id != exceptSheetID && strings.EqualFold(st.Sheet.Name, name) {
			return fmt.Errorf("%w: sheet name %q already in use", ErrInvalidInput, name)
		}
	}
	return nil
}

func cloneSheetState(st *sheetState) *sheetState {
	clone := &sheetState{Sheet: st.Sheet, Cells: make(map[cellKey]*Cell, len(st.Cells))}
	clone.Sheet.Merges = append([]string{}, st.Sheet.Merges...)
	clone.Sheet.RowHeights = copyFloatMap(st.Sheet.RowHeights)
	clone.Sheet.ColWidths = copyFloatMap(st.Sheet.ColWidths)
	clone.Sheet.HiddenRows = append([]int{}, st.Sheet.HiddenRows...)
	clone.Sheet.HiddenCols = append([]int{}, st.Sheet.HiddenCols...)
	clone.Sheet.ReadOnlyCols = append([]int{}, st.Sheet.ReadOnlyCols...)
	clone.Sheet.ConditionalFormats = append([]ConditionalFormat{}, st.Sheet.ConditionalFormats...)
	clone.Sheet.Validations = append([]ValidationRule{}, st.Sheet.Validations...)
	if st.Sheet.Print.Margins != nil {
		clone.Sheet.Print.Margins = copyFloatMap(st.Sheet.Print.Margins)
	}
	for key, cell := range st.Cells {
		c := *cell
		clone.Cells[key] = &c
	}
	return clone
}

// ── Rule range shifting ──────────────────────────────────────

func shiftValidationsRowsInsert(rules []ValidationRule, at, count int) []ValidationRule {
	out := make([]ValidationRule, 0, len(rules))
	for _, rule := range rules {
		r, err := ParseRange(rule.Range)
		if err == nil {
			rule.Range = shiftRangeRowsInsert(r, at, count).String()
		}
		out = append(out, rule)
	}
	return out
}

func shiftValidationsRowsDelete(rules []ValidationRule, indices []int) []ValidationRule {
	out := make([]ValidationRule, 0, len(rules))
	for _, rule := range rules {
		r, err := ParseRange(rule.Range)
		if err != nil {
			out = append(out, rule)
			continue
		}
		if shifted, keep := deleteRowsFromRange(r, indices); keep {
			rule.Range = shifted.String()
			out = append(out, rule)
		}
	}
	return out
}

func shiftValidationsColsInsert(rules []ValidationRule, at, count int) []ValidationRule {
	out := make([]ValidationRule, 0, len(rules))
	for _, rule := range rules {
		r, err := ParseRange(rule.Range)
		if err == nil {
			rule.Range = shiftRangeColsInsert(r, at, count).String()
		}
		out = append(out, rule)
	}
	return out
}

func shiftValidationsColsDelete(rules []ValidationRule, indices []int) []ValidationRule {
	out := make([]ValidationRule, 0, len(rules))
	for _, rule := range rules {
		r, err := ParseRange(rule.Range)
		if err != nil {
			out = append(out, rule)
			continue
		}
		if shifted, keep := deleteColsFromRange(r, indices); keep {
			rule.Range = shifted.String()
			out = append(out, rule)
		}
	}
	return out
}

func shiftFormatsRowsInsert(formats []ConditionalFormat, at, count int) []ConditionalFormat {
	out := make([]ConditionalFormat, 0, len(formats))
	for _, f := range formats {
		r, err := ParseRange(f.Range)
		if err == nil {
			f.Range = shiftRangeRowsInsert(r, at, count).String()
		}
		out = append(out, f)
	}
	return out
}

func shiftFormatsRowsDelete(formats []ConditionalFormat, indices []int) []ConditionalFormat {
	out := make([]ConditionalFormat, 0, len(formats))
	for _, f := range formats {
		r, err := ParseRange(f.Range)
		if err != nil {
			out = append(out, f)
			continue
		}
		if shifted, keep := deleteRowsFromRange(r, indices); keep {
			f.Range = shifted.String()
			out = append(out, f)
		}
	}
	return out
}

func shiftFormatsColsInsert(formats []ConditionalFormat, at, count int) []ConditionalFormat {
	out := make([]ConditionalFormat, 0, len(formats))
	for _, f := range formats {
		r, err := ParseRange(f.Range)
		if err == nil {
			f.Range = shiftRangeColsInsert(r, at, count).String()
		}
		out = append(out, f)
	}
	return out
}

func shiftFormatsColsDelete(formats []ConditionalFormat, indices []int) []ConditionalFormat {
	out := make([]ConditionalFormat, 0, len(formats))
	for _, f := range formats {
		r, err := ParseRange(f.Range)
		if err != nil {
			out = append(out, f)
			continue
		}
		if shifted, keep := deleteColsFromRange(r, indices); keep {
			f.Range = shifted.String()
			out = append(out, f)
		}
	}
	return out
}

func deleteRowsFromRange(r GridRange, indices []int) (GridRange, bool) {
	keep := true
	for i := len(indices) - 1; i >= 0 && keep; i-- {
		r, keep = shiftRangeRowsDelete(r, indices[i])
	}
	return r, keep
}

func deleteColsFromRange(r GridRange, indices []int) (GridRange, bool) {
	keep := true
	for i := len(indices) - 1; i >= 0 && keep; i-- {
		r, keep = shiftRangeColsDelete(r, indices[i])
	}
	return r, keep
}
