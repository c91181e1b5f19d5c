package gridsync

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"
)

// decodedPatch is a Patch with its raw attribute fields resolved into the
// tri-state form used internally.
type decodedPatch struct {
	patch        Patch
	setValue     bool
	value        *string
	setStyle     bool
	style        *string
	setComment   bool
	comment      *string
	setHyperlink bool
	hyperlink    *string
}

func decodePatch(p Patch) (decodedPatch, error) {
	d := decodedPatch{patch: p}
	var err error
	if d.setValue, d.value, err = stringField(p.Value); err != nil {
		return d, fmt.Errorf("value: %w", err)
	}
	if d.setStyle, d.style, err = stringField(p.Style); err != nil {
		return d, fmt.Errorf("style: %w", err)
	}
	if d.setComment, d.comment, err = stringField(p.Comment); err != nil {
		return d, fmt.Errorf("comment: %w", err)
	}
	if d.setHyperlink, d.hyperlink, err = stringField(p.Hyperlink); err != nil {
		return d, fmt.Errorf("hyperlink: %w", err)
	}
	if !d.setValue && !d.setStyle && !d.setComment && !d.setHyperlink {
		return d, fmt.Errorf("%w: patch carries no attributes", ErrInvalidInput)
	}
	if d.setStyle && d.style != nil {
		if _, serr := ParseStyle(*d.style); serr != nil {
			return d, serr
		}
	}
	return d, nil
}

// ApplyPatch applies a single cell mutation and returns the patch as applied.
// A *Rejection result means the patch was refused by policy or validation and
// peers must not see it; an error means the request itself was malformed or
// the durable write failed.
func (s *Store) ApplyPatch(workspaceID, sheetID string, patch Patch, actor Actor) (AppliedPatch, *Rejection, error) {
	res, err := s.ApplyBatch(workspaceID, sheetID, []Patch{patch}, actor)
	if err != nil {
		return Patch{}, nil, err
	}
	r := res.Results[0]
	if !r.Applied {
		return Patch{}, &Rejection{Reason: r.Reason, Message: r.Message}, nil
	}
	return res.Applied[0], nil, nil
}

// ApplyBatch applies patches in order with partial success: each patch is
// accepted or rejected independently, and one result per input patch is
// returned in input order. The whole batch is durably persisted with a
// single backend save; if that save fails every applied patch is rolled back
// and ErrStoreFailure is returned.
func (s *Store) ApplyBatch(workspaceID, sheetID string, patches []Patch, actor Actor) (BatchResult, error) {
	if len(patches) == 0 {
		return BatchResult{}, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	decoded := make([]decodedPatch, len(patches))
	for i, p := range patches {
		d, err := decodePatch(p)
		if err != nil {
			return BatchResult{}, fmt.Errorf("patch %d: %w", i, err)
		}
		decoded[i] = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.resolveSheetLocked(workspaceID, sheetID); err != nil {
		return BatchResult{}, err
	}
	ws := s.workspaces[workspaceID]
	st := ws.Sheets[sheetID]

	if ws.Workspace.Status == WorkspaceClosed && !actor.Role.Privileged() {
		out := BatchResult{Results: make([]PatchResult, len(patches))}
		for i, p := range patches {
			out.Results[i] = PatchResult{
				Row: p.Row, Col: p.Col,
				Reason:  RejectClosedDocument,
				Message: "workspace is closed",
			}
		}
		return out, nil
	}

	type undo struct {
		key  cellKey
		prev *Cell
	}
	var undos []undo
	var changes []ChangeEntry
	now := s.timestamp()
	out := BatchResult{Results: make([]PatchResult, len(patches))}

	for i, d := range decoded {
		p := d.patch
		result := PatchResult{Row: p.Row, Col: p.Col}
		if rej := s.checkPatchLocked(st, d, actor); rej != nil {
			result.Reason = rej.Reason
			result.Message = rej.Message
			out.Results[i] = result
			continue
		}

		key := cellKey{Row: p.Row, Col: p.Col}
		var prev *Cell
		if existing, ok := st.Cells[key]; ok {
			clone := *existing
			prev = &clone
		}
		undos = append(undos, undo{key: key, prev: prev})

		cell, ok := st.Cells[key]
		if !ok {
			cell = &Cell{Row: p.Row, Col: p.Col}
			st.Cells[key] = cell
		}
		var oldValue *string
		if cell.Value != nil {
			v := *cell.Value
			oldValue = &v
		}
		if d.setValue {
			cell.Value = d.value
		}
		if d.setStyle {
			if d.style != nil && *d.style == "" {
				cell.Style = nil
			} else {
				cell.Style = d.style
			}
		}
		if d.setComment {
			if d.comment != nil && *d.comment == "" {
				cell.Comment = nil
			} else {
				cell.Comment = d.comment
			}
		}
		if d.setHyperlink {
			if d.hyperlink != nil && *d.hyperlink == "" {
				cell.Hyperlink = nil
			} else {
				cell.Hyperlink = d.hyperlink
			}
		}
		cell.UpdatedBy = actor.ID
		cell.UpdatedAt = now

		if d.setValue && !equalStringPtr(oldValue, cell.Value) {
			changes = append(changes, ChangeEntry{
				ID:          newID(),
				WorkspaceID: workspaceID,
				SheetID:     sheetID,
				ActorID:     actor.ID,
				ActorName:   actor.Name,
				Row:         p.Row,
				Col:         p.Col,
				OldValue:    oldValue,
				NewValue:    cell.Value,
				ChangedAt:   now,
			})
		}

		// The broadcastable patch reflects the normalized stored state, not
		// the raw input: an empty-string clear comes back as an explicit
		// null so live mirrors converge with snapshot resyncs.
		applied := Patch{Row: p.Row, Col: p.Col}
		if d.setValue {
			applied.Value = rawAttr(cell.Value)
		}
		if d.setStyle {
			applied.Style = rawAttr(cell.Style)
		}
		if d.setComment {
			applied.Comment = rawAttr(cell.Comment)
		}
		if d.setHyperlink {
			applied.Hyperlink = rawAttr(cell.Hyperlink)
		}

		result.Applied = true
		out.Results[i] = result
		out.Applied = append(out.Applied, applied)
	}

	if len(out.Applied) == 0 {
		return out, nil
	}
	prevSheetUpdatedAt := st.Sheet.UpdatedAt
	st.Sheet.UpdatedAt = now
	for _, c := range changes {
		s.appendChangeLocked(c)
	}
	if err := s.persistLocked(); err != nil {
		for i := len(undos) - 1; i >= 0; i-- {
			u := undos[i]
			if u.prev == nil {
				delete(st.Cells, u.key)
			} else {
				st.Cells[u.key] = u.prev
			}
		}
		st.Sheet.UpdatedAt = prevSheetUpdatedAt
		if n := len(changes); n > 0 {
			s.changes = s.changes[:len(s.changes)-n]
		}
		return BatchResult{}, err
	}
	if s.changeLog != nil && len(changes) > 0 {
		if err := s.changeLog.Append(changes); err != nil {
			glog.Warningf("change log append failed: %v", err)
		}
	}
	return out, nil
}

// checkPatchLocked enforces bounds, column/cell write policy and validation
// rules for one decoded patch.
func (s *Store) checkPatchLocked(st *sheetState, d decodedPatch, actor Actor) *Rejection {
	p := d.patch
	if p.Row < 0 || p.Row >= s.maxRows || p.Col < 0 || p.Col >= s.maxCols {
		return &Rejection{
			Reason:  RejectOutOfBounds,
			Message: fmt.Sprintf("cell (%d,%d) outside %dx%d grid", p.Row, p.Col, s.maxRows, s.maxCols),
		}
	}
	if !actor.Role.Privileged() {
		if st.Sheet.Protected && cellLocked(st, p.Row, p.Col) {
			return &Rejection{
				Reason:  RejectProtectedCell,
				Message: fmt.Sprintf("cell (%d,%d) is locked on a protected sheet", p.Row, p.Col),
			}
		}
		if containsInt(st.Sheet.ReadOnlyCols, p.Col) {
			return &Rejection{
				Reason:  RejectReadonlyColumn,
				Message: fmt.Sprintf("column %s is read-only", ColumnLetter(p.Col)),
			}
		}
	}
	if d.setValue && d.value != nil {
		if rej := checkValidations(st.Sheet.Validations, p.Row, p.Col, *d.value); rej != nil {
			return rej
		}
	}
	if d.setHyperlink && d.hyperlink != nil && *d.hyperlink != "" {
		if err := validateHyperlink(*d.hyperlink); err != nil {
			return &Rejection{Reason: RejectValidationFailed, Message: err.Error()}
		}
	}
	return nil
}

// cellLocked reports whether the stored style at a coordinate marks the cell
// locked. Protection only binds cells that carry an explicit locked style;
// everything else on a protected sheet stays writable.
func cellLocked(st *sheetState, row, col int) bool {
	cell, ok := st.Cells[cellKey{Row: row, Col: col}]
	if !ok || cell.Style == nil {
		return false
	}
	style, err := ParseStyle(*cell.Style)
	if err != nil {
		return false
	}
	return style.Locked
}

// rawAttr renders a stored string attribute back into its wire form: nil
// becomes an explicit JSON null, everything else a JSON string.
func rawAttr(v *string) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := json.Marshal(*v)
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
