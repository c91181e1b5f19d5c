package gridsync

import (
	"errors"
	"testing"
)

func seedCells(t *testing.T, s *Store, wsID, sheetID string, coords [][2]int) {
	t.Helper()
	for _, rc := range coords {
		mustApply(t, s, wsID, sheetID, Patch{
			Row: rc[0], Col: rc[1],
			Value: rawString(ColumnLetter(rc[1]) + "x"),
		}, testAdmin)
	}
}

func TestInsertRowsShiftsCells(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)
	seedCells(t, s, wsID, sheetID, [][2]int{{2, 0}, {3, 0}, {4, 0}})

	change, err := s.InsertRows(wsID, sheetID, 3, 1, testUser)
	if err != nil {
		t.Fatalf("InsertRows failed: %v", err)
	}
	if change.Op != OpRowInsert || change.At != 3 || change.Count != 1 {
		t.Fatalf("change = %+v", change)
	}

	for _, want := range [][2]int{{2, 0}, {4, 0}, {5, 0}} {
		if cellAt(t, s, wsID, sheetID, want[0], want[1]) == nil {
			t.Fatalf("no cell at row %d after insert", want[0])
		}
	}
	if cellAt(t, s, wsID, sheetID, 3, 0) != nil {
		t.Fatalf("inserted row is not empty")
	}
}

func TestDeleteRowsShiftsCells(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)
	seedCells(t, s, wsID, sheetID, [][2]int{{1, 0}, {3, 0}, {5, 0}})

	change, err := s.DeleteRows(wsID, sheetID, []int{3, 3, 1}, testUser)
	if err != nil {
		t.Fatalf("DeleteRows failed: %v", err)
	}
	if len(change.Indices) != 2 || change.Indices[0] != 1 || change.Indices[1] != 3 {
		t.Fatalf("indices not deduplicated and sorted: %v", change.Indices)
	}

	snap, _ := s.Snapshot(wsID, sheetID)
	if len(snap.Cells) != 1 {
		t.Fatalf("got %d cells, want 1: %+v", len(snap.Cells), snap.Cells)
	}
	if snap.Cells[0].Row != 3 {
		t.Fatalf("survivor at row %d, want 3", snap.Cells[0].Row)
	}
}

func TestInsertColsShiftsSheetMeta(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)
	readonly := []int{3}
	hidden := []int{1, 4}
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{
		Merges:       &[]string{"B1:C1"},
		ColWidths:    map[string]float64{"4": 200},
		HiddenCols:   &hidden,
		ReadOnlyCols: &readonly,
		Freeze:       &FreezeSpec{Cols: 2},
	}, testAdmin); err != nil {
		t.Fatalf("UpdateSheetMeta failed: %v", err)
	}

	change, err := s.InsertCols(wsID, sheetID, 1, 2, testUser)
	if err != nil {
		t.Fatalf("InsertCols failed: %v", err)
	}
	sheet := change.Sheet
	if len(sheet.Merges) != 1 || sheet.Merges[0] != "D1:E1" {
		t.Fatalf("merges = %v, want [D1:E1]", sheet.Merges)
	}
	if sheet.ColWidths["6"] != 200 {
		t.Fatalf("col widths = %v", sheet.ColWidths)
	}
	if len(sheet.HiddenCols) != 2 || sheet.HiddenCols[0] != 3 || sheet.HiddenCols[1] != 6 {
		t.Fatalf("hidden cols = %v", sheet.HiddenCols)
	}
	if len(sheet.ReadOnlyCols) != 1 || sheet.ReadOnlyCols[0] != 5 {
		t.Fatalf("readonly cols = %v", sheet.ReadOnlyCols)
	}
	if sheet.Freeze.Cols != 4 {
		t.Fatalf("freeze cols = %d, want 4", sheet.Freeze.Cols)
	}
}

func TestDeleteRowsCollapsesMergesAndFreeze(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{
		Merges:     &[]string{"A3:C3", "A5:B7"},
		RowHeights: map[string]float64{"2": 36, "6": 18},
		Freeze:     &FreezeSpec{Rows: 4},
	}, testAdmin); err != nil {
		t.Fatalf("UpdateSheetMeta failed: %v", err)
	}

	change, err := s.DeleteRows(wsID, sheetID, []int{2}, testUser)
	if err != nil {
		t.Fatalf("DeleteRows failed: %v", err)
	}
	sheet := change.Sheet
	if len(sheet.Merges) != 1 || sheet.Merges[0] != "A4:B6" {
		t.Fatalf("merges = %v, want [A4:B6]", sheet.Merges)
	}
	if _, ok := sheet.RowHeights["2"]; ok {
		t.Fatalf("deleted row height kept: %v", sheet.RowHeights)
	}
	if sheet.RowHeights["5"] != 18 {
		t.Fatalf("row heights = %v", sheet.RowHeights)
	}
	if sheet.Freeze.Rows != 3 {
		t.Fatalf("freeze rows = %d, want 3", sheet.Freeze.Rows)
	}
}

func TestStructuralValidationRangesShift(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{
		Validations: &[]ValidationRule{{Range: "A5:A10", Type: "list", Options: []string{"yes", "no"}}},
	}, testAdmin); err != nil {
		t.Fatalf("UpdateSheetMeta failed: %v", err)
	}

	change, err := s.InsertRows(wsID, sheetID, 0, 2, testUser)
	if err != nil {
		t.Fatalf("InsertRows failed: %v", err)
	}
	if len(change.Sheet.Validations) != 1 || change.Sheet.Validations[0].Range != "A7:A12" {
		t.Fatalf("validations = %+v", change.Sheet.Validations)
	}

	// The shifted rule still binds.
	_, rej, err := s.ApplyPatch(wsID, sheetID, Patch{Row: 6, Col: 0, Value: rawString("maybe")}, testUser)
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if rej == nil || rej.Reason != RejectValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED at shifted range, got %v", rej)
	}
}

func TestInsertCountClamped(t *testing.T) {
	s := NewStoreWithOptions(StoreOptions{MaxRowInsert: 5, MaxColInsert: 3})
	wsID, sheetID := newTestWorkspace(t, s)

	change, err := s.InsertRows(wsID, sheetID, 0, 500, testUser)
	if err != nil {
		t.Fatalf("InsertRows failed: %v", err)
	}
	if change.Count != 5 {
		t.Fatalf("row count = %d, want clamp to 5", change.Count)
	}
	change, err = s.InsertCols(wsID, sheetID, 0, 500, testUser)
	if err != nil {
		t.Fatalf("InsertCols failed: %v", err)
	}
	if change.Count != 3 {
		t.Fatalf("col count = %d, want clamp to 3", change.Count)
	}
}

func TestStructuralBoundsAndGate(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)

	if _, err := s.InsertRows(wsID, sheetID, -1, 1, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative at: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.InsertRows(wsID, sheetID, 0, 0, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero count: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.DeleteRows(wsID, sheetID, nil, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("no rows: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.DeleteCols(wsID, sheetID, []int{DefaultMaxCols}, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("out of grid: expected ErrInvalidInput, got %v", err)
	}

	if _, err := s.CloseWorkspace(wsID, testAdmin); err != nil {
		t.Fatalf("CloseWorkspace failed: %v", err)
	}
	var rej *Rejection
	if _, err := s.InsertRows(wsID, sheetID, 0, 1, testUser); !errors.As(err, &rej) || rej.Reason != RejectClosedDocument {
		t.Fatalf("closed workspace insert: got %v", err)
	}
	if _, err := s.InsertRows(wsID, sheetID, 0, 1, testAdmin); err != nil {
		t.Fatalf("admin insert on closed workspace failed: %v", err)
	}
}

func TestAddAndDeleteSheet(t *testing.T) {
	s := NewStore()
	wsID, firstSheet := newTestWorkspace(t, s)

	if err := s.DeleteSheet(wsID, firstSheet, testUser); !errors.Is(err, ErrLastSheet) {
		t.Fatalf("expected ErrLastSheet, got %v", err)
	}

	second, err := s.AddSheet(wsID, "", testUser)
	if err != nil {
		t.Fatalf("AddSheet failed: %v", err)
	}
	if second.Name != "Sheet2" {
		t.Fatalf("auto name = %q, want Sheet2", second.Name)
	}
	if _, err := s.AddSheet(wsID, "sheet2", testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate name (case-insensitive): expected ErrInvalidInput, got %v", err)
	}

	if err := s.DeleteSheet(wsID, firstSheet, testUser); err != nil {
		t.Fatalf("DeleteSheet failed: %v", err)
	}
	ws, _ := s.GetWorkspace(wsID)
	if len(ws.SheetOrder) != 1 || ws.SheetOrder[0] != second.ID {
		t.Fatalf("sheet order = %v", ws.SheetOrder)
	}
	if _, err := s.GetSheet(wsID, firstSheet); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted sheet still resolvable: %v", err)
	}
}

func TestRenameSheet(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)

	sheet, err := s.RenameSheet(wsID, sheetID, "Forecast", testUser)
	if err != nil {
		t.Fatalf("RenameSheet failed: %v", err)
	}
	if sheet.Name != "Forecast" {
		t.Fatalf("name = %q", sheet.Name)
	}
	// Renaming to its own name is allowed.
	if _, err := s.RenameSheet(wsID, sheetID, "forecast", testUser); err != nil {
		t.Fatalf("self rename failed: %v", err)
	}
	if _, err := s.RenameSheet(wsID, sheetID, "  ", testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name: expected ErrInvalidInput, got %v", err)
	}
}

func TestReorderSheets(t *testing.T) {
	s := NewStore()
	wsID, first := newTestWorkspace(t, s)
	second, err := s.AddSheet(wsID, "Data", testUser)
	if err != nil {
		t.Fatalf("AddSheet failed: %v", err)
	}

	ws, err := s.ReorderSheets(wsID, []string{second.ID, first}, testUser)
	if err != nil {
		t.Fatalf("ReorderSheets failed: %v", err)
	}
	if ws.SheetOrder[0] != second.ID || ws.SheetOrder[1] != first {
		t.Fatalf("order = %v", ws.SheetOrder)
	}

	if _, err := s.ReorderSheets(wsID, []string{first}, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short order: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.ReorderSheets(wsID, []string{first, first}, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("repeated sheet: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.ReorderSheets(wsID, []string{first, "ghost"}, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown sheet: expected ErrInvalidInput, got %v", err)
	}
}

func TestCopySheetIsDeep(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)
	seedCells(t, s, wsID, sheetID, [][2]int{{0, 0}, {1, 1}})
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{Merges: &[]string{"A1:B1"}}, testAdmin); err != nil {
		t.Fatalf("UpdateSheetMeta failed: %v", err)
	}

	copied, err := s.CopySheet(wsID, sheetID, "", testUser)
	if err != nil {
		t.Fatalf("CopySheet failed: %v", err)
	}
	if copied.Name != "Sheet1 (copy)" {
		t.Fatalf("copy name = %q", copied.Name)
	}

	// Mutating the copy must not leak into the original.
	mustApply(t, s, wsID, copied.ID, Patch{Row: 0, Col: 0, Value: rawString("changed")}, testUser)
	orig := cellAt(t, s, wsID, sheetID, 0, 0)
	if orig == nil || orig.Value == nil || *orig.Value == "changed" {
		t.Fatalf("copy shares cells with the original: %+v", orig)
	}
	if _, err := s.DeleteRows(wsID, copied.ID, []int{0}, testUser); err != nil {
		t.Fatalf("DeleteRows on copy failed: %v", err)
	}
	origSheet, _ := s.GetSheet(wsID, sheetID)
	if len(origSheet.Merges) != 1 || origSheet.Merges[0] != "A1:B1" {
		t.Fatalf("original merges mutated: %v", origSheet.Merges)
	}
}

func TestUpdateSheetMeta(t *testing.T) {
	s := NewStore()
	wsID, sheetID := newTestWorkspace(t, s)

	sheet, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{
		RowHeights: map[string]float64{"0": 40, "1": 22},
	}, testUser)
	if err != nil {
		t.Fatalf("UpdateSheetMeta failed: %v", err)
	}
	if sheet.RowHeights["0"] != 40 || sheet.RowHeights["1"] != 22 {
		t.Fatalf("row heights = %v", sheet.RowHeights)
	}

	// Non-positive values remove the override; untouched keys survive.
	sheet, err = s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{
		RowHeights: map[string]float64{"0": 0},
	}, testUser)
	if err != nil {
		t.Fatalf("UpdateSheetMeta failed: %v", err)
	}
	if _, ok := sheet.RowHeights["0"]; ok {
		t.Fatalf("zero height kept: %v", sheet.RowHeights)
	}
	if sheet.RowHeights["1"] != 22 {
		t.Fatalf("merge lost untouched key: %v", sheet.RowHeights)
	}

	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{Merges: &[]string{"bogus"}}, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad merge range: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{Freeze: &FreezeSpec{Rows: -1}}, testUser); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("negative freeze: expected ErrInvalidInput, got %v", err)
	}

	protected := true
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{Protected: &protected}, testUser); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user setting protection: expected ErrForbidden, got %v", err)
	}
	readonly := []int{0}
	if _, err := s.UpdateSheetMeta(wsID, sheetID, SheetMetaUpdate{ReadOnlyCols: &readonly}, testUser); !errors.Is(err, ErrForbidden) {
		t.Fatalf("user setting readonly cols: expected ErrForbidden, got %v", err)
	}
}

func TestStructuralRollbackOnPersistFailure(t *testing.T) {
	backend := &failingBackend{failFrom: 3}
	s := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	wsID, sheetID := newTestWorkspace(t, s)
	mustApply(t, s, wsID, sheetID, Patch{Row: 5, Col: 0, Value: rawString("v")}, testUser)

	if _, err := s.InsertRows(wsID, sheetID, 0, 1, testUser); !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if cellAt(t, s, wsID, sheetID, 5, 0) == nil {
		t.Fatalf("cell moved despite failed persist")
	}
}
