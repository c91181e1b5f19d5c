package gridclient

import (
	"encoding/json"
	"sync"

	"github.com/gridworks/gridsync/internal/gridsync"
)

type cellKey struct {
	Row int
	Col int
}

// Grid is the client-side mirror of one sheet. It is rebuilt from snapshots
// and kept current by applying the events the server broadcasts, in the
// order they arrive.
type Grid struct {
	mu      sync.RWMutex
	cells   map[cellKey]gridsync.Cell
	sheet   gridsync.Sheet
	numRows int
	numCols int
}

func NewGrid() *Grid {
	return &Grid{cells: map[cellKey]gridsync.Cell{}}
}

// Reset replaces the whole grid from a server snapshot.
func (g *Grid) Reset(snapshot gridsync.SheetSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cells = make(map[cellKey]gridsync.Cell, len(snapshot.Cells))
	for _, cell := range snapshot.Cells {
		g.cells[cellKey{Row: cell.Row, Col: cell.Col}] = cell
	}
	g.numRows = snapshot.NumRows
	g.numCols = snapshot.NumCols
	g.sheet = gridsync.Sheet{
		ID:                 snapshot.SheetID,
		Name:               snapshot.Name,
		Merges:             snapshot.Merges,
		RowHeights:         snapshot.RowHeights,
		ColWidths:          snapshot.ColWidths,
		Freeze:             snapshot.Freeze,
		HiddenRows:         snapshot.HiddenRows,
		HiddenCols:         snapshot.HiddenCols,
		Protected:          snapshot.Protected,
		ReadOnlyCols:       snapshot.ReadOnlyCols,
		ConditionalFormats: snapshot.ConditionalFormats,
		Validations:        snapshot.Validations,
		Print:              snapshot.Print,
	}
}

// ApplyPatch folds one applied patch into the mirror. Absent attributes stay
// untouched, explicit nulls clear.
func (g *Grid) ApplyPatch(patch gridsync.AppliedPatch, updatedBy, updatedAt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := cellKey{Row: patch.Row, Col: patch.Col}
	cell, ok := g.cells[key]
	if !ok {
		cell = gridsync.Cell{Row: patch.Row, Col: patch.Col}
	}
	applyRawField(patch.Value, &cell.Value)
	applyRawField(patch.Style, &cell.Style)
	applyRawField(patch.Comment, &cell.Comment)
	applyRawField(patch.Hyperlink, &cell.Hyperlink)
	cell.UpdatedBy = updatedBy
	cell.UpdatedAt = updatedAt
	g.cells[key] = cell
	if patch.Row >= g.numRows {
		g.numRows = patch.Row + 1
	}
	if patch.Col >= g.numCols {
		g.numCols = patch.Col + 1
	}
}

func applyRawField(raw []byte, dst **string) {
	if raw == nil {
		return
	}
	if string(raw) == "null" {
		*dst = nil
		return
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return
	}
	*dst = &s
}

// ApplyStructural shifts the mirror the same way the server shifted its
// state, then adopts the broadcast sheet metadata verbatim.
func (g *Grid) ApplyStructural(op string, at, count int, indices []int, sheet gridsync.Sheet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch op {
	case "row_insert":
		g.shiftCells(func(c *gridsync.Cell) bool {
			if c.Row >= at {
				c.Row += count
			}
			return true
		})
		g.numRows += count
	case "row_delete":
		g.shiftCells(func(c *gridsync.Cell) bool {
			if containsInt(indices, c.Row) {
				return false
			}
			c.Row -= countBelow(indices, c.Row)
			return true
		})
		g.numRows -= len(indices)
	case "col_insert":
		g.shiftCells(func(c *gridsync.Cell) bool {
			if c.Col >= at {
				c.Col += count
			}
			return true
		})
		g.numCols += count
	case "col_delete":
		g.shiftCells(func(c *gridsync.Cell) bool {
			if containsInt(indices, c.Col) {
				return false
			}
			c.Col -= countBelow(indices, c.Col)
			return true
		})
		g.numCols -= len(indices)
	}
	g.sheet = sheet
}

func (g *Grid) SetSheet(sheet gridsync.Sheet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sheet = sheet
}

func (g *Grid) shiftCells(shift func(c *gridsync.Cell) bool) {
	rebuilt := make(map[cellKey]gridsync.Cell, len(g.cells))
	for _, cell := range g.cells {
		if !shift(&cell) {
			continue
		}
		rebuilt[cellKey{Row: cell.Row, Col: cell.Col}] = cell
	}
	g.cells = rebuilt
}

// Cell returns the mirrored cell at a coordinate.
func (g *Grid) Cell(row, col int) (gridsync.Cell, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cell, ok := g.cells[cellKey{Row: row, Col: col}]
	return cell, ok
}

// Value returns the displayed value at a coordinate, empty for unset cells.
func (g *Grid) Value(row, col int) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cell, ok := g.cells[cellKey{Row: row, Col: col}]
	if !ok || cell.Value == nil {
		return ""
	}
	return *cell.Value
}

func (g *Grid) Sheet() gridsync.Sheet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sheet
}

func (g *Grid) Size() (rows, cols int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.numRows, g.numCols
}

func (g *Grid) CellCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cells)
}

func containsInt(set []int, v int) bool {
	for _, item := range set {
		if item == v {
			return true
		}
	}
	return false
}

func countBelow(indices []int, v int) int {
	n := 0
	for _, idx := range indices {
		if idx < v {
			n++
		}
	}
	return n
}
