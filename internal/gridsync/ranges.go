package gridsync

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GridRange is a rectangular cell region with zero-based inclusive bounds.
type GridRange struct {
	MinRow int
	MinCol int
	MaxRow int
	MaxCol int
}

// ColumnLetter converts a zero-based column index to its A1 letter form
// ("A", "B", ..., "Z", "AA", ...).
func ColumnLetter(col int) string {
	if col < 0 {
		return ""
	}
	var b []byte
	n := col + 1
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// ParseColumn converts an A1 column letter to its zero-based index.
func ParseColumn(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("%w: empty column", ErrInvalidInput)
	}
	col := 0
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return 0, fmt.Errorf("%w: bad column %q", ErrInvalidInput, s)
		}
		col = col*26 + int(r-'A') + 1
	}
	return col - 1, nil
}

func parseCellRef(s string) (row, col int, err error) {
	s = strings.TrimSpace(s)
	split := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			split = i
			break
		}
	}
	if split <= 0 {
		return 0, 0, fmt.Errorf("%w: bad cell reference %q", ErrInvalidInput, s)
	}
	col, err = ParseColumn(s[:split])
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.Atoi(s[split:])
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("%w: bad row in cell reference %q", ErrInvalidInput, s)
	}
	return n - 1, col, nil
}

// ParseRange parses an A1 range string ("A1:B2", or a single cell "A1").
func ParseRange(s string) (GridRange, error) {
	s = strings.TrimSpace(s)
	start, end, found := strings.Cut(s, ":")
	if !found {
		end = start
	}
	minRow, minCol, err := parseCellRef(start)
	if err != nil {
		return GridRange{}, err
	}
	maxRow, maxCol, err := parseCellRef(end)
	if err != nil {
		return GridRange{}, err
	}
	if maxRow < minRow || maxCol < minCol {
		return GridRange{}, fmt.Errorf("%w: inverted range %q", ErrInvalidInput, s)
	}
	return GridRange{MinRow: minRow, MinCol: minCol, MaxRow: maxRow, MaxCol: maxCol}, nil
}

func (r GridRange) String() string {
	start := fmt.Sprintf("%s%d", ColumnLetter(r.MinCol), r.MinRow+1)
	end := fmt.Sprintf("%s%d", ColumnLetter(r.MaxCol), r.MaxRow+1)
	if start == end {
		return start
	}
	return start + ":" + end
}

func (r GridRange) Contains(row, col int) bool {
	return row >= r.MinRow && row <= r.MaxRow && col >= r.MinCol && col <= r.MaxCol
}

func (r GridRange) singleRow() bool { return r.MinRow == r.MaxRow }
func (r GridRange) singleCol() bool { return r.MinCol == r.MaxCol }

// shiftRangeRowsInsert returns the range adjusted for count rows inserted at `at`.
func shiftRangeRowsInsert(r GridRange, at, count int) GridRange {
	if r.MinRow >= at {
		r.MinRow += count
	}
	if r.MaxRow >= at {
		r.MaxRow += count
	}
	return r
}

// shiftRangeRowsDelete returns the range adjusted for a single deleted row.
// The second result is false when the deletion collapses the range entirely.
func shiftRangeRowsDelete(r GridRange, deleted int) (GridRange, bool) {
	switch {
	case deleted >= r.MinRow && deleted <= r.MaxRow:
		if r.singleRow() {
			return GridRange{}, false
		}
		r.MaxRow--
	case deleted < r.MinRow:
		r.MinRow--
		r.MaxRow--
	}
	return r, true
}

func shiftRangeColsInsert(r GridRange, at, count int) GridRange {
	if r.MinCol >= at {
		r.MinCol += count
	}
	if r.MaxCol >= at {
		r.MaxCol += count
	}
	return r
}

func shiftRangeColsDelete(r GridRange, deleted int) (GridRange, bool) {
	switch {
	case deleted >= r.MinCol && deleted <= r.MaxCol:
		if r.singleCol() {
			return GridRange{}, false
		}
		r.MaxCol--
	case deleted < r.MinCol:
		r.MinCol--
		r.MaxCol--
	}
	return r, true
}

// shiftMerges rewrites a merge-range list for a row or column insert/delete.
// Unparseable entries are kept verbatim.
func shiftMergesRowsInsert(merges []string, at, count int) []string {
	out := make([]string, 0, len(merges))
	for _, m := range merges {
		r, err := ParseRange(m)
		if err != nil {
			out = append(out, m)
			continue
		}
		out = append(out, shiftRangeRowsInsert(r, at, count).String())
	}
	return out
}

func shiftMergesRowsDelete(merges []string, indices []int) []string {
	out := make([]string, 0, len(merges))
	for _, m := range merges {
		r, err := ParseRange(m)
		if err != nil {
			out = append(out, m)
			continue
		}
		keep := true
		for i := len(indices) - 1; i >= 0; i-- {
			r, keep = shiftRangeRowsDelete(r, indices[i])
			if !keep {
				break
			}
		}
		if keep {
			out = append(out, r.String())
		}
	}
	return out
}

func shiftMergesColsInsert(merges []string, at, count int) []string {
	out := make([]string, 0, len(merges))
	for _, m := range merges {
		r, err := ParseRange(m)
		if err != nil {
			out = append(out, m)
			continue
		}
		out = append(out, shiftRangeColsInsert(r, at, count).String())
	}
	return out
}

func shiftMergesColsDelete(merges []string, indices []int) []string {
	out := make([]string, 0, len(merges))
	for _, m := range merges {
		r, err := ParseRange(m)
		if err != nil {
			out = append(out, m)
			continue
		}
		keep := true
		for i := len(indices) - 1; i >= 0; i-- {
			r, keep = shiftRangeColsDelete(r, indices[i])
			if !keep {
				break
			}
		}
		if keep {
			out = append(out, r.String())
		}
	}
	return out
}

// shiftIndexKeys rewrites a stringified-index keyed map (row heights, column
// widths) for an insert of count positions at `at`.
func shiftIndexKeysInsert(m map[string]float64, at, count int) map[string]float64 {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil {
			out[k] = v
			continue
		}
		if idx >= at {
			idx += count
		}
		out[strconv.Itoa(idx)] = v
	}
	return out
}

// shiftIndexKeysDelete drops deleted indices and compacts the remainder.
func shiftIndexKeysDelete(m map[string]float64, indices []int) map[string]float64 {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		idx, err := strconv.Atoi(k)
		if err != nil {
			out[k] = v
			continue
		}
		if containsInt(indices, idx) {
			continue
		}
		out[strconv.Itoa(idx-countBelow(indices, idx))] = v
	}
	return out
}

func shiftIntSetInsert(set []int, at, count int) []int {
	out := make([]int, 0, len(set))
	for _, idx := range set {
		if idx >= at {
			idx += count
		}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func shiftIntSetDelete(set, indices []int) []int {
	out := make([]int, 0, len(set))
	for _, idx := range set {
		if containsInt(indices, idx) {
			continue
		}
		out = append(out, idx-countBelow(indices, idx))
	}
	sort.Ints(out)
	return out
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// countBelow counts how many of the sorted indices are strictly below v.
func countBelow(indices []int, v int) int {
	n := 0
	for _, idx := range indices {
		if idx < v {
			n++
		}
	}
	return n
}

func uniqueSortedInts(indices []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(indices))
	for _, idx := range indices {
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
