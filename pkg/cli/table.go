// Package cli renders the column-aligned tables infuse-patch prints for
// write-cache entries and opcode summaries.
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// terminalWidth returns the terminal column count for stdout. The COLUMNS
// environment variable overrides the detected width. Returns 0 when stdout
// is not a terminal and COLUMNS is unset, meaning no width constraint.
func terminalWidth() int {
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if n, err := strconv.Atoi(cols); err == nil && n > 0 {
			return n
		}
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 0
	}
	return w
}

// colGap is the space between adjacent columns.
const colGap = 2

// Table buffers rows and writes them column-aligned on Flush. Headers and a
// dash divider are emitted lazily, so an empty table produces no output.
//
// Cells are single-line. When the terminal constrains the line width, the
// widest shrinkable column — in practice the hex byte-dump column, whose
// cells can run to hundreds of characters — is truncated with a trailing
// ellipsis rather than wrapped; a partial dump reads better than a dump
// smeared across many physical lines. Columns never shrink below their
// header width.
type Table struct {
	headers []string
	right   map[int]bool
	rows    [][]string
}

// NewTable creates a table with the given column headers.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers, right: make(map[int]bool)}
}

// AlignRight right-justifies the given zero-based columns, for counts,
// lengths, and indexes.
func (t *Table) AlignRight(cols ...int) *Table {
	for _, c := range cols {
		t.right[c] = true
	}
	return t
}

// Row appends a row to the table.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush writes all buffered output to stdout.
func (t *Table) Flush() {
	for _, line := range t.render(terminalWidth()) {
		fmt.Fprintln(os.Stdout, line)
	}
}

// render produces the table's output lines constrained to termWidth
// columns; termWidth <= 0 means unconstrained.
func (t *Table) render(termWidth int) []string {
	if len(t.rows) == 0 {
		return nil
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.rows {
		for i, v := range row {
			if i < len(widths) {
				if n := utf8.RuneCountInString(v); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}
	if termWidth > 0 {
		t.capWidths(widths, termWidth)
	}

	lines := make([]string, 0, len(t.rows)+2)
	lines = append(lines, t.formatRow(t.headers, widths))

	dividers := make([]string, len(t.headers))
	for i := range t.headers {
		dividers[i] = strings.Repeat("-", widths[i])
	}
	lines = append(lines, t.formatRow(dividers, widths))

	for _, row := range t.rows {
		lines = append(lines, t.formatRow(row, widths))
	}
	return lines
}

// capWidths shrinks the widest reducible column until the total line fits
// in termWidth, stopping once every column is at its header width.
func (t *Table) capWidths(widths []int, termWidth int) {
	minWidths := make([]int, len(t.headers))
	for i, h := range t.headers {
		minWidths[i] = utf8.RuneCountInString(h)
	}

	for {
		lineWidth := colGap * (len(widths) - 1)
		for _, w := range widths {
			lineWidth += w
		}
		if lineWidth <= termWidth {
			return
		}

		maxW, maxI := -1, -1
		for i, w := range widths {
			if w > minWidths[i] && w > maxW {
				maxW = w
				maxI = i
			}
		}
		if maxI < 0 {
			return
		}

		excess := lineWidth - termWidth
		if available := widths[maxI] - minWidths[maxI]; excess > available {
			excess = available
		}
		widths[maxI] -= excess
	}
}

func (t *Table) formatRow(row []string, widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		val := ""
		if i < len(row) {
			val = truncate(row[i], w)
		}
		pad := strings.Repeat(" ", w-utf8.RuneCountInString(val))
		if t.right[i] {
			parts[i] = pad + val
		} else {
			parts[i] = val + pad
		}
	}
	return strings.TrimRight(strings.Join(parts, strings.Repeat(" ", colGap)), " ")
}

// truncate cuts s to width runes, marking the cut with a trailing ellipsis.
func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width < 1 {
		return ""
	}
	return string(runes[:width-1]) + "…"
}
