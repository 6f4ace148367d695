package cli

import (
	"strings"
	"testing"
)

func TestRenderEmptyTableIsSilent(t *testing.T) {
	table := NewTable("IDX", "LEN", "BYTES")
	if lines := table.render(80); lines != nil {
		t.Errorf("empty table rendered %d lines", len(lines))
	}
}

func TestRenderAlignment(t *testing.T) {
	table := NewTable("IDX", "LEN", "BYTES").AlignRight(0, 1)
	table.Row("0", "16", "deadbeef")
	table.Row("12", "8", "cafe")

	lines := table.render(0)
	want := []string{
		"IDX  LEN  BYTES",
		"---  ---  --------",
		"  0   16  deadbeef",
		" 12    8  cafe",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), strings.Join(lines, "\n"))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRenderTruncatesWidestColumn(t *testing.T) {
	table := NewTable("IDX", "BYTES").AlignRight(0)
	table.Row("0", strings.Repeat("ab", 50))

	// IDX(3) + gap(2) + BYTES: at 20 columns the dump column gets 15.
	lines := table.render(20)
	for i, line := range lines {
		if n := len([]rune(line)); n > 20 {
			t.Errorf("line %d is %d columns wide: %q", i, n, line)
		}
	}
	last := lines[len(lines)-1]
	if !strings.HasSuffix(last, "…") {
		t.Errorf("truncated cell should end with ellipsis: %q", last)
	}
}

func TestRenderNeverShrinksBelowHeaderWidth(t *testing.T) {
	table := NewTable("OPCODE", "COUNT").AlignRight(1)
	table.Row("WRITE_CACHED", "3")

	// Too narrow to fit anything; columns stop at their header widths.
	lines := table.render(5)
	header := lines[0]
	if !strings.HasPrefix(header, "OPCODE") {
		t.Errorf("header = %q", header)
	}
	if !strings.Contains(header, "COUNT") {
		t.Errorf("header lost a column: %q", header)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"toolong", 4, "too…"},
		{"x", 1, "x"},
		{"xy", 1, "…"},
		{"anything", 0, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
