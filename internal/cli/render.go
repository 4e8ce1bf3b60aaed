package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/chainstep/internal/orchestrator"
)

// table writes aligned columns. One column per row may be styled; padding
// is computed on the unstyled text.
type table struct {
	styleCol int
	rows     [][]string
	styles   []lipgloss.Style
}

func (t *table) add(style lipgloss.Style, cells ...string) {
	t.rows = append(t.rows, cells)
	t.styles = append(t.styles, style)
}

func (t *table) write(w io.Writer, indent string) {
	var widths []int
	for _, row := range t.rows {
		for i, c := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if n := lipgloss.Width(c); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for r, row := range t.rows {
		var b strings.Builder
		b.WriteString(indent)
		for i, c := range row {
			text := c
			if i == t.styleCol && c != "" {
				text = t.styles[r].Render(c)
			}
			b.WriteString(text)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(c)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func renderPlan(f *OutputFormatter, p PlanResult) {
	s := f.Styles()
	fmt.Fprintf(f.Writer, "Plan for %s: %s, %d pending\n", s.Bold.Render(p.Environment), plural(len(p.Steps), "step"), p.Pending)

	t := &table{styleCol: 4}
	for i, ps := range p.Steps {
		state, style := "pending", s.Pending
		if ps.Applied {
			state, style = "applied", s.Skip
		}
		t.add(style, strconv.Itoa(i+1), ps.Step, string(ps.Action), targetLabel(ps), state)
	}
	t.write(f.Writer, "  ")
}

func renderSummary(f *OutputFormatter, sum *orchestrator.Summary) {
	s := f.Styles()
	fmt.Fprintf(f.Writer, "Migration %s on %s\n", s.Muted.Render(sum.RunID), s.Bold.Render(sum.Environment))

	t := &table{styleCol: 0}
	for _, r := range sum.Skipped {
		t.add(s.Skip, markSkip, r.Step, r.EnvironmentID, "already applied", shortHash(r.TxHash))
	}
	for _, r := range sum.Applied {
		t.add(s.OK, markOK, r.Step, r.EnvironmentID, "applied", shortHash(r.TxHash)+attemptNote(r.Attempts))
	}
	if fl := sum.Failed; fl != nil {
		t.add(s.Fail, markFail, fl.Step, fl.EnvironmentID, "failed", fl.Reason)
	}
	for _, name := range sum.Pending {
		t.add(s.Pending, markPending, name, "", "pending", "")
	}
	t.write(f.Writer, "  ")

	failed := 0
	if sum.Failed != nil {
		failed = 1
	}
	fmt.Fprintf(f.Writer, "applied %d, skipped %d, failed %d, pending %d\n",
		len(sum.Applied), len(sum.Skipped), failed, len(sum.Pending))
}

// shortHash abbreviates a transaction hash for text output.
func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}

func attemptNote(n int) string {
	if n <= 1 {
		return ""
	}
	return fmt.Sprintf(" (%d attempts)", n)
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
