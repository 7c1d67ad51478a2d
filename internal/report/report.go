// Package report renders the human-readable output of the CLI: headers,
// sections, aligned tables and the stage flow.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/gookit/color"
	"github.com/mattn/go-runewidth"
)

// Printer writes styled text to w. With color disabled it writes plain text.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a printer. useColor is usually whether w is a terminal.
func NewPrinter(w io.Writer, useColor bool) *Printer {
	return &Printer{w: w, color: useColor}
}

func (p *Printer) style(c color.Style, s string) string {
	if !p.color {
		return s
	}
	return c.Sprint(s)
}

// Header prints a title framed by '=' lines.
func (p *Printer) Header(format string, args ...any) {
	title := fmt.Sprintf(format, args...)
	line := strings.Repeat("=", runewidth.StringWidth(title)+4)
	fmt.Fprintln(p.w, line)
	fmt.Fprintf(p.w, "  %s\n", p.style(color.Style{color.OpBold}, title))
	fmt.Fprintln(p.w, line)
}

// Section prints a "[title]" line underlined with dashes.
func (p *Printer) Section(title string) {
	fmt.Fprintf(p.w, "[%s]\n", p.style(color.Style{color.FgCyan, color.OpBold}, title))
	fmt.Fprintln(p.w, strings.Repeat("-", runewidth.StringWidth(title)+2))
}

// KV prints an indented key/value line with keys padded to width.
func (p *Printer) KV(width int, key string, value any) {
	fmt.Fprintf(p.w, "  %s %v\n", runewidth.FillRight(key+":", width+1), value)
}

// Line prints a formatted line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Blank prints an empty line.
func (p *Printer) Blank() {
	fmt.Fprintln(p.w)
}

// Status colors a status word: green when finished well, yellow when work
// remains, red on failure.
func (p *Printer) Status(s string) string {
	switch s {
	case "succeeded", "done", "ok", "match", "skipped":
		return p.style(color.Style{color.FgGreen}, s)
	case "pending", "running", "waiting on upstream", "interrupted":
		return p.style(color.Style{color.FgYellow}, s)
	case "failed", "cancelled", "mismatch", "missing":
		return p.style(color.Style{color.FgRed, color.OpBold}, s)
	}
	return s
}

// Table prints rows under headers with every column aligned. Cells may carry
// color codes; widths are measured on the visible text.
func (p *Printer) Table(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], visibleWidth(cell))
			}
		}
	}

	head := make([]string, len(headers))
	rule := make([]string, len(headers))
	for i, h := range headers {
		head[i] = p.style(color.Style{color.OpBold}, pad(h, widths[i]))
		rule[i] = strings.Repeat("-", widths[i])
	}
	fmt.Fprintln(p.w, "  "+strings.TrimRight(strings.Join(head, "  "), " "))
	fmt.Fprintln(p.w, "  "+strings.Join(rule, "  "))

	for _, row := range rows {
		cells := make([]string, len(headers))
		for i := range headers {
			if i < len(row) {
				cells[i] = pad(row[i], widths[i])
			} else {
				cells[i] = strings.Repeat(" ", widths[i])
			}
		}
		fmt.Fprintln(p.w, "  "+strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

// Flow prints stages in run order joined by arrows, wrapping before width
// columns.
func (p *Printer) Flow(stages []string, width int) {
	var line strings.Builder
	used := 2
	line.WriteString("  ")
	for i, s := range stages {
		part := "[" + s + "]"
		if i > 0 {
			part = " -> " + part
		}
		w := runewidth.StringWidth(part)
		if width > 0 && used+w > width && used > 2 {
			fmt.Fprintln(p.w, line.String())
			line.Reset()
			line.WriteString("   ")
			used = 3
		}
		line.WriteString(part)
		used += w
	}
	fmt.Fprintln(p.w, line.String())
}

func visibleWidth(s string) int {
	return runewidth.StringWidth(color.ClearCode(s))
}

func pad(s string, width int) string {
	if n := width - visibleWidth(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}
