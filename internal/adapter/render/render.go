// Package render prints tasks and reports for the terminal.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"anyrun/internal/domain"
)

const maxNameWidth = 60

// Printer writes human-readable output. In plain mode no styling is applied
// and reports are emitted as raw markdown.
type Printer struct {
	w     io.Writer
	plain bool
	width int
}

// New creates a Printer writing to w.
func New(w io.Writer, plain bool, width int) *Printer {
	if width <= 0 {
		width = 100
	}
	return &Printer{w: w, plain: plain, width: width}
}

// Tasks prints a task listing.
func (p *Printer) Tasks(tasks []domain.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(p.w, p.muted("no tasks"))
		return err
	}
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.UUID(),
			t.Verdict(),
			t.RunType(),
			truncate(t.Name(), maxNameWidth),
			strings.Join(t.Tags(), ","),
		})
	}
	return p.table([]string{"UUID", "VERDICT", "TYPE", "NAME", "TAGS"}, rows, 1)
}

// IoC prints each non-empty section of an IoC report.
func (p *Printer) IoC(ioc domain.IoC) error {
	sections := []struct {
		title   string
		objects []domain.IoCObject
	}{
		{"Main object", ioc.MainObjects},
		{"Dropped executable files", ioc.DroppedFiles},
		{"DNS requests", ioc.DNS},
		{"Connections", ioc.Connections},
	}
	printed := false
	for _, s := range sections {
		if len(s.objects) == 0 {
			continue
		}
		printed = true
		if _, err := fmt.Fprintln(p.w, p.bold(s.title)); err != nil {
			return err
		}
		rows := make([][]string, 0, len(s.objects))
		for _, o := range s.objects {
			rows = append(rows, []string{o.ReputationLabel(), o.Type, truncate(o.IoC, maxNameWidth), o.Name})
		}
		if err := p.table([]string{"REPUTATION", "TYPE", "IOC", "NAME"}, rows, 0); err != nil {
			return err
		}
	}
	if !printed {
		_, err := fmt.Fprintln(p.w, p.muted("no indicators"))
		return err
	}
	return nil
}

// Task prints a detailed report for one task.
func (p *Printer) Task(t domain.Task) error {
	md := TaskMarkdown(t)
	if p.plain {
		_, err := io.WriteString(p.w, md)
		return err
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(p.width),
	)
	if err != nil {
		_, werr := io.WriteString(p.w, md)
		return werr
	}
	out, err := r.Render(md)
	if err != nil {
		out = md
	}
	_, err = io.WriteString(p.w, out)
	return err
}

// Saved reports a written file.
func (p *Printer) Saved(path string) error {
	_, err := fmt.Fprintf(p.w, "%s %s\n", p.style(successStyle, "saved"), path)
	return err
}

// Error prints err with its machine-parseable code.
func (p *Printer) Error(err error) {
	fmt.Fprintf(p.w, "%s [%s] %v\n", p.style(errorStyle, "error"), domain.ErrorCodeOf(err), err)
}

// TaskMarkdown renders the task report as markdown.
func TaskMarkdown(t domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", escape(t.Name()))
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", k, escape(v))
		}
	}
	row("Task", t.UUID())
	row("Verdict", t.Verdict())
	row("Run type", t.RunType())
	row("Object", t.ObjectUUID())
	row("File type", t.FileType())
	row("MIME", t.MIMEType())
	row("MD5", t.MD5())
	row("SHA1", t.SHA1())
	row("SHA256", t.SHA256())
	if tags := t.Tags(); len(tags) > 0 {
		fmt.Fprintf(&b, "\n**Tags:** %s\n", escape(strings.Join(tags, ", ")))
	}
	if t.IsDownloadable() {
		fmt.Fprintf(&b, "\nSample available: `anyrun download %s`\n", t.UUID())
	}
	return b.String()
}

func (p *Printer) table(headers []string, rows [][]string, verdictCol int) error {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	if p.plain {
		tbl = tbl.StyleFunc(func(row, col int) lipgloss.Style { return cellStyle })
	} else {
		tbl = tbl.BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				if col == verdictCol && row >= 0 && row < len(rows) {
					return verdictStyle(rows[row][col])
				}
				return cellStyle
			})
	}
	_, err := fmt.Fprintln(p.w, tbl.Render())
	return err
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.plain {
		return text
	}
	return s.Render(text)
}

func (p *Printer) bold(text string) string {
	return p.style(lipgloss.NewStyle().Bold(true), text)
}

func (p *Printer) muted(text string) string {
	return p.style(mutedStyle, text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

var mdEscaper = strings.NewReplacer("|", `\|`, "*", `\*`, "_", `\_`, "`", "\\`")

func escape(s string) string {
	return mdEscaper.Replace(s)
}
