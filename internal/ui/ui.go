// Package ui renders search hits and diagnostic output for the CLI.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/hypermemory/hypermemory/internal/search"
)

// IsTTY reports whether w is a terminal file descriptor.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set, per https://no-color.org.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI reports whether the process looks like it's running under CI.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}

// Printer renders fused search hits and doctor-style status lines to an
// output stream, with or without color depending on the environment.
type Printer struct {
	out    io.Writer
	styles Styles
}

// NewPrinter builds a Printer for out, auto-detecting whether color should
// be used: disabled when NO_COLOR is set, when out isn't a terminal, or
// when running under CI.
func NewPrinter(out io.Writer) *Printer {
	noColor := DetectNoColor() || DetectCI() || !IsTTY(out)
	return &Printer{out: out, styles: GetStyles(noColor)}
}

// PrintHits renders one line per fused hit: rank, RRF score, layer
// provenance, and a truncated snippet.
func (p *Printer) PrintHits(hits []*search.FusedHit) {
	if len(hits) == 0 {
		fmt.Fprintln(p.out, p.styles.Dim.Render("no results"))
		return
	}
	for i, h := range hits {
		rank := p.styles.Label.Render(fmt.Sprintf("%2d.", i+1))
		score := p.styles.Dim.Render(fmt.Sprintf("rrf=%.4f", h.RRFScore))
		key := p.styles.Header.Render(h.Key)
		fmt.Fprintf(p.out, "%s %s  %s\n", rank, key, score)
		if h.Why != "" {
			fmt.Fprintf(p.out, "    %s\n", p.styles.Stage.Render(h.Why))
		}
		fmt.Fprintf(p.out, "    %s\n", truncate(h.Snippet, 200))
	}
}

// PrintStatus renders one doctor-style check result line.
func (p *Printer) PrintStatus(label string, ok bool, detail string) {
	mark := p.styles.Success.Render("ok")
	if !ok {
		mark = p.styles.Error.Render("FAIL")
	}
	if detail == "" {
		fmt.Fprintf(p.out, "[%s] %s\n", mark, label)
		return
	}
	fmt.Fprintf(p.out, "[%s] %s: %s\n", mark, label, p.styles.Dim.Render(detail))
}

// PrintSection renders a bold section header.
func (p *Printer) PrintSection(title string) {
	fmt.Fprintln(p.out, p.styles.Header.Render(title))
}

// Printf writes an unstyled formatted line, for plain status output.
func (p *Printer) Printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
