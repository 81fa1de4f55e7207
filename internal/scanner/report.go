package scanner

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// Severity ranks a finding. Only errors fail a report.
type Severity int

const (
	SeverityNotice Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityNotice:
		return "notice"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Finding is one result of a check against one source.
type Finding struct {
	Severity Severity
	Source   string
	Message  string
	Matches  []string
}

func (f Finding) String() string {
	if len(f.Matches) == 0 {
		return fmt.Sprintf("%s: %s", f.Source, f.Message)
	}
	return fmt.Sprintf("%s: %s: %s", f.Source, f.Message, strings.Join(f.Matches, ", "))
}

// Report accumulates findings across sources.
type Report struct {
	Findings []Finding
}

// Add appends findings to the report.
func (r *Report) Add(findings ...Finding) {
	r.Findings = append(r.Findings, findings...)
}

// Count returns how many findings have severity sev.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Passed reports whether the report has no errors.
func (r *Report) Passed() bool {
	return r.Count(SeverityError) == 0
}

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	noticeColor  = color.New(color.FgGreen)
)

// WriteTo renders the report grouped by severity.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	fmt.Fprintln(cw, "Security Validation Report")
	fmt.Fprintln(cw, "==========================")

	if r.Passed() {
		noticeColor.Fprintln(cw, "No security issues found")
	} else {
		errorColor.Fprintln(cw, "Security issues found:")
		r.writeSection(cw, SeverityError, errorColor)
	}

	if r.Count(SeverityWarning) > 0 {
		warningColor.Fprintln(cw, "\nWarnings:")
		r.writeSection(cw, SeverityWarning, warningColor)
	}

	if r.Count(SeverityNotice) > 0 {
		fmt.Fprintln(cw, "\nChecks passed:")
		r.writeSection(cw, SeverityNotice, noticeColor)
	}

	return cw.n, cw.err
}

func (r *Report) writeSection(w io.Writer, sev Severity, c *color.Color) {
	for _, f := range r.Findings {
		if f.Severity == sev {
			c.Fprintf(w, "  - %s\n", f)
		}
	}
}

// countingWriter tracks bytes written and keeps the first error.
type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
