// Package report renders a finished run's RunReport as JSON, YAML or text and
// opens the destination it is written to.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"longhaul-telemetry/internal/harness"
	"longhaul-telemetry/internal/stats"

	"gopkg.in/yaml.v3"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatText = "text"
)

// ErrUnknownFormat is returned by New for an unsupported format name.
var ErrUnknownFormat = errors.New("report: unknown format")

// Writer outputs a run report.
type Writer interface {
	Write(r stats.RunReport) error
}

// New returns the writer for format. An empty format selects JSON.
func New(format string, w io.Writer) (Writer, error) {
	name, err := normalizeFormat(format)
	if err != nil {
		return nil, err
	}
	switch name {
	case FormatYAML:
		return NewYAMLWriter(w), nil
	case FormatText:
		return NewTextWriter(w, false), nil
	default:
		return NewJSONWriter(w, true), nil
	}
}

func normalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatText, "txt":
		return FormatText, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
}

// JSONWriter outputs the report as a single JSON document.
type JSONWriter struct {
	writer io.Writer
	pretty bool
}

// NewJSONWriter creates a JSON writer. Pretty output is indented by two spaces.
func NewJSONWriter(w io.Writer, pretty bool) *JSONWriter {
	return &JSONWriter{writer: w, pretty: pretty}
}

// Write encodes r.
func (j *JSONWriter) Write(r stats.RunReport) error {
	enc := json.NewEncoder(j.writer)
	if j.pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}
	return nil
}

// YAMLWriter outputs the report as a YAML document.
type YAMLWriter struct {
	writer io.Writer
}

// NewYAMLWriter creates a YAML writer.
func NewYAMLWriter(w io.Writer) *YAMLWriter {
	return &YAMLWriter{writer: w}
}

// Write encodes r.
func (y *YAMLWriter) Write(r stats.RunReport) error {
	enc := yaml.NewEncoder(y.writer)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("report: encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("report: encode yaml: %w", err)
	}
	return nil
}

// TextWriter outputs a human-readable summary.
type TextWriter struct {
	writer  io.Writer
	verbose bool
}

// NewTextWriter creates a text writer. Verbose output includes the full
// connection status timeline.
func NewTextWriter(w io.Writer, verbose bool) *TextWriter {
	return &TextWriter{writer: w, verbose: verbose}
}

// Write renders r.
func (t *TextWriter) Write(r stats.RunReport) error {
	var b strings.Builder
	verdict := harness.Evaluate(r)

	fmt.Fprintf(&b, "=== Long-haul run %s ===\n", r.RunID)
	fmt.Fprintf(&b, "Verdict:  %s\n", strings.ToUpper(verdict.String()))
	fmt.Fprintf(&b, "State:    %s", r.State)
	if r.AbortReason != "" {
		fmt.Fprintf(&b, " (%s)", r.AbortReason)
	}
	fmt.Fprintf(&b, "\n")
	fmt.Fprintf(&b, "Valid:    %t\n", r.Valid)
	for _, v := range r.Violations {
		fmt.Fprintf(&b, "  violation: %s\n", v)
	}
	fmt.Fprintf(&b, "Started:  %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Duration: %s\n", time.Duration(r.Duration).Round(time.Millisecond))

	fmt.Fprintf(&b, "\n--- Sends ---\n")
	fmt.Fprintf(&b, "Attempted:          %d\n", r.SendsAttempted)
	fmt.Fprintf(&b, "Confirmed OK:       %d\n", r.ConfirmedOK)
	fmt.Fprintf(&b, "Confirmed failed:   %d\n", r.ConfirmedFailed)
	fmt.Fprintf(&b, "Pending:            %d\n", r.Pending)
	fmt.Fprintf(&b, "Dispatch failures:  %d\n", r.DispatchFailures)
	fmt.Fprintf(&b, "Double completions: %d\n", r.DoubleCompletions)
	if r.SendsAttempted > 0 {
		rate := float64(r.ConfirmedOK) / float64(r.SendsAttempted) * 100
		fmt.Fprintf(&b, "Success rate:       %.1f%%\n", rate)
	}
	for _, name := range sortedKeys(r.Results) {
		fmt.Fprintf(&b, "  %-16s %d\n", name, r.Results[name])
	}

	if r.Latency.Count > 0 {
		fmt.Fprintf(&b, "\n--- Latency (%d samples) ---\n", r.Latency.Count)
		fmt.Fprintf(&b, "min %s  mean %s  max %s\n", r.Latency.Min, r.Latency.Mean, r.Latency.Max)
		fmt.Fprintf(&b, "p50 %s  p95 %s  p99 %s\n", r.Latency.P50, r.Latency.P95, r.Latency.P99)
	}

	fmt.Fprintf(&b, "\n--- Connection ---\n")
	fmt.Fprintf(&b, "Transitions: %d\n", r.ConnectionTransitions)
	fmt.Fprintf(&b, "Current:     %s (%s)\n", r.CurrentStatus.Status, r.CurrentStatus.Reason)
	if t.verbose {
		for _, e := range r.Timeline {
			fmt.Fprintf(&b, "  %s  %s/%s -> %s/%s\n",
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.PreviousStatus, e.PreviousReason, e.CurrentStatus, e.CurrentReason)
		}
	}

	fmt.Fprintf(&b, "\n--- Receives ---\n")
	fmt.Fprintf(&b, "Received:   %d\n", r.Receives)
	fmt.Fprintf(&b, "Correlated: %d\n", r.CorrelatedReceives)
	for _, name := range sortedKeys(r.ReceiveDispositions) {
		fmt.Fprintf(&b, "  %-10s %d\n", name, r.ReceiveDispositions[name])
	}
	if r.Dropped > 0 {
		fmt.Fprintf(&b, "Dropped events: %d\n", r.Dropped)
	}

	if _, err := io.WriteString(t.writer, b.String()); err != nil {
		return fmt.Errorf("report: write text: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Open returns the destination for path. An empty path or "-" selects
// stdout, which is never closed by the returned close function.
func Open(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("report: create directory: %w", err)
		}
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return nil, nil, fmt.Errorf("report: create %s: %w", path, err)
	}
	return f, f.Close, nil
}

// WriteTo renders r in format to path (or stdout) and closes the file.
func WriteTo(path, format string, stdout io.Writer, r stats.RunReport) (err error) {
	if _, err := normalizeFormat(format); err != nil {
		return err
	}

	w, closeFn, err := Open(path, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			if err == nil {
				err = fmt.Errorf("report: close %s: %w", path, cerr)
			} else {
				log.Printf("report: close %s: %v", path, cerr)
			}
		}
	}()

	writer, err := New(format, w)
	if err != nil {
		return err
	}
	return writer.Write(r)
}
