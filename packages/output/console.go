package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/fatih/color"
)

// formatValue formats a value for display, truncating or summarizing large values
func formatValue(v any, maxLen int) string {
	switch val := v.(type) {
	case []any:
		return fmt.Sprintf("[array with %d items]", len(val))
	case map[string]any:
		return fmt.Sprintf("{object with %d keys}", len(val))
	}
	str := fmt.Sprintf("%v", v)
	if len(str) > maxLen {
		return str[:maxLen] + "..."
	}
	return str
}

// statusLabel renders a response status; 0 means no response arrived
func statusLabel(status int) string {
	switch {
	case status == 0:
		return color.New(color.FgRed).Sprint("ERR")
	case status >= 500:
		return color.New(color.FgRed).Sprint(status)
	case status >= 400:
		return color.New(color.FgYellow).Sprint(status)
	case status >= 300:
		return color.New(color.FgCyan).Sprint(status)
	default:
		return color.New(color.FgGreen).Sprint(status)
	}
}

type ConsoleFormatter struct {
	writer  io.Writer
	verbose bool
	noColor bool
}

type ConsoleOption func(*ConsoleFormatter)

func NewConsoleFormatter(opts ...ConsoleOption) *ConsoleFormatter {
	f := &ConsoleFormatter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.noColor {
		color.NoColor = true
	}
	return f
}

func WithWriter(w io.Writer) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.writer = w
	}
}

func WithVerbose(v bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.verbose = v
	}
}

func WithNoColor(nc bool) ConsoleOption {
	return func(f *ConsoleFormatter) {
		f.noColor = nc
	}
}

// FormatListening announces a running session
func (f *ConsoleFormatter) FormatListening(proxyURL, caPath string) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(f.writer, "%s %s\n", bold("Proxy listening on"), proxyURL)
	if caPath != "" {
		fmt.Fprintf(f.writer, "%s %s\n", bold("CA certificate:   "), caPath)
	}
	fmt.Fprintf(f.writer, "Press Ctrl+C to stop and save the capture\n\n")
}

// FormatEntries lists every entry of an archive, with extracted values when
// expressions are given
func (f *ConsoleFormatter) FormatEntries(h *har.HAR, exprs []capture.Expression) {
	cyan := color.New(color.FgCyan).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for i, e := range h.Entries() {
		status := 0
		if e.Response != nil {
			status = e.Response.Status
		}
		fmt.Fprintf(f.writer, "%3d  %s %-7s %s %s",
			i+1, statusLabel(status), e.Request.Method, e.Request.URL,
			cyan(fmt.Sprintf("(%.0fms)", e.Time)))
		switch {
		case e.Tunnel:
			fmt.Fprintf(f.writer, " %s", yellow("[tunnel]"))
		case e.Incomplete:
			fmt.Fprintf(f.writer, " %s", yellow("[incomplete]"))
		case e.DecodeFailed:
			fmt.Fprintf(f.writer, " %s", yellow("[raw body]"))
		case e.Truncated:
			fmt.Fprintf(f.writer, " %s", yellow("[truncated]"))
		}
		fmt.Fprintln(f.writer)

		if f.verbose && e.Error != "" {
			fmt.Fprintf(f.writer, "       Error: %s\n", e.Error)
		}
		if f.verbose && e.Response != nil && e.Response.Content != nil {
			fmt.Fprintf(f.writer, "       Content: %s, %d bytes\n", e.Response.Content.MimeType, e.Response.Content.Size)
		}

		if len(exprs) == 0 {
			continue
		}
		results := capture.ExtractAll(e, exprs)
		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(f.writer, "       %s = %s\n", name, formatValue(results[name], 100))
		}
	}
}

// FormatSummary prints entry counts and latency percentiles. path is where the
// archive was written and may be empty.
func (f *ConsoleFormatter) FormatSummary(path string, s har.Stats) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintf(f.writer, "\n")
	if path != "" {
		fmt.Fprintf(f.writer, "Saved: %s\n", path)
	}

	parts := []string{fmt.Sprintf("%d total", s.Entries)}
	var ok, failed int
	for status, n := range s.ByStatus {
		if status > 0 && status < 400 {
			ok += n
		} else {
			failed += n
		}
	}
	if ok > 0 {
		parts = append(parts, green(fmt.Sprintf("%d ok", ok)))
	}
	if failed > 0 {
		parts = append(parts, red(fmt.Sprintf("%d failed", failed)))
	}
	if s.DecodeFailures > 0 {
		parts = append(parts, yellow(fmt.Sprintf("%d undecoded", s.DecodeFailures)))
	}
	if s.Tunnels > 0 {
		parts = append(parts, fmt.Sprintf("%d tunnels", s.Tunnels))
	}
	fmt.Fprintf(f.writer, "Entries: %s\n", strings.Join(parts, ", "))
	if s.Entries > 0 {
		fmt.Fprintf(f.writer, "Latency: p50 %v, p95 %v, p99 %v, max %v\n", s.P50, s.P95, s.P99, s.Max)
		fmt.Fprintf(f.writer, "Bodies:  %d bytes\n", s.BodyBytes)
	}
	fmt.Fprintf(f.writer, "\n")
}

func (f *ConsoleFormatter) FormatError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(f.writer, "%s %v\n", red("Error:"), err)
}

func (f *ConsoleFormatter) FormatHeader(version string) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(f.writer, "%s %s\n", bold("hitcapture"), version)
}
