package output

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

// JSONOutput represents the complete JSON output structure
type JSONOutput struct {
	Summary JSONSummary `json:"summary"`
	Entries []JSONEntry `json:"entries"`
	Time    string      `json:"time"`
}

// JSONSummary represents the capture summary
type JSONSummary struct {
	Total          int         `json:"total"`
	ByStatus       map[int]int `json:"byStatus"`
	DecodeFailures int         `json:"decodeFailures"`
	Incomplete     int         `json:"incomplete"`
	Tunnels        int         `json:"tunnels"`
	BodyBytes      int64       `json:"bodyBytes"`
	P50            float64     `json:"p50Ms"`
	P95            float64     `json:"p95Ms"`
	P99            float64     `json:"p99Ms"`
}

// JSONEntry represents a single captured exchange
type JSONEntry struct {
	Method       string         `json:"method"`
	URL          string         `json:"url"`
	Status       int            `json:"status"`
	MimeType     string         `json:"mimeType,omitempty"`
	Size         int64          `json:"size"`
	Duration     float64        `json:"duration"`
	Started      string         `json:"started"`
	Tunnel       bool           `json:"tunnel,omitempty"`
	Incomplete   bool           `json:"incomplete,omitempty"`
	DecodeFailed bool           `json:"decodeFailed,omitempty"`
	Truncated    bool           `json:"truncated,omitempty"`
	Error        string         `json:"error,omitempty"`
	Extracted    map[string]any `json:"extracted,omitempty"`
}

// JSONFormatter formats a capture listing as JSON
type JSONFormatter struct {
	writer io.Writer
}

type JSONOption func(*JSONFormatter)

func NewJSONFormatter(opts ...JSONOption) *JSONFormatter {
	f := &JSONFormatter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func JSONWithWriter(w io.Writer) JSONOption {
	return func(f *JSONFormatter) {
		f.writer = w
	}
}

// Format writes the listing and summary of h
func (f *JSONFormatter) Format(h *har.HAR, exprs []capture.Expression) error {
	s := har.Summarize(h)
	out := JSONOutput{
		Summary: JSONSummary{
			Total:          s.Entries,
			ByStatus:       s.ByStatus,
			DecodeFailures: s.DecodeFailures,
			Incomplete:     s.Incomplete,
			Tunnels:        s.Tunnels,
			BodyBytes:      s.BodyBytes,
			P50:            har.Millis(s.P50),
			P95:            har.Millis(s.P95),
			P99:            har.Millis(s.P99),
		},
		Entries: make([]JSONEntry, 0, len(h.Entries())),
		Time:    time.Now().Format(time.RFC3339),
	}

	for _, e := range h.Entries() {
		je := JSONEntry{
			Method:       e.Request.Method,
			URL:          e.Request.URL,
			Duration:     e.Time,
			Started:      e.StartedDateTime.Format(time.RFC3339Nano),
			Tunnel:       e.Tunnel,
			Incomplete:   e.Incomplete,
			DecodeFailed: e.DecodeFailed,
			Truncated:    e.Truncated,
			Error:        e.Error,
		}
		if e.Response != nil {
			je.Status = e.Response.Status
			if e.Response.Content != nil {
				je.MimeType = e.Response.Content.MimeType
				je.Size = e.Response.Content.Size
			}
		}
		if len(exprs) > 0 {
			je.Extracted = capture.ExtractAll(e, exprs)
		}
		out.Entries = append(out.Entries, je)
	}

	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
