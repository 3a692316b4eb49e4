package har

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Stats summarizes a capture
type Stats struct {
	Entries        int
	ByStatus       map[int]int
	DecodeFailures int
	Incomplete     int
	Tunnels        int
	BodyBytes      int64
	P50            time.Duration
	P95            time.Duration
	P99            time.Duration
	Max            time.Duration
}

// Summarize computes entry counts and latency percentiles for an archive
func Summarize(h *HAR) Stats {
	s := Stats{ByStatus: make(map[int]int)}
	// 1us to 10min, 3 significant digits
	hist := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)
	for _, e := range h.Entries() {
		s.Entries++
		if e.DecodeFailed {
			s.DecodeFailures++
		}
		if e.Incomplete {
			s.Incomplete++
		}
		if e.Tunnel {
			s.Tunnels++
		}
		if e.Response != nil {
			s.ByStatus[e.Response.Status]++
			if e.Response.Content != nil {
				s.BodyBytes += e.Response.Content.Size
			}
		}
		us := int64(e.Time * 1000)
		if us < 1 {
			us = 1
		}
		_ = hist.RecordValue(us)
	}
	if hist.TotalCount() > 0 {
		s.P50 = time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond
		s.P95 = time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond
		s.P99 = time.Duration(hist.ValueAtQuantile(99)) * time.Microsecond
		s.Max = time.Duration(hist.Max()) * time.Microsecond
	}
	return s
}
