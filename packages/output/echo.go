package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/hitcapture/packages/capture"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

// EchoMonitor prints one line per captured response and keeps the final
// archive. Lines beyond the rate limit are counted instead of printed.
type EchoMonitor struct {
	capture.ArtifactMonitor

	mu      sync.Mutex
	writer  io.Writer
	limiter *rate.Limiter
	dropped int
	printed int
}

// NewEchoMonitor returns a monitor writing to w. perSecond <= 0 disables the
// rate limit.
func NewEchoMonitor(w io.Writer, perSecond float64) *EchoMonitor {
	limit := rate.Inf
	burst := 0
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &EchoMonitor{
		writer:  w,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (m *EchoMonitor) ResponseReceived(req *har.Request, resp *har.Response) {
	if req == nil {
		return
	}
	status := 0
	var size int64
	if resp != nil {
		status = resp.Status
		if resp.Content != nil {
			size = resp.Content.Size
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.limiter.Allow() {
		m.dropped++
		return
	}
	if m.dropped > 0 {
		fmt.Fprintf(m.writer, "  %s\n", color.New(color.Faint).Sprintf("... %d responses not shown", m.dropped))
		m.dropped = 0
	}
	m.printed++
	fmt.Fprintf(m.writer, "  %s %-7s %s %s\n", statusLabel(status), req.Method, req.URL,
		color.New(color.FgCyan).Sprintf("(%d bytes)", size))
}

func (m *EchoMonitor) ArtifactCaptured(artifact *har.HAR) {
	m.mu.Lock()
	if m.dropped > 0 {
		fmt.Fprintf(m.writer, "  ... %d responses not shown\n", m.dropped)
		m.dropped = 0
	}
	m.mu.Unlock()
	m.ArtifactMonitor.ArtifactCaptured(artifact)
}

// Printed returns how many lines were written
func (m *EchoMonitor) Printed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.printed
}
