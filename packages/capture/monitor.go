package capture

import (
	"sync"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

// Monitor observes a capture session. ResponseReceived may be called
// concurrently and must not block for long.
type Monitor interface {
	// ResponseReceived is called once per exchange with copies the monitor
	// may keep
	ResponseReceived(req *har.Request, resp *har.Response)
	// ArtifactCaptured is called once, when the session is closed
	ArtifactCaptured(artifact *har.HAR)
}

// BaseMonitor implements Monitor with no-ops. Embed it and override the
// callbacks you need.
type BaseMonitor struct{}

func (BaseMonitor) ResponseReceived(*har.Request, *har.Response) {}

func (BaseMonitor) ArtifactCaptured(*har.HAR) {}

// ArtifactMonitor keeps the archive delivered at the end of a session
type ArtifactMonitor struct {
	BaseMonitor

	mu       sync.Mutex
	artifact *har.HAR
}

func (m *ArtifactMonitor) ArtifactCaptured(artifact *har.HAR) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifact = artifact
}

// Artifact returns the captured archive, or nil before the session closed
func (m *ArtifactMonitor) Artifact() *har.HAR {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.artifact
}

// MonitorFuncs builds a Monitor from optional functions
type MonitorFuncs struct {
	OnResponse func(req *har.Request, resp *har.Response)
	OnArtifact func(artifact *har.HAR)
}

func (m MonitorFuncs) ResponseReceived(req *har.Request, resp *har.Response) {
	if m.OnResponse != nil {
		m.OnResponse(req, resp)
	}
}

func (m MonitorFuncs) ArtifactCaptured(artifact *har.HAR) {
	if m.OnArtifact != nil {
		m.OnArtifact(artifact)
	}
}

// PostProcessor transforms the archive after the session stops and before the
// monitor receives it
type PostProcessor interface {
	Process(artifact *har.HAR)
}

// PostProcessorFunc adapts a function to PostProcessor
type PostProcessorFunc func(artifact *har.HAR)

func (f PostProcessorFunc) Process(artifact *har.HAR) {
	f(artifact)
}

// SortEntries orders entries by start time
var SortEntries PostProcessor = PostProcessorFunc(har.SortByStart)
