package capture

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
)

type state int

const (
	stateNotStarted state = iota
	stateStarted
	stateStopped
)

type cleanup struct {
	name string
	fn   func() error
}

// Control owns a running capture session
type Control struct {
	// closeMu serializes Close; mu only guards the fields below it, so
	// callbacks run by Close may read the Control
	closeMu sync.Mutex

	mu       sync.Mutex
	state    state
	port     int
	artifact *har.HAR

	engine         Engine
	monitor        Monitor
	sess           *session
	installer      *filterInstaller
	postProcessors []PostProcessor

	cleanupMu sync.Mutex
	cleanups  []cleanup

	log logger.Logger
}

// Port returns the bound proxy port, or 0 when the session never started
func (c *Control) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// IsStarted reports whether the session is running
func (c *Control) IsStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateStarted
}

// ProxyURL returns the address clients should use as their HTTP proxy
func (c *Control) ProxyURL() (*url.URL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateStarted {
		return nil, ErrNotStarted
	}
	return &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(c.port)}, nil
}

// Artifact returns the archive delivered at Close, or nil before that
func (c *Control) Artifact() *har.HAR {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// AddCleanup registers an action to run after the session is finalized.
// Actions run in registration order; a failing action is logged and does not
// prevent the others from running.
func (c *Control) AddCleanup(name string, fn func() error) {
	c.cleanupMu.Lock()
	defer c.cleanupMu.Unlock()
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// Close stops the session. The first call stops the proxy, runs the
// post-processors over the archive, hands it to the monitor and then runs the
// cleanup actions. Later calls do nothing. Close returns once all of that has
// completed; a concurrent call waits for the first to finish. Cleanup actions
// and the monitor may use the Control but must not call Close.
func (c *Control) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	c.mu.Lock()
	prev := c.state
	c.state = stateStopped
	c.mu.Unlock()

	switch prev {
	case stateStopped:
		return nil
	case stateNotStarted:
		c.runCleanups()
		return nil
	}

	var stopErr error
	if err := c.engine.Stop(); err != nil {
		stopErr = fmt.Errorf("failed to stop proxy: %w", err)
		c.log.Error("failed to stop proxy", "error", err)
	}
	c.sess.finalize()

	artifact := c.engine.Artifact()
	for i, p := range c.postProcessors {
		c.process(i, p, artifact)
	}
	c.mu.Lock()
	c.artifact = artifact
	c.mu.Unlock()

	if c.monitor != nil {
		c.deliver(artifact)
	}
	c.runCleanups()

	c.log.Info("capture session closed", "entries", len(artifact.Entries()))
	return stopErr
}

func (c *Control) process(i int, p PostProcessor, artifact *har.HAR) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("post-processor panicked", "index", i, "panic", r)
		}
	}()
	p.Process(artifact)
}

func (c *Control) deliver(artifact *har.HAR) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("monitor panicked in ArtifactCaptured", "panic", r)
		}
	}()
	c.monitor.ArtifactCaptured(artifact)
}

func (c *Control) runCleanups() {
	c.cleanupMu.Lock()
	actions := c.cleanups
	c.cleanups = nil
	c.cleanupMu.Unlock()

	for _, a := range actions {
		if err := runCleanup(a); err != nil {
			c.log.Warn("cleanup failed", "action", a.name, "error", err)
		}
	}
}

func runCleanup(a cleanup) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.fn()
}
