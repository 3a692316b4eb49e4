package capture

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"

	"github.com/abdul-hamid-achik/hitcapture/packages/certauth"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	"github.com/abdul-hamid-achik/hitcapture/packages/proxy"
	"github.com/abdul-hamid-achik/hitcapture/packages/upstream"
)

// DefaultMaxBodySize bounds how much of each body is buffered for the record
const DefaultMaxBodySize int64 = 16 << 20

// ErrNotStarted is returned by Control methods that need a running session
var ErrNotStarted = errors.New("capture session not started")

// Engine is the proxy a Server drives. *proxy.Engine implements it.
type Engine interface {
	SetTrustMaterial(ca tls.Certificate)
	SetUpstream(r *upstream.Route)
	AddFilterFactory(f proxy.FilterFactory, pos proxy.Position)
	AddTunnelFactory(f proxy.TunnelFactory, pos proxy.Position)
	EnableCaptureTypes(t proxy.CaptureType)
	CaptureTypes() proxy.CaptureType
	Record(entry *har.Entry)
	Start(port int) (int, error)
	Stop() error
	Artifact() *har.HAR
	NewArtifact()
}

// EngineFactory creates the engine for one session
type EngineFactory func(log logger.Logger) Engine

// Server starts capture sessions. A Server is immutable after NewServer and may
// start any number of sessions.
type Server struct {
	authority      *certauth.Authority
	upstream       *url.URL
	filters        []proxy.FilterFactory
	interceptors   []Interceptor
	postProcessors []PostProcessor
	anonymize      bool
	redactHeaders  []string
	captureTypes   proxy.CaptureType
	maxBodySize    int64
	newEngine      EngineFactory
	log            logger.Logger
}

// Option is a functional option for Server
type Option func(*Server)

// WithAuthority enables TLS interception with the given authority. Without
// one, HTTPS tunnels are passed through unrecorded.
func WithAuthority(a *certauth.Authority) Option {
	return func(s *Server) {
		s.authority = a
	}
}

// WithUpstream chains outbound connections through the proxy named by spec
func WithUpstream(spec *url.URL) Option {
	return func(s *Server) {
		s.upstream = spec
	}
}

// WithFilter adds a request filter factory to every session
func WithFilter(f proxy.FilterFactory) Option {
	return func(s *Server) {
		s.filters = append(s.filters, f)
	}
}

// WithInterceptor adds a custom interceptor, run after content normalization
// and before the monitor is notified
func WithInterceptor(it Interceptor) Option {
	return func(s *Server) {
		s.interceptors = append(s.interceptors, it)
	}
}

// WithPostProcessor appends a post-processor. Post-processors run in the order
// they were added.
func WithPostProcessor(p PostProcessor) Option {
	return func(s *Server) {
		s.postProcessors = append(s.postProcessors, p)
	}
}

// NonAnonymizing keeps identifying headers on outbound requests and in the record
func NonAnonymizing() Option {
	return func(s *Server) {
		s.anonymize = false
	}
}

// WithRedactHeaders sets the request headers masked in the record
func WithRedactHeaders(headers []string) Option {
	return func(s *Server) {
		s.redactHeaders = headers
	}
}

// WithCaptureTypes selects which parts of each exchange are recorded
func WithCaptureTypes(t proxy.CaptureType) Option {
	return func(s *Server) {
		s.captureTypes = t
	}
}

// WithMaxBodySize bounds the recorded size of each body. Zero or less records
// bodies of any size.
func WithMaxBodySize(n int64) Option {
	return func(s *Server) {
		s.maxBodySize = n
	}
}

// WithEngineFactory replaces the proxy engine
func WithEngineFactory(f EngineFactory) Option {
	return func(s *Server) {
		s.newEngine = f
	}
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// NewServer creates a Server. Sessions anonymize and record every part of each
// exchange unless configured otherwise.
func NewServer(opts ...Option) *Server {
	s := &Server{
		anonymize:     true,
		redactHeaders: DefaultRedactHeaders,
		captureTypes:  proxy.CaptureAll,
		maxBodySize:   DefaultMaxBodySize,
		log:           logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.newEngine == nil {
		s.newEngine = func(log logger.Logger) Engine {
			return proxy.New(proxy.WithLogger(log))
		}
	}
	return s
}

// Start runs a capture session on port, or an ephemeral port when port is 0.
// monitor may be nil for a pass-through session that records nothing.
//
// The returned Control is never nil. When Start fails it is left unstarted:
// Close on it does nothing beyond running registered cleanups.
func (s *Server) Start(monitor Monitor, port int) (*Control, error) {
	engine := s.newEngine(s.log)
	sess := &session{
		engine:      engine,
		monitor:     monitor,
		maxBodySize: s.maxBodySize,
		log:         s.log,
	}
	ctl := &Control{
		state:          stateNotStarted,
		engine:         engine,
		monitor:        monitor,
		sess:           sess,
		installer:      newFilterInstaller(sess),
		postProcessors: append([]PostProcessor(nil), s.postProcessors...),
		log:            s.log,
	}

	if s.authority != nil {
		material, err := s.authority.Acquire()
		if err != nil {
			return ctl, fmt.Errorf("failed to acquire trust material: %w", err)
		}
		cert, err := material.TLSCertificate()
		if err != nil {
			return ctl, fmt.Errorf("failed to load trust material: %w", err)
		}
		engine.SetTrustMaterial(cert)
	}

	if s.anonymize {
		engine.AddFilterFactory(anonymizeFactory, proxy.First)
	}
	for _, f := range s.filters {
		engine.AddFilterFactory(f, proxy.Last)
	}

	items := []Interceptor{normalizer{log: s.log, limit: s.maxBodySize}, notifier{sess: sess}}
	if s.anonymize {
		items = append(items, anonymizer{redact: s.redactHeaders})
	}
	items = append(items, s.interceptors...)
	sess.chain = NewChain(items...)

	if monitor != nil {
		engine.EnableCaptureTypes(s.captureTypes)
		engine.NewArtifact()
		ctl.installer.ensureInstalled()
	}

	route, err := upstream.Resolve(s.upstream)
	if err != nil {
		return ctl, err
	}
	engine.SetUpstream(route)

	bound, err := engine.Start(port)
	if err != nil {
		return ctl, err
	}

	ctl.mu.Lock()
	ctl.state = stateStarted
	ctl.port = bound
	ctl.mu.Unlock()

	s.log.Info("capture session started",
		"port", bound,
		"intercepting", s.authority != nil,
		"capturing", monitor != nil,
		"chain", sess.chain.String(),
	)
	return ctl, nil
}

var anonymizeFactory = proxy.FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) proxy.Filter {
	return proxy.FilterFuncs{Request: func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		stripOutbound(req.Header)
		return req, nil
	}}
})
