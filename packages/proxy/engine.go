package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	"github.com/abdul-hamid-achik/hitcapture/packages/upstream"
)

// ErrAlreadyStarted is returned when Start is called on a running engine
var ErrAlreadyStarted = errors.New("proxy engine already started")

// Engine is an intercepting proxy that records exchanges into an archive
type Engine struct {
	mu           sync.RWMutex
	filters      []FilterFactory
	tunnels      []TunnelFactory
	captureTypes CaptureType
	ca           *tls.Certificate
	route        *upstream.Route

	bindAddress    string
	upstreamTLS    *tls.Config
	dialTimeout    time.Duration
	stopTimeout    time.Duration
	creatorName    string
	creatorVersion string

	recorder *har.Recorder
	certs    *certCache
	pending  sync.Map // *http.Request -> *pendingTunnel
	server   *http.Server
	port     int
	started  atomic.Bool
	log      logger.Logger
}

// Option is a functional option for Engine
type Option func(*Engine)

// WithBindAddress sets the address the proxy listens on
func WithBindAddress(addr string) Option {
	return func(e *Engine) {
		e.bindAddress = addr
	}
}

// WithUpstreamTLS sets the TLS configuration used towards origin servers
func WithUpstreamTLS(cfg *tls.Config) Option {
	return func(e *Engine) {
		e.upstreamTLS = cfg
	}
}

// WithDialTimeout sets the timeout for outbound connections
func WithDialTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.dialTimeout = d
	}
}

// WithStopTimeout bounds how long Stop waits for in-flight requests
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.stopTimeout = d
	}
}

// WithCreator sets the creator recorded in the archive
func WithCreator(name, version string) Option {
	return func(e *Engine) {
		e.creatorName = name
		e.creatorVersion = version
	}
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates a stopped engine
func New(opts ...Option) *Engine {
	e := &Engine{
		bindAddress:    "127.0.0.1",
		dialTimeout:    30 * time.Second,
		stopTimeout:    5 * time.Second,
		creatorName:    "hitcapture",
		creatorVersion: "dev",
		certs:          newCertCache(),
		log:            logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.recorder = har.NewRecorder(e.creatorName, e.creatorVersion)
	return e
}

// SetTrustMaterial enables TLS interception using ca to sign leaf certificates
func (e *Engine) SetTrustMaterial(ca tls.Certificate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ca = &ca
}

// SetUpstream routes outbound connections through r. A nil route connects
// directly.
func (e *Engine) SetUpstream(r *upstream.Route) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.route = r
}

// AddFilterFactory registers a per-request filter factory
func (e *Engine) AddFilterFactory(f FilterFactory, pos Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos == First {
		e.filters = append([]FilterFactory{f}, e.filters...)
		return
	}
	e.filters = append(e.filters, f)
}

// AddTunnelFactory registers a per-CONNECT filter factory
func (e *Engine) AddTunnelFactory(f TunnelFactory, pos Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pos == First {
		e.tunnels = append([]TunnelFactory{f}, e.tunnels...)
		return
	}
	e.tunnels = append(e.tunnels, f)
}

// EnableCaptureTypes adds to the set of recorded exchange parts
func (e *Engine) EnableCaptureTypes(t CaptureType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.captureTypes |= t
}

// CaptureTypes returns the enabled capture types
func (e *Engine) CaptureTypes() CaptureType {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.captureTypes
}

// Record adds an entry to the archive
func (e *Engine) Record(entry *har.Entry) {
	e.recorder.Add(entry)
}

// Artifact returns a copy of everything recorded so far
func (e *Engine) Artifact() *har.HAR {
	return e.recorder.Snapshot()
}

// NewArtifact discards the archive and starts a fresh one with a single page
func (e *Engine) NewArtifact() {
	e.recorder.Reset()
	e.recorder.NewPage("Page 1")
}

// Port returns the bound port, or 0 before Start
func (e *Engine) Port() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.port
}

// Start binds the proxy and serves in the background. Port 0 selects an
// ephemeral port. The bound port is returned.
func (e *Engine) Start(port int) (int, error) {
	if !e.started.CompareAndSwap(false, true) {
		return 0, ErrAlreadyStarted
	}

	gp, err := e.build()
	if err != nil {
		e.started.Store(false)
		return 0, err
	}

	addr := net.JoinHostPort(e.bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		e.started.Store(false)
		return 0, fmt.Errorf("failed to bind proxy on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           gp,
		ReadHeaderTimeout: 30 * time.Second,
	}
	bound := ln.Addr().(*net.TCPAddr).Port

	e.mu.Lock()
	e.server = server
	e.port = bound
	mitm, route := e.ca != nil, e.route
	e.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("proxy server stopped", "error", err)
		}
	}()

	e.log.Info("proxy listening", "address", ln.Addr().String(), "mitm", mitm, "upstream", route.String())
	return bound, nil
}

// Stop shuts the listener down and waits a bounded time for in-flight
// requests. Hijacked tunnels are not waited for.
func (e *Engine) Stop() error {
	if !e.started.Load() {
		return nil
	}
	e.mu.Lock()
	server := e.server
	e.server = nil
	e.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.stopTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		e.log.Warn("proxy shutdown timed out, closing connections", "error", err)
		return server.Close()
	}
	return nil
}

func (e *Engine) build() (*goproxy.ProxyHttpServer, error) {
	e.mu.RLock()
	route := e.route
	ca := e.ca
	e.mu.RUnlock()

	dialer := &net.Dialer{Timeout: e.dialTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       e.upstreamTLS,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Logger = printfLogger{e.log}
	gp.Tr = tr
	if ca != nil {
		gp.CertStore = e.certs
	}

	direct := func(network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	connect := direct

	if route != nil {
		switch route.Scheme {
		case upstream.HTTP:
			tr.Proxy = route.ProxyFunc()
			chained := gp.NewConnectDialToProxyWithHandler(route.ProxyURL().String(), func(req *http.Request) {
				if auth := route.BasicAuth(); auth != "" {
					req.Header.Set("Proxy-Authorization", auth)
				}
			})
			if chained == nil {
				return nil, fmt.Errorf("unsupported upstream proxy %s", route)
			}
			connect = func(network, addr string) (net.Conn, error) {
				if route.Bypassed(addr) {
					return direct(network, addr)
				}
				return chained(network, addr)
			}
		case upstream.SOCKS4, upstream.SOCKS5:
			dial, err := route.SOCKSDialer(dialer)
			if err != nil {
				return nil, err
			}
			tr.DialContext = dial
			connect = func(network, addr string) (net.Conn, error) {
				ctx, cancel := context.WithTimeout(context.Background(), e.dialTimeout)
				defer cancel()
				return dial(ctx, network, addr)
			}
		}
	}

	gp.ConnectDialWithReq = func(req *http.Request, network, addr string) (net.Conn, error) {
		return e.dialTunnel(req, network, addr, connect)
	}
	gp.OnRequest().HandleConnectFunc(e.handleConnect)
	gp.OnRequest().DoFunc(e.handleRequest)
	gp.OnResponse().DoFunc(e.handleResponse)
	return gp, nil
}

// printfLogger routes goproxy's diagnostics to the debug level
type printfLogger struct {
	log logger.Logger
}

func (p printfLogger) Printf(format string, v ...any) {
	p.log.Debug(fmt.Sprintf(format, v...), "component", "goproxy")
}

// certCache keeps minted leaf certificates per host for the engine's lifetime
type certCache struct {
	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func newCertCache() *certCache {
	return &certCache{certs: make(map[string]*tls.Certificate)}
}

func (c *certCache) Fetch(host string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cert, ok := c.certs[host]; ok {
		return cert, nil
	}
	cert, err := gen()
	if err != nil {
		return nil, err
	}
	c.certs[host] = cert
	return cert, nil
}
