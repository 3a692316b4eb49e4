package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

func startEngine(t *testing.T, e *Engine) *url.URL {
	t.Helper()
	port, err := e.Start(0)
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	u, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", port))
	require.NoError(t, err)
	return u
}

func proxiedClient(proxyURL *url.URL, base *http.Transport) *http.Client {
	var tr *http.Transport
	if base != nil {
		tr = base.Clone()
	} else {
		tr = &http.Transport{}
	}
	tr.Proxy = http.ProxyURL(proxyURL)
	return &http.Client{Transport: tr, Timeout: 10 * time.Second}
}

type recordingFilter struct {
	mu        *sync.Mutex
	events    *[]string
	name      string
	failures  *[]error
	panicking bool
}

func (f *recordingFilter) OnRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	f.mu.Lock()
	*f.events = append(*f.events, f.name+":request")
	f.mu.Unlock()
	if f.panicking {
		panic("boom")
	}
	return req, nil
}

func (f *recordingFilter) OnResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.events = append(*f.events, f.name+":response")
	if resp == nil && f.failures != nil {
		*f.failures = append(*f.failures, ctx.Error)
	}
	return resp
}

func TestEngine_PlainHTTPFilters(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain")
	}))
	defer backend.Close()

	var mu sync.Mutex
	var events []string
	e := New()
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		return &recordingFilter{mu: &mu, events: &events, name: "second"}
	}), Last)
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		return &recordingFilter{mu: &mu, events: &events, name: "first"}
	}), First)
	proxyURL := startEngine(t, e)

	resp, err := proxiedClient(proxyURL, nil).Get(backend.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "plain", string(body))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first:request", "second:request", "first:response", "second:response"}, events)
}

func TestEngine_FactoryMaySkip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	calls := 0
	e := New()
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		calls++
		return nil
	}), Last)
	proxyURL := startEngine(t, e)

	resp, err := proxiedClient(proxyURL, nil).Get(backend.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestEngine_FilterShortCircuit(t *testing.T) {
	e := New()
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		return FilterFuncs{Request: func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
			return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusTeapot, "short")
		}}
	}), Last)
	proxyURL := startEngine(t, e)

	resp, err := proxiedClient(proxyURL, nil).Get("http://unreachable.invalid/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "short", string(body))
}

func TestEngine_UpstreamFailureReachesResponseFilter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	ln.Close()

	var mu sync.Mutex
	var events []string
	var failures []error
	e := New(WithDialTimeout(2 * time.Second))
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		return &recordingFilter{mu: &mu, events: &events, name: "f", failures: &failures}
	}), Last)
	proxyURL := startEngine(t, e)

	resp, err := proxiedClient(proxyURL, nil).Get("http://" + deadAddr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 500)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"f:request", "f:response"}, events)
	require.Len(t, failures, 1)
	assert.Error(t, failures[0])
}

func TestEngine_PanickingFilterIsIsolated(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	var mu sync.Mutex
	var events []string
	e := New()
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		return &recordingFilter{mu: &mu, events: &events, name: "bad", panicking: true}
	}), Last)
	e.AddFilterFactory(FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
		return &recordingFilter{mu: &mu, events: &events, name: "good"}
	}), Last)
	proxyURL := startEngine(t, e)

	resp, err := proxiedClient(proxyURL, nil).Get(backend.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "good:request")
	assert.Contains(t, events, "good:response")
}

type tunnelEvents struct {
	mu          sync.Mutex
	established []bool
	failed      []error
}

func (te *tunnelEvents) TunnelEstablished(host string, mitm bool, connect time.Duration) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.established = append(te.established, mitm)
}

func (te *tunnelEvents) TunnelFailed(host string, connect time.Duration, err error) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.failed = append(te.failed, err)
}

func TestEngine_PassThroughTunnel(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "secret")
	}))
	defer backend.Close()

	te := &tunnelEvents{}
	e := New()
	e.AddTunnelFactory(TunnelFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) TunnelFilter {
		return te
	}), Last)
	proxyURL := startEngine(t, e)

	client := proxiedClient(proxyURL, backend.Client().Transport.(*http.Transport))
	resp, err := client.Get(backend.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "secret", string(body))

	te.mu.Lock()
	defer te.mu.Unlock()
	assert.Equal(t, []bool{false}, te.established)
	assert.Empty(t, te.failed)
}

func TestEngine_TunnelFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := ln.Addr().String()
	ln.Close()

	te := &tunnelEvents{}
	e := New(WithDialTimeout(2 * time.Second))
	e.AddTunnelFactory(TunnelFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) TunnelFilter {
		return te
	}), Last)
	proxyURL := startEngine(t, e)

	_, err = proxiedClient(proxyURL, nil).Get("https://" + deadAddr + "/")
	assert.Error(t, err)

	te.mu.Lock()
	defer te.mu.Unlock()
	assert.Empty(t, te.established)
	assert.Len(t, te.failed, 1)
}

func TestEngine_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	e := New()
	_, err = e.Start(taken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to bind proxy")

	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
	assert.Zero(t, e.Port())
}

func TestEngine_StartTwice(t *testing.T) {
	e := New()
	startEngine(t, e)
	_, err := e.Start(0)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestEngine_StopBeforeStart(t *testing.T) {
	e := New()
	assert.NoError(t, e.Stop())
}

func TestEngine_ArtifactAndCaptureTypes(t *testing.T) {
	e := New(WithCreator("tester", "1.0"))
	e.NewArtifact()
	e.EnableCaptureTypes(CaptureRequestHeaders)
	e.EnableCaptureTypes(CaptureResponseContent)

	assert.True(t, e.CaptureTypes().Has(CaptureRequestHeaders))
	assert.True(t, e.CaptureTypes().Has(CaptureResponseContent))
	assert.False(t, e.CaptureTypes().Has(CaptureContent))
	assert.True(t, CaptureAll.Has(CaptureCookies))

	e.Record(&har.Entry{Request: &har.Request{Method: "GET"}, Response: &har.Response{Status: 200}})
	artifact := e.Artifact()
	require.Len(t, artifact.Log.Entries, 1)
	assert.Equal(t, "tester", artifact.Log.Creator.Name)
	require.Len(t, artifact.Log.Pages, 1)
	assert.Equal(t, artifact.Log.Pages[0].ID, artifact.Log.Entries[0].Pageref)

	e.NewArtifact()
	assert.Empty(t, e.Artifact().Log.Entries)
}

func TestCertCache(t *testing.T) {
	c := newCertCache()
	gens := 0
	gen := func() (*tls.Certificate, error) {
		gens++
		return &tls.Certificate{}, nil
	}
	a, err := c.Fetch("example.com", gen)
	require.NoError(t, err)
	b, err := c.Fetch("example.com", gen)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, gens)

	_, err = c.Fetch("other.example", func() (*tls.Certificate, error) { return nil, errors.New("no") })
	assert.Error(t, err)
}
