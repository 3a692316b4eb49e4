package capture

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/hitcapture/packages/certauth"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	"github.com/abdul-hamid-achik/hitcapture/packages/proxy"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

// interceptingServer returns a server that intercepts TLS and trusts backend
func interceptingServer(t *testing.T, backend *httptest.Server, opts ...Option) (*Server, *certauth.Authority) {
	t.Helper()
	ca := certauth.New(certauth.WithKeyBits(1024))
	t.Cleanup(func() { ca.Close() })

	origins := x509.NewCertPool()
	origins.AddCert(backend.Certificate())
	factory := WithEngineFactory(func(log logger.Logger) Engine {
		return proxy.New(proxy.WithLogger(log), proxy.WithUpstreamTLS(&tls.Config{RootCAs: origins}))
	})
	return NewServer(append([]Option{WithAuthority(ca), factory}, opts...)...), ca
}

// trustingClient sends requests through ctl and trusts certificates minted by ca
func trustingClient(t *testing.T, ctl *Control, ca *certauth.Authority) *http.Client {
	t.Helper()
	material, err := ca.Acquire()
	require.NoError(t, err)
	pemBytes, err := material.CertificatePEM()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	require.True(t, roots.AppendCertsFromPEM(pemBytes))

	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			Proxy:              http.ProxyURL(proxyURL),
			TLSClientConfig:    &tls.Config{RootCAs: roots},
			DisableCompression: true,
		},
	}
}

func get(t *testing.T, client *http.Client, target string) (*http.Response, []byte) {
	t.Helper()
	resp, err := client.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func brotliBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCapture_HTTPSGet(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "hello")
	}))
	defer backend.Close()

	srv, ca := interceptingServer(t, backend)
	mon := &countingMonitor{}
	ctl, err := srv.Start(mon, 0)
	require.NoError(t, err)

	resp, body := get(t, trustingClient(t, ctl, ca), backend.URL+"/greeting")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	require.NoError(t, ctl.Close())

	responses, artifacts := mon.counts()
	assert.Equal(t, 1, responses)
	assert.Equal(t, 1, artifacts)
	require.NotNil(t, mon.last)
	entries := mon.last.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, http.MethodGet, e.Request.Method)
	assert.Equal(t, backend.URL+"/greeting", e.Request.URL)
	assert.Equal(t, http.StatusOK, e.Response.Status)
	assert.Equal(t, "hello", e.Response.Content.Text)
	assert.False(t, e.Incomplete)
	assert.False(t, e.Tunnel)
	assert.False(t, mon.afterEnd.Load())
}

func TestCapture_TwoConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			<-release
		}
		fmt.Fprint(w, r.URL.Path)
	}))
	defer backend.Close()

	srv, ca := interceptingServer(t, backend)
	mon := &ArtifactMonitor{}
	ctl, err := srv.Start(mon, 0)
	require.NoError(t, err)
	client := trustingClient(t, ctl, ca)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := client.Get(backend.URL + "/slow")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()
	go func() {
		defer wg.Done()
		resp, err := client.Get(backend.URL + "/fast")
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		close(release)
	}()
	wg.Wait()
	require.NoError(t, ctl.Close())

	entries := mon.Artifact().Entries()
	require.Len(t, entries, 2)
	var urls []string
	for _, e := range entries {
		urls = append(urls, e.Request.URL)
		assert.Equal(t, http.StatusOK, e.Response.Status)
	}
	assert.ElementsMatch(t, []string{backend.URL + "/slow", backend.URL + "/fast"}, urls)
}

func TestCapture_BrotliBodyIsDecodedInRecordOnly(t *testing.T) {
	original := []byte(`{"message":"compressed with brotli","items":[1,2,3]}`)
	encoded := brotliBytes(t, original)

	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "br")
		w.Write(encoded)
	}))
	defer backend.Close()

	srv, ca := interceptingServer(t, backend)
	mon := &ArtifactMonitor{}
	ctl, err := srv.Start(mon, 0)
	require.NoError(t, err)

	resp, body := get(t, trustingClient(t, ctl, ca), backend.URL)
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, encoded, body)

	require.NoError(t, ctl.Close())
	entries := mon.Artifact().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, original, entries[0].Response.Content.Body())
	assert.False(t, entries[0].DecodeFailed)
}

func TestCapture_CorruptBodyDoesNotAbortSession(t *testing.T) {
	valid := brotliBytes(t, []byte("fine"))
	corrupt := valid[:len(valid)/2]

	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		if r.URL.Path == "/bad" {
			w.Write(corrupt)
			return
		}
		w.Write(valid)
	}))
	defer backend.Close()

	srv, ca := interceptingServer(t, backend)
	mon := &ArtifactMonitor{}
	ctl, err := srv.Start(mon, 0)
	require.NoError(t, err)
	client := trustingClient(t, ctl, ca)

	_, body := get(t, client, backend.URL+"/bad")
	assert.Equal(t, corrupt, body)
	_, body = get(t, client, backend.URL+"/good")
	assert.Equal(t, valid, body)

	require.NoError(t, ctl.Close())
	entries := mon.Artifact().Entries()
	require.Len(t, entries, 2)

	byURL := map[string]*har.Entry{}
	for _, e := range entries {
		byURL[e.Request.URL] = e
	}
	bad := byURL[backend.URL+"/bad"]
	require.NotNil(t, bad)
	assert.True(t, bad.DecodeFailed)
	assert.Equal(t, corrupt, bad.Response.Content.Body())

	good := byURL[backend.URL+"/good"]
	require.NotNil(t, good)
	assert.False(t, good.DecodeFailed)
	assert.Equal(t, "fine", good.Response.Content.Text)
}

func TestCapture_UpstreamFailureRecordedAsIncomplete(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	mon := &ArtifactMonitor{}
	ctl, err := NewServer().Start(mon, 0)
	require.NoError(t, err)
	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)

	client := &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Get("http://" + dead + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 500)

	require.NoError(t, ctl.Close())
	entries := mon.Artifact().Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Incomplete)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, 0, entries[0].Response.Status)
}

func TestCapture_PassThroughTunnelRecorded(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "opaque")
	}))
	defer backend.Close()

	mon := &ArtifactMonitor{}
	ctl, err := NewServer().Start(mon, 0)
	require.NoError(t, err)
	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)

	tr := backend.Client().Transport.(*http.Transport).Clone()
	tr.Proxy = http.ProxyURL(proxyURL)
	_, body := get(t, &http.Client{Transport: tr, Timeout: 15 * time.Second}, backend.URL)
	assert.Equal(t, "opaque", string(body))

	require.NoError(t, ctl.Close())
	entries := mon.Artifact().Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tunnel)
	assert.Equal(t, http.MethodConnect, entries[0].Request.Method)
	assert.Equal(t, backend.Listener.Addr().String(), entries[0].Request.URL)
}

func TestCapture_AnonymizesOutboundHeaders(t *testing.T) {
	var sawVia, sawForwarded atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawVia.Store(r.Header.Get("Via") != "")
		sawForwarded.Store(r.Header.Get("X-Forwarded-For") != "")
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	run := func(opts ...Option) {
		ctl, err := NewServer(opts...).Start(&ArtifactMonitor{}, 0)
		require.NoError(t, err)
		defer ctl.Close()
		proxyURL, err := ctl.ProxyURL()
		require.NoError(t, err)

		req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
		req.Header.Set("Via", "1.1 inner")
		req.Header.Set("X-Forwarded-For", "10.1.1.1")
		client := &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	run()
	assert.False(t, sawVia.Load())
	assert.False(t, sawForwarded.Load())

	run(NonAnonymizing())
	assert.True(t, sawVia.Load())
	assert.True(t, sawForwarded.Load())
}

func TestCapture_ChainsThroughUpstreamProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "via upstream")
	}))
	defer backend.Close()

	var relayed atomic.Int32
	upstreamProxy := proxy.New()
	upstreamProxy.AddFilterFactory(proxy.FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) proxy.Filter {
		relayed.Add(1)
		return nil
	}), proxy.Last)
	upPort, err := upstreamProxy.Start(0)
	require.NoError(t, err)
	defer upstreamProxy.Stop()

	spec := mustURL(t, fmt.Sprintf("http://127.0.0.1:%d", upPort))
	mon := &ArtifactMonitor{}
	ctl, err := NewServer(WithUpstream(spec)).Start(mon, 0)
	require.NoError(t, err)
	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)

	client := &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	_, body := get(t, client, backend.URL)
	assert.Equal(t, "via upstream", string(body))
	assert.Equal(t, int32(1), relayed.Load())

	require.NoError(t, ctl.Close())
	assert.Len(t, mon.Artifact().Entries(), 1)
}

func TestCapture_MaxBodySizeTruncatesRecordOnly(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer backend.Close()

	mon := &ArtifactMonitor{}
	ctl, err := NewServer(WithMaxBodySize(100)).Start(mon, 0)
	require.NoError(t, err)
	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)

	client := &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	_, body := get(t, client, backend.URL)
	assert.Equal(t, payload, body)

	require.NoError(t, ctl.Close())
	entries := mon.Artifact().Entries()
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Response.Content.Body(), 100)
	assert.True(t, entries[0].Truncated)
}

func TestCapture_DefaultOptionsRedactCredentials(t *testing.T) {
	var gotAuth atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, "ok")
	}))
	defer backend.Close()

	mon := &ArtifactMonitor{}
	ctl, err := NewServer().Start(mon, 0)
	require.NoError(t, err)
	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, backend.URL+"/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("Cookie", "session=abc123")
	client := &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, ctl.Close())
	assert.Equal(t, "Bearer s3cret", gotAuth.Load(), "the origin still receives the credentials")

	entries := mon.Artifact().Entries()
	require.Len(t, entries, 1)
	recorded := entries[0].Request
	assert.Equal(t, "{{AUTHORIZATION}}", recorded.Header("Authorization"))
	assert.Equal(t, "{{COOKIE}}", recorded.Header("Cookie"))
	assert.Empty(t, recorded.Cookies)

	data, err := json.Marshal(mon.Artifact())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
	assert.NotContains(t, string(data), "abc123")
}

func TestCapture_EncodedBodyDecodedWithoutResponseHeaders(t *testing.T) {
	original := []byte("headers are not recorded but the body is still decoded")
	encoded := brotliBytes(t, original)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		w.Write(encoded)
	}))
	defer backend.Close()

	mon := &ArtifactMonitor{}
	ctl, err := NewServer(WithCaptureTypes(proxy.CaptureContent)).Start(mon, 0)
	require.NoError(t, err)
	proxyURL, err := ctl.ProxyURL()
	require.NoError(t, err)

	client := &http.Client{Timeout: 15 * time.Second, Transport: &http.Transport{
		Proxy:              http.ProxyURL(proxyURL),
		DisableCompression: true,
	}}
	_, body := get(t, client, backend.URL)
	assert.Equal(t, encoded, body)

	require.NoError(t, ctl.Close())
	entries := mon.Artifact().Entries()
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].Response.Headers)
	assert.False(t, entries[0].DecodeFailed)
	assert.Equal(t, original, entries[0].Response.Content.Body())
}
