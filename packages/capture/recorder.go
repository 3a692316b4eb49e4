package capture

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
	"github.com/abdul-hamid-achik/hitcapture/packages/proxy"
)

// session is the state shared by the filters of one capture session
type session struct {
	engine      Engine
	monitor     Monitor
	chain       *Chain
	maxBodySize int64
	log         logger.Logger

	notifyMu sync.RWMutex
	closed   bool
}

// notify calls the monitor unless the session has been finalized. Close takes
// the write lock, so ArtifactCaptured never overlaps a ResponseReceived call.
func (s *session) notify(req *har.Request, resp *har.Response) {
	if s.monitor == nil {
		return
	}
	s.notifyMu.RLock()
	defer s.notifyMu.RUnlock()
	if s.closed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("monitor panicked in ResponseReceived", "url", req.URL, "panic", r)
		}
	}()
	s.monitor.ResponseReceived(req, resp)
}

func (s *session) finalize() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.closed = true
}

// exchangeFactory creates a recording filter per request
func (s *session) exchangeFactory() proxy.FilterFactory {
	return proxy.FilterFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) proxy.Filter {
		return &exchangeRecorder{sess: s, types: s.engine.CaptureTypes()}
	})
}

// tunnelFactory records pass-through tunnels and tunnel failures
func (s *session) tunnelFactory() proxy.TunnelFactory {
	return proxy.TunnelFactoryFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) proxy.TunnelFilter {
		return &tunnelRecorder{sess: s, req: req, start: time.Now()}
	})
}

type exchangeRecorder struct {
	sess  *session
	types proxy.CaptureType
	start time.Time
	sent  time.Time
	entry *har.Entry
}

func (r *exchangeRecorder) OnRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	r.start = time.Now()
	hr := har.RequestFrom(req)
	if !r.types.Has(proxy.CaptureRequestHeaders) {
		hr.Headers = make([]har.NameValuePair, 0)
	}
	if !r.types.Has(proxy.CaptureRequestCookies) {
		hr.Cookies = make([]har.Cookie, 0)
	}

	if req.Body != nil && req.Body != http.NoBody {
		body, truncated, rest, err := readLimited(req.Body, r.sess.maxBodySize)
		if err != nil {
			r.sess.log.Warn("failed to read request body", "url", hr.URL, "error", err)
		}
		req.Body = rest
		if r.types.Has(proxy.CaptureRequestContent) {
			hr.SetPostData(req.Header.Get("Content-Type"), body)
			if truncated {
				hr.PostData.Comment = "truncated"
			}
		} else {
			hr.BodySize = int64(len(body))
		}
	}

	r.entry = &har.Entry{
		StartedDateTime: r.start,
		Request:         hr,
		Cache:           &har.Cache{},
		Timings:         &har.Timings{Blocked: -1, DNS: -1, Connect: -1, SSL: -1},
	}
	if req.URL.Scheme == "https" {
		r.entry.Connection = req.URL.Host
	}
	r.sent = time.Now()
	return req, nil
}

func (r *exchangeRecorder) OnResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if r.entry == nil {
		return resp
	}
	waited := time.Since(r.sent)
	x := &Exchange{Entry: r.entry}

	if resp == nil {
		err := ctx.Error
		if err == nil {
			err = errors.New("no response from upstream")
		}
		r.entry.Response = har.FailedResponse(err)
		r.entry.Incomplete = true
		r.entry.Error = err.Error()
		r.sess.log.Warn("upstream request failed", "url", r.entry.Request.URL, "error", err)
	} else {
		hr := har.ResponseFrom(resp)
		x.ContentEncoding = resp.Header.Get("Content-Encoding")
		if !r.types.Has(proxy.CaptureResponseHeaders) {
			hr.Headers = make([]har.NameValuePair, 0)
		}
		if !r.types.Has(proxy.CaptureResponseCookies) {
			hr.Cookies = make([]har.Cookie, 0)
		}
		r.entry.Response = hr

		if resp.Body != nil && resp.Body != http.NoBody {
			body, truncated, rest, err := readLimited(resp.Body, r.sess.maxBodySize)
			resp.Body = rest
			if err != nil {
				r.entry.Incomplete = true
				r.entry.Error = err.Error()
				r.sess.log.Warn("failed to read response body", "url", r.entry.Request.URL, "error", err)
			}
			hr.BodySize = int64(len(body))
			if r.types.Has(proxy.CaptureResponseContent) {
				x.Body = body
				x.Truncated = truncated
			} else {
				hr.Content.Size = int64(len(body))
			}
		} else {
			hr.BodySize = 0
		}
	}

	received := time.Since(r.start)
	r.entry.Timings.Send = 0
	r.entry.Timings.Wait = har.Millis(waited)
	r.entry.Timings.Receive = har.Millis(received - waited - r.sent.Sub(r.start))
	if r.entry.Timings.Receive < 0 {
		r.entry.Timings.Receive = 0
	}
	r.entry.Time = r.entry.Timings.Total()

	r.sess.chain.Apply(x)
	r.sess.engine.Record(r.entry)
	return resp
}

// readLimited buffers up to limit bytes of body. The returned reader yields the
// complete original stream, so the client is unaffected by truncation.
func readLimited(body io.ReadCloser, limit int64) ([]byte, bool, io.ReadCloser, error) {
	if limit <= 0 {
		data, err := io.ReadAll(body)
		body.Close()
		return data, false, io.NopCloser(bytes.NewReader(data)), err
	}

	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		body.Close()
		return data, false, io.NopCloser(bytes.NewReader(data)), err
	}
	if int64(len(data)) <= limit {
		body.Close()
		return data, false, io.NopCloser(bytes.NewReader(data)), nil
	}
	rest := struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(data), body), body}
	return data[:limit], true, rest, nil
}

type tunnelRecorder struct {
	sess  *session
	req   *http.Request
	start time.Time
}

func (t *tunnelRecorder) entry(host string, connect time.Duration) *har.Entry {
	hr := har.RequestFrom(t.req)
	hr.URL = host
	return &har.Entry{
		StartedDateTime: t.start,
		Request:         hr,
		Cache:           &har.Cache{},
		Timings: &har.Timings{
			Blocked: -1, DNS: -1, SSL: -1,
			Connect: har.Millis(connect),
		},
		Time:   har.Millis(connect),
		Tunnel: true,
	}
}

// TunnelEstablished records an opaque tunnel as a CONNECT entry with a
// synthetic 200 response, so pass-through sessions still list the hosts they
// reached. Intercepted tunnels are skipped.
func (t *tunnelRecorder) TunnelEstablished(host string, mitm bool, connect time.Duration) {
	if mitm {
		return
	}
	e := t.entry(host, connect)
	e.Response = &har.Response{
		Status:      http.StatusOK,
		StatusText:  "Connection established",
		HTTPVersion: e.Request.HTTPVersion,
		Cookies:     make([]har.Cookie, 0),
		Headers:     make([]har.NameValuePair, 0),
		Content:     &har.Content{},
		HeadersSize: -1,
		BodySize:    -1,
	}
	t.sess.engine.Record(e)
}

func (t *tunnelRecorder) TunnelFailed(host string, connect time.Duration, err error) {
	e := t.entry(host, connect)
	e.Response = har.FailedResponse(err)
	e.Incomplete = true
	e.Error = err.Error()
	t.sess.engine.Record(e)
}
