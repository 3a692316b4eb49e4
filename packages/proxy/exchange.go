package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"
)

// exchange holds the filters created for one request. It is stored in
// ctx.UserData between the request and response hooks.
type exchange struct {
	filters   []Filter
	responded atomic.Bool
}

// pendingTunnel waits for the outbound dial of a pass-through CONNECT
type pendingTunnel struct {
	host    string
	start   time.Time
	filters []TunnelFilter
}

func (e *Engine) snapshot() ([]FilterFactory, []TunnelFactory, *tls.Certificate) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filters, e.tunnels, e.ca
}

func (e *Engine) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	start := time.Now()
	_, factories, ca := e.snapshot()

	var filters []TunnelFilter
	for _, f := range factories {
		if tf := e.newTunnelFilter(f, ctx); tf != nil {
			filters = append(filters, tf)
		}
	}

	if ca != nil {
		for _, tf := range filters {
			e.safely("tunnel established", func() { tf.TunnelEstablished(host, true, time.Since(start)) })
		}
		return &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(ca),
		}, host
	}

	if len(filters) > 0 {
		e.pending.Store(ctx.Req, &pendingTunnel{host: host, start: start, filters: filters})
	}
	return goproxy.OkConnect, host
}

func (e *Engine) dialTunnel(req *http.Request, network, addr string, dial func(network, addr string) (net.Conn, error)) (net.Conn, error) {
	conn, err := dial(network, addr)

	v, ok := e.pending.LoadAndDelete(req)
	if !ok {
		return conn, err
	}
	p := v.(*pendingTunnel)
	elapsed := time.Since(p.start)
	for _, tf := range p.filters {
		if err != nil {
			e.safely("tunnel failed", func() { tf.TunnelFailed(p.host, elapsed, err) })
		} else {
			e.safely("tunnel established", func() { tf.TunnelEstablished(p.host, false, elapsed) })
		}
	}
	if err != nil {
		e.log.Warn("tunnel connect failed", "host", p.host, "error", err)
	}
	return conn, err
}

func (e *Engine) handleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	factories, _, _ := e.snapshot()

	// UserData may be inherited from the CONNECT that carried this request
	ex := &exchange{}
	ctx.UserData = ex
	for _, f := range factories {
		if filter := e.newFilter(f, req, ctx); filter != nil {
			ex.filters = append(ex.filters, filter)
		}
	}
	if len(ex.filters) == 0 {
		return req, nil
	}

	ctx.RoundTripper = goproxy.RoundTripperFunc(e.roundTrip)

	for _, filter := range ex.filters {
		var resp *http.Response
		next := req
		e.safely("request filter", func() { next, resp = filter.OnRequest(req, ctx) })
		if next != nil {
			req = next
		}
		if resp != nil {
			return req, resp
		}
	}
	return req, nil
}

// roundTrip forwards the request upstream. Failures are delivered to the
// response filters here because goproxy does not run its response handlers
// for failed requests inside intercepted tunnels.
func (e *Engine) roundTrip(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Response, error) {
	resp, err := ctx.Proxy.Tr.RoundTrip(req)
	if err != nil {
		ctx.Error = err
		if ex, ok := ctx.UserData.(*exchange); ok && ex.responded.CompareAndSwap(false, true) {
			e.runResponseFilters(ex, nil, ctx)
		}
	}
	return resp, err
}

func (e *Engine) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	ex, ok := ctx.UserData.(*exchange)
	if !ok || !ex.responded.CompareAndSwap(false, true) {
		return resp
	}
	return e.runResponseFilters(ex, resp, ctx)
}

func (e *Engine) runResponseFilters(ex *exchange, resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	for _, filter := range ex.filters {
		out := resp
		e.safely("response filter", func() { out = filter.OnResponse(resp, ctx) })
		resp = out
	}
	return resp
}

func (e *Engine) newFilter(f FilterFactory, req *http.Request, ctx *goproxy.ProxyCtx) (filter Filter) {
	e.safely("filter factory", func() { filter = f.NewFilter(req, ctx) })
	return filter
}

func (e *Engine) newTunnelFilter(f TunnelFactory, ctx *goproxy.ProxyCtx) (filter TunnelFilter) {
	e.safely("tunnel factory", func() { filter = f.NewTunnelFilter(ctx.Req, ctx) })
	return filter
}

// safely runs fn and logs a panic instead of tearing down the connection, so a
// failing filter only affects its own exchange
func (e *Engine) safely(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("filter panicked", "stage", stage, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
