package proxy

import (
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
)

// Position selects where a factory is inserted relative to those already added
type Position int

const (
	// Last appends the factory so its filters run after existing ones
	Last Position = iota
	// First prepends the factory so its filters run before existing ones
	First
)

// CaptureType selects which parts of an exchange are recorded
type CaptureType uint16

const (
	CaptureRequestHeaders CaptureType = 1 << iota
	CaptureRequestCookies
	CaptureRequestContent
	CaptureResponseHeaders
	CaptureResponseCookies
	CaptureResponseContent

	CaptureHeaders = CaptureRequestHeaders | CaptureResponseHeaders
	CaptureCookies = CaptureRequestCookies | CaptureResponseCookies
	CaptureContent = CaptureRequestContent | CaptureResponseContent
	CaptureAll     = CaptureHeaders | CaptureCookies | CaptureContent
)

// Has reports whether every bit of t is enabled
func (c CaptureType) Has(t CaptureType) bool {
	return c&t == t
}

// Filter handles one exchange. A Filter is created per request, so it may keep
// state between OnRequest and OnResponse without locking.
type Filter interface {
	// OnRequest may modify req or answer it directly by returning a response,
	// in which case the request is not sent upstream.
	OnRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response)
	// OnResponse is called with the upstream response. resp is nil when the
	// upstream could not be reached; ctx.Error then holds the cause.
	OnResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response
}

// FilterFactory creates the filter for a request. Returning nil skips the
// request.
type FilterFactory interface {
	NewFilter(req *http.Request, ctx *goproxy.ProxyCtx) Filter
}

// FilterFactoryFunc adapts a function to FilterFactory
type FilterFactoryFunc func(req *http.Request, ctx *goproxy.ProxyCtx) Filter

func (f FilterFactoryFunc) NewFilter(req *http.Request, ctx *goproxy.ProxyCtx) Filter {
	return f(req, ctx)
}

// FilterFuncs builds a Filter from optional functions
type FilterFuncs struct {
	Request  func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response)
	Response func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response
}

func (f FilterFuncs) OnRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if f.Request == nil {
		return req, nil
	}
	return f.Request(req, ctx)
}

func (f FilterFuncs) OnResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if f.Response == nil {
		return resp
	}
	return f.Response(resp, ctx)
}

// TunnelFilter observes a CONNECT tunnel
type TunnelFilter interface {
	// TunnelEstablished is called once the tunnel is usable. mitm reports
	// whether the traffic inside it is intercepted.
	TunnelEstablished(host string, mitm bool, connect time.Duration)
	// TunnelFailed is called when the upstream connection could not be made
	TunnelFailed(host string, connect time.Duration, err error)
}

// TunnelFactory creates the tunnel filter for a CONNECT request. Returning nil
// skips the tunnel.
type TunnelFactory interface {
	NewTunnelFilter(req *http.Request, ctx *goproxy.ProxyCtx) TunnelFilter
}

// TunnelFactoryFunc adapts a function to TunnelFactory
type TunnelFactoryFunc func(req *http.Request, ctx *goproxy.ProxyCtx) TunnelFilter

func (f TunnelFactoryFunc) NewTunnelFilter(req *http.Request, ctx *goproxy.ProxyCtx) TunnelFilter {
	return f(req, ctx)
}
