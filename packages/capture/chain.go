package capture

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/abdul-hamid-achik/hitcapture/packages/content"
	"github.com/abdul-hamid-achik/hitcapture/packages/har"
	"github.com/abdul-hamid-achik/hitcapture/packages/logger"
)

// Kind tags an interceptor
type Kind int

const (
	KindAnonymize Kind = iota
	KindNormalizeContent
	KindCustom
	KindNotifyMonitor
)

func (k Kind) String() string {
	switch k {
	case KindAnonymize:
		return "anonymize"
	case KindNormalizeContent:
		return "normalize-content"
	case KindNotifyMonitor:
		return "notify-monitor"
	default:
		return "custom"
	}
}

// Exchange is one request/response pair on its way into the archive
type Exchange struct {
	Entry *har.Entry
	// Body is the response body exactly as the server sent it
	Body []byte
	// Truncated reports that Body was cut at the configured limit
	Truncated bool
	// ContentEncoding is the response Content-Encoding as received, kept even
	// when response headers are not recorded
	ContentEncoding string
}

// Interceptor inspects or rewrites an exchange before it is recorded
type Interceptor interface {
	Kind() Kind
	Intercept(x *Exchange)
}

// InterceptorFunc adapts a function to a custom Interceptor
type InterceptorFunc func(x *Exchange)

func (f InterceptorFunc) Kind() Kind { return KindCustom }

func (f InterceptorFunc) Intercept(x *Exchange) { f(x) }

// Chain is an ordered, immutable list of interceptors
type Chain struct {
	items []Interceptor
}

// NewChain orders interceptors by kind, keeping the given order within a kind.
// Monitor notification therefore always comes last.
func NewChain(items ...Interceptor) *Chain {
	ordered := make([]Interceptor, 0, len(items))
	for _, k := range []Kind{KindAnonymize, KindNormalizeContent, KindCustom, KindNotifyMonitor} {
		for _, it := range items {
			if it != nil && it.Kind() == k {
				ordered = append(ordered, it)
			}
		}
	}
	return &Chain{items: ordered}
}

// Kinds lists the kinds in chain order
func (c *Chain) Kinds() []Kind {
	kinds := make([]Kind, len(c.items))
	for i, it := range c.items {
		kinds[i] = it.Kind()
	}
	return kinds
}

// Apply runs every interceptor in order
func (c *Chain) Apply(x *Exchange) {
	for _, it := range c.items {
		it.Intercept(x)
	}
}

func (c *Chain) String() string {
	names := make([]string, len(c.items))
	for i, it := range c.items {
		names[i] = it.Kind().String()
	}
	return strings.Join(names, " -> ")
}

// strippedHeaders are removed from outbound requests when anonymizing
var strippedHeaders = []string{"Via", "X-Forwarded-For", "Forwarded", "Proxy-Authorization"}

// DefaultRedactHeaders are masked in recorded requests when anonymizing
var DefaultRedactHeaders = []string{"Authorization", "Cookie", "X-Api-Key", "Api-Key", "Proxy-Authorization"}

// anonymizer masks sensitive request headers in the record
type anonymizer struct {
	redact []string
}

func (a anonymizer) Kind() Kind { return KindAnonymize }

func (a anonymizer) Intercept(x *Exchange) {
	req := x.Entry.Request
	if req == nil {
		return
	}
	kept := req.Headers[:0]
	for _, h := range req.Headers {
		if isStripped(h.Name) && !a.redacts(h.Name) {
			continue
		}
		if a.redacts(h.Name) {
			h.Value = placeholder(h.Name)
		}
		kept = append(kept, h)
	}
	req.Headers = kept
	if a.redacts("Cookie") && len(req.Cookies) > 0 {
		req.Cookies = make([]har.Cookie, 0)
	}
}

func (a anonymizer) redacts(name string) bool {
	for _, r := range a.redact {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

func isStripped(name string) bool {
	for _, s := range strippedHeaders {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func placeholder(name string) string {
	return "{{" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "}}"
}

// stripOutbound removes headers that would identify the client or leak proxy
// credentials to the origin
func stripOutbound(h http.Header) {
	for _, name := range strippedHeaders {
		h.Del(name)
	}
}

// normalizer undoes content codings in the recorded body. The client always
// receives the bytes the server sent. Decoded bodies are cut at limit.
type normalizer struct {
	log   logger.Logger
	limit int64
}

func (n normalizer) Kind() Kind { return KindNormalizeContent }

func (n normalizer) Intercept(x *Exchange) {
	resp := x.Entry.Response
	if resp == nil || resp.Content == nil {
		return
	}
	encoding := x.ContentEncoding
	if encoding == "" {
		encoding = resp.Header("Content-Encoding")
	}
	if len(content.Parse(encoding)) == 0 {
		resp.Content.SetBody(x.Body)
		x.Entry.Truncated = x.Truncated
		return
	}
	if x.Truncated {
		resp.Content.SetBody(x.Body)
		x.Entry.DecodeFailed = true
		x.Entry.Truncated = true
		resp.Content.Comment = fmt.Sprintf("body truncated at %d bytes, %s coding not removed", len(x.Body), encoding)
		return
	}

	decoded, truncated, err := content.DecodeLimited(encoding, x.Body, n.limit)
	if err != nil {
		resp.Content.SetBody(x.Body)
		x.Entry.DecodeFailed = true
		resp.Content.Comment = err.Error()
		n.log.Warn("failed to decode response body",
			"url", x.Entry.Request.URL,
			"encoding", encoding,
			"bytes", len(x.Body),
			"error", err,
		)
		return
	}
	resp.Content.SetBody(decoded)
	if truncated {
		x.Entry.Truncated = true
		resp.Content.Comment = fmt.Sprintf("decoded body truncated at %d bytes", n.limit)
		n.log.Warn("decoded response body truncated",
			"url", x.Entry.Request.URL,
			"encoding", encoding,
			"limit", n.limit,
		)
		return
	}
	resp.Content.Compression = int64(len(decoded) - len(x.Body))
}

// notifier delivers copies of each exchange to the monitor until the session
// is finalized
type notifier struct {
	sess *session
}

func (n notifier) Kind() Kind { return KindNotifyMonitor }

func (n notifier) Intercept(x *Exchange) {
	n.sess.notify(x.Entry.Request.Clone(), x.Entry.Response.Clone())
}
