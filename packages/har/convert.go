package har

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// RequestFrom converts an outbound request into its HAR form. The body is not
// read; use SetPostData once it has been buffered.
func RequestFrom(req *http.Request) *Request {
	r := &Request{
		Method:      req.Method,
		URL:         req.URL.String(),
		HTTPVersion: httpVersion(req.ProtoMajor, req.ProtoMinor),
		Cookies:     make([]Cookie, 0),
		Headers:     pairsFromHeader(req.Header),
		QueryString: pairsFromQuery(req.URL.Query()),
		HeadersSize: -1,
		BodySize:    0,
	}
	if req.Host != "" && req.Header.Get("Host") == "" {
		r.Headers = append([]NameValuePair{{Name: "Host", Value: req.Host}}, r.Headers...)
	}
	for _, c := range req.Cookies() {
		r.Cookies = append(r.Cookies, Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

// SetPostData records a request body
func (r *Request) SetPostData(mimeType string, body []byte) {
	r.BodySize = int64(len(body))
	if len(body) == 0 {
		return
	}
	pd := &PostData{MimeType: mimeType, Text: string(body)}
	if strings.HasPrefix(mimeType, "application/x-www-form-urlencoded") {
		if values, err := url.ParseQuery(string(body)); err == nil {
			pd.Params = pairsFromQuery(values)
		}
	}
	r.PostData = pd
}

// ResponseFrom converts an upstream response into its HAR form without its body
func ResponseFrom(resp *http.Response) *Response {
	r := &Response{
		Status:      resp.StatusCode,
		StatusText:  statusText(resp),
		HTTPVersion: httpVersion(resp.ProtoMajor, resp.ProtoMinor),
		Cookies:     make([]Cookie, 0),
		Headers:     pairsFromHeader(resp.Header),
		Content:     &Content{MimeType: resp.Header.Get("Content-Type")},
		RedirectURL: resp.Header.Get("Location"),
		HeadersSize: -1,
		BodySize:    -1,
	}
	for _, c := range resp.Cookies() {
		hc := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Domain:   c.Domain,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			exp := c.Expires
			hc.Expires = &exp
		}
		r.Cookies = append(r.Cookies, hc)
	}
	return r
}

// FailedResponse is the placeholder response recorded when no response arrived
func FailedResponse(err error) *Response {
	text := "no response"
	if err != nil {
		text = err.Error()
	}
	return &Response{
		Status:      0,
		StatusText:  text,
		HTTPVersion: "unknown",
		Cookies:     make([]Cookie, 0),
		Headers:     make([]NameValuePair, 0),
		Content:     &Content{},
		HeadersSize: -1,
		BodySize:    -1,
	}
}

// Millis converts a duration to fractional milliseconds
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func httpVersion(major, minor int) string {
	if major == 0 && minor == 0 {
		return "HTTP/1.1"
	}
	return fmt.Sprintf("HTTP/%d.%d", major, minor)
}

func statusText(resp *http.Response) string {
	// resp.Status is "200 OK"
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func pairsFromHeader(h http.Header) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(h))
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range h[name] {
			pairs = append(pairs, NameValuePair{Name: name, Value: v})
		}
	}
	return pairs
}

func pairsFromQuery(values url.Values) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(values))
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range values[name] {
			pairs = append(pairs, NameValuePair{Name: name, Value: v})
		}
	}
	return pairs
}
