package har

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// Version is the HAR specification version written to every log
const Version = "1.2"

// HAR is the root object of an HTTP Archive
type HAR struct {
	Log *Log `json:"log"`
}

// Log holds the pages and entries of a capture session
type Log struct {
	Version string   `json:"version"`
	Creator *Creator `json:"creator"`
	Pages   []*Page  `json:"pages,omitempty"`
	Entries []*Entry `json:"entries"`
	Comment string   `json:"comment,omitempty"`
}

// Creator identifies the application that produced the log
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Page groups entries recorded under one session
type Page struct {
	StartedDateTime time.Time    `json:"startedDateTime"`
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	PageTimings     *PageTimings `json:"pageTimings"`
}

// PageTimings is required by the format but never measured by a proxy
type PageTimings struct {
	OnContentLoad float64 `json:"onContentLoad"`
	OnLoad        float64 `json:"onLoad"`
}

// Entry is one captured request/response exchange
type Entry struct {
	Pageref         string    `json:"pageref,omitempty"`
	StartedDateTime time.Time `json:"startedDateTime"`
	Time            float64   `json:"time"`
	Request         *Request  `json:"request"`
	Response        *Response `json:"response"`
	Cache           *Cache    `json:"cache"`
	Timings         *Timings  `json:"timings"`
	ServerIPAddress string    `json:"serverIPAddress,omitempty"`
	Connection      string    `json:"connection,omitempty"`
	Comment         string    `json:"comment,omitempty"`

	// DecodeFailed is set when the response body could not be decoded and the
	// raw bytes were recorded instead
	DecodeFailed bool `json:"_decodeFailed,omitempty"`
	// Incomplete is set when the exchange did not finish
	Incomplete bool `json:"_incomplete,omitempty"`
	// Error describes why the exchange is incomplete
	Error string `json:"_error,omitempty"`
	// Truncated is set when the recorded response body was cut at the body
	// size limit
	Truncated bool `json:"_truncated,omitempty"`
	// Tunnel marks CONNECT entries whose traffic was passed through opaquely
	Tunnel bool `json:"_tunnel,omitempty"`
}

// Request is the request half of an exchange
type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	QueryString []NameValuePair `json:"queryString"`
	PostData    *PostData       `json:"postData,omitempty"`
	HeadersSize int64           `json:"headersSize"`
	BodySize    int64           `json:"bodySize"`
}

// Response is the response half of an exchange
type Response struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Cookies     []Cookie        `json:"cookies"`
	Headers     []NameValuePair `json:"headers"`
	Content     *Content        `json:"content"`
	RedirectURL string          `json:"redirectURL"`
	HeadersSize int64           `json:"headersSize"`
	BodySize    int64           `json:"bodySize"`
}

// Header returns the first value of the named header, case-insensitively
func (r *Response) Header(name string) string {
	if r == nil {
		return ""
	}
	return headerValue(r.Headers, name)
}

// Header returns the first value of the named header, case-insensitively
func (r *Request) Header(name string) string {
	if r == nil {
		return ""
	}
	return headerValue(r.Headers, name)
}

// NameValuePair is used for headers and query parameters
type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is a request or response cookie
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Path     string     `json:"path,omitempty"`
	Domain   string     `json:"domain,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"httpOnly,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
}

// PostData describes a request body
type PostData struct {
	MimeType string          `json:"mimeType"`
	Params   []NameValuePair `json:"params,omitempty"`
	Text     string          `json:"text"`
	Comment  string          `json:"comment,omitempty"`
}

// Content describes a response body. Text holds the body as UTF-8 text, or
// base64 when Encoding is "base64".
type Content struct {
	Size        int64  `json:"size"`
	Compression int64  `json:"compression,omitempty"`
	MimeType    string `json:"mimeType"`
	Text        string `json:"text,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Comment     string `json:"comment,omitempty"`

	body []byte
}

// SetBody stores b as the content body, choosing a text or base64 representation
func (c *Content) SetBody(b []byte) {
	c.body = b
	c.Size = int64(len(b))
	if utf8.Valid(b) {
		c.Text = string(b)
		c.Encoding = ""
		return
	}
	c.Text = base64.StdEncoding.EncodeToString(b)
	c.Encoding = "base64"
}

// Body returns the content bytes
func (c *Content) Body() []byte {
	if c == nil {
		return nil
	}
	if c.body != nil {
		return c.body
	}
	if c.Encoding == "base64" {
		b, err := base64.StdEncoding.DecodeString(c.Text)
		if err == nil {
			return b
		}
	}
	return []byte(c.Text)
}

// Cache is always empty; the proxy has no view of browser caches
type Cache struct{}

// Timings breaks down the duration of an exchange in milliseconds. -1 means
// the phase does not apply.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

// Total returns the sum of the applicable phases
func (t *Timings) Total() float64 {
	if t == nil {
		return 0
	}
	var total float64
	for _, v := range []float64{t.Blocked, t.DNS, t.Connect, t.Send, t.Wait, t.Receive} {
		if v > 0 {
			total += v
		}
	}
	return total
}

// New returns an empty archive for the given creator
func New(name, version string) *HAR {
	return &HAR{
		Log: &Log{
			Version: Version,
			Creator: &Creator{Name: name, Version: version},
			Entries: make([]*Entry, 0),
		},
	}
}

// WriteTo writes the archive as indented JSON
func (h *HAR) WriteTo(w io.Writer) (int64, error) {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return 0, err
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Read decodes an archive from r
func Read(r io.Reader) (*HAR, error) {
	var h HAR
	if err := json.NewDecoder(r).Decode(&h); err != nil {
		return nil, err
	}
	if h.Log == nil {
		h.Log = &Log{Version: Version, Entries: make([]*Entry, 0)}
	}
	return &h, nil
}

// Entries returns the entries of the archive, tolerating a nil log
func (h *HAR) Entries() []*Entry {
	if h == nil || h.Log == nil {
		return nil
	}
	return h.Log.Entries
}

func headerValue(headers []NameValuePair, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
