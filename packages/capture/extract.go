package capture

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/abdul-hamid-achik/hitcapture/packages/har"
)

// Source selects which part of a recorded entry a value is extracted from
type Source string

const (
	SourceBody     Source = "body"
	SourceHeader   Source = "header"
	SourceStatus   Source = "status"
	SourceDuration Source = "duration"
)

// Expression names a value to extract, written as source or source:path, for
// example "body:data.items.0.id" or "header:Content-Type"
type Expression struct {
	Source Source
	Path   string
}

// ParseExpression parses source or source:path
func ParseExpression(s string) (Expression, error) {
	src, path, _ := strings.Cut(s, ":")
	e := Expression{Source: Source(strings.ToLower(strings.TrimSpace(src))), Path: strings.TrimSpace(path)}
	switch e.Source {
	case SourceBody, SourceStatus, SourceDuration:
	case SourceHeader:
		if e.Path == "" {
			return e, fmt.Errorf("header expression %q needs a header name", s)
		}
	default:
		return e, fmt.Errorf("unknown source %q in expression %q", src, s)
	}
	return e, nil
}

func (e Expression) String() string {
	if e.Path == "" {
		return string(e.Source)
	}
	return string(e.Source) + ":" + e.Path
}

// Extractor pulls values out of one recorded entry
type Extractor struct {
	entry    *har.Entry
	bodyJSON gjson.Result
}

func NewExtractor(entry *har.Entry) *Extractor {
	e := &Extractor{entry: entry}
	if entry.Response != nil && entry.Response.Content != nil {
		body := entry.Response.Content.Body()
		if gjson.ValidBytes(body) {
			e.bodyJSON = gjson.ParseBytes(body)
		}
	}
	return e
}

func (e *Extractor) Extract(expr Expression) (any, bool) {
	switch expr.Source {
	case SourceBody:
		return e.extractFromBody(expr.Path)
	case SourceHeader:
		return e.extractFromHeader(expr.Path)
	case SourceStatus:
		if e.entry.Response == nil {
			return nil, false
		}
		return e.entry.Response.Status, true
	case SourceDuration:
		return e.entry.Time, true
	default:
		return nil, false
	}
}

func (e *Extractor) extractFromBody(path string) (any, bool) {
	if !e.bodyJSON.Exists() {
		if path == "" && e.entry.Response != nil && e.entry.Response.Content != nil {
			return string(e.entry.Response.Content.Body()), true
		}
		return nil, false
	}

	if path == "" {
		return e.bodyJSON.Value(), true
	}

	result := e.bodyJSON.Get(path)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func (e *Extractor) extractFromHeader(name string) (any, bool) {
	value := e.entry.Response.Header(name)
	if value == "" {
		return nil, false
	}
	return value, true
}

// ExtractAll evaluates every expression against entry, keyed by expression text
func ExtractAll(entry *har.Entry, exprs []Expression) map[string]any {
	extractor := NewExtractor(entry)
	results := make(map[string]any)

	for _, x := range exprs {
		if value, ok := extractor.Extract(x); ok {
			results[x.String()] = value
		}
	}

	return results
}
