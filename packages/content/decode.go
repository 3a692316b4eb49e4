// Package content undoes HTTP content codings so that recorded bodies hold the
// bytes an application would see.
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedEncoding is returned for a content coding this package cannot undo
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Codings lists the content codings Decode understands
var Codings = []string{"br", "zstd", "gzip", "x-gzip", "deflate", "identity"}

// ErrTooLarge is returned when an inner coding of a stacked encoding expands
// past the decode limit, leaving nothing meaningful to decode further
var ErrTooLarge = errors.New("decoded body exceeds limit")

// zstdMaxMemory caps what the shared zstd decoder will allocate for one body
const zstdMaxMemory = 64 << 20

// zstdDecoder is shared by every call; DecodeAll is safe for concurrent use
var zstdDecoder, _ = zstd.NewReader(nil,
	zstd.WithDecoderConcurrency(0),
	zstd.WithDecoderMaxMemory(zstdMaxMemory),
)

// Decode reverses the content codings named by a Content-Encoding header value.
// Codings are undone in reverse order of application. An empty or identity
// encoding returns body unchanged. The output is not bounded; use DecodeLimited
// for untrusted bodies.
func Decode(encoding string, body []byte) ([]byte, error) {
	out, _, err := DecodeLimited(encoding, body, 0)
	return out, err
}

// DecodeLimited is Decode with the output cut at limit bytes. truncated
// reports that the decoded body was longer than limit. A limit of 0 or less
// means no limit.
func DecodeLimited(encoding string, body []byte, limit int64) (out []byte, truncated bool, err error) {
	codings := Parse(encoding)
	for i := len(codings) - 1; i >= 0; i-- {
		body, truncated, err = decodeOne(codings[i], body, limit)
		if err != nil {
			return nil, false, err
		}
		if truncated && i > 0 {
			return nil, false, fmt.Errorf("%w: %s layer passed %d bytes", ErrTooLarge, codings[i], limit)
		}
	}
	return body, truncated, nil
}

// Parse splits a Content-Encoding header value into lowercase codings, dropping
// identity
func Parse(encoding string) []string {
	var codings []string
	for _, c := range strings.Split(encoding, ",") {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || c == "identity" {
			continue
		}
		codings = append(codings, c)
	}
	return codings
}

// Supported reports whether every coding in encoding can be decoded
func Supported(encoding string) bool {
	for _, c := range Parse(encoding) {
		switch c {
		case "br", "zstd", "gzip", "x-gzip", "deflate":
		default:
			return false
		}
	}
	return true
}

func decodeOne(coding string, body []byte, limit int64) ([]byte, bool, error) {
	switch coding {
	case "br":
		out, truncated, err := readCapped(brotli.NewReader(bytes.NewReader(body)), limit)
		if err != nil {
			return nil, false, fmt.Errorf("brotli: %w", err)
		}
		return out, truncated, nil
	case "zstd":
		return decodeZstd(body, limit)
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, false, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		out, truncated, err := readCapped(zr, limit)
		if err != nil {
			return nil, false, fmt.Errorf("gzip: %w", err)
		}
		return out, truncated, nil
	case "deflate":
		return inflate(body, limit)
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}
}

// decodeZstd uses the shared decoder and falls back to a streaming decoder,
// read up to limit, for bodies larger than zstdMaxMemory. The streaming
// decoder's memory is bounded by its window, not by the body.
func decodeZstd(body []byte, limit int64) ([]byte, bool, error) {
	if zstdDecoder == nil {
		return nil, false, errors.New("zstd: decoder unavailable")
	}
	out, err := zstdDecoder.DecodeAll(body, nil)
	switch {
	case err == nil:
		if limit > 0 && int64(len(out)) > limit {
			return out[:limit], true, nil
		}
		return out, false, nil
	case !errors.Is(err, zstd.ErrDecoderSizeExceeded):
		return nil, false, fmt.Errorf("zstd: %w", err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(body),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxWindow(zstdMaxMemory),
	)
	if err != nil {
		return nil, false, fmt.Errorf("zstd: %w", err)
	}
	defer dec.Close()
	out, truncated, err := readCapped(dec, limit)
	if err != nil {
		return nil, false, fmt.Errorf("zstd: %w", err)
	}
	return out, truncated, nil
}

// inflate accepts both zlib-wrapped and raw deflate streams, since servers
// disagree on what "deflate" means
func inflate(body []byte, limit int64) ([]byte, bool, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		out, truncated, err := readCapped(zr, limit)
		zr.Close()
		if err == nil {
			return out, truncated, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	out, truncated, err := readCapped(fr, limit)
	if err != nil {
		return nil, false, fmt.Errorf("deflate: %w", err)
	}
	return out, truncated, nil
}

// readCapped reads r to the end, or to limit bytes when limit is positive
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	if limit <= 0 {
		out, err := io.ReadAll(r)
		return out, false, err
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(out)) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}
