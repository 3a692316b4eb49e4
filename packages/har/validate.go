package har

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// schema covers the parts of HAR 1.2 that consumers of a capture rely on
const schema = `{
  "type": "object",
  "required": ["log"],
  "properties": {
    "log": {
      "type": "object",
      "required": ["version", "creator", "entries"],
      "properties": {
        "version": {"type": "string"},
        "creator": {
          "type": "object",
          "required": ["name", "version"]
        },
        "entries": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["startedDateTime", "time", "request", "response", "cache", "timings"],
            "properties": {
              "startedDateTime": {"type": "string"},
              "time": {"type": "number"},
              "request": {
                "type": "object",
                "required": ["method", "url", "httpVersion", "cookies", "headers", "queryString", "headersSize", "bodySize"]
              },
              "response": {
                "type": "object",
                "required": ["status", "statusText", "httpVersion", "cookies", "headers", "content", "redirectURL", "headersSize", "bodySize"],
                "properties": {
                  "status": {"type": "integer"},
                  "content": {
                    "type": "object",
                    "required": ["size", "mimeType"]
                  }
                }
              },
              "timings": {
                "type": "object",
                "required": ["send", "wait", "receive"]
              }
            }
          }
        }
      }
    }
  }
}`

// ErrInvalid is returned by Validate when the document does not conform
var ErrInvalid = errors.New("invalid HAR document")

// Validate checks that data is a structurally valid HAR document
func Validate(data []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return fmt.Errorf("failed to validate HAR: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
