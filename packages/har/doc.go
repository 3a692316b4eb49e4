// Package har models the capture artifact as an HTTP Archive (HAR 1.2) log.
//
// It provides:
//   - The HAR data model (Log, Entry, Request, Response, Content, Timings)
//   - A concurrency-safe Recorder that accumulates entries during a capture session
//   - Conversion helpers from net/http requests and responses
//   - Latency statistics and JSON schema validation of written archives
//
// Entries carry three non-standard fields (_decodeFailed, _incomplete and _error)
// that mark best-effort records produced when a body could not be decoded or the
// upstream exchange did not complete.
package har
