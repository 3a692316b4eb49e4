// Package output renders capture sessions for humans and machines.
//
// Supported outputs:
//   - Echo: a Monitor printing one colored line per captured response
//   - Console: listing and summary of a finished archive
//   - JSON: machine-readable listing of a finished archive
package output
