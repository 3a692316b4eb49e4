// Package cmd implements the hitcapture CLI commands using Cobra.
//
// Available commands:
//   - serve: Run the capture proxy and write a HAR or SQLite file on exit
//   - inspect: List, validate and query a capture file
//   - ca export: Write the certificate authority for reuse across runs
//   - version: Show hitcapture version information
package cmd
