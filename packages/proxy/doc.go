// Package proxy runs the intercepting HTTP proxy that capture sessions record
// through.
//
// An Engine wraps github.com/elazarl/goproxy. It terminates TLS for CONNECT
// tunnels when trust material is set and passes tunnels through untouched
// otherwise. Callers observe traffic by adding filter factories:
//
//   - FilterFactory is invoked per request and the resulting Filter sees the
//     request and then the response of that one exchange
//   - TunnelFactory is invoked per CONNECT and reports when the tunnel is
//     established or failed
//
// Outbound connections follow the configured upstream route, including SOCKS
// and HTTP chaining with bypass patterns. Recorded entries accumulate in the
// engine's archive until Stop, after which Artifact returns them.
package proxy
