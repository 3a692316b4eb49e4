// Package capture records the traffic of an intercepting proxy session.
//
// A Server composes the certificate authority, the upstream route and the
// capture filters into a proxy engine. Start returns a Control that owns the
// running session:
//
//	srv := capture.NewServer(capture.WithAuthority(ca))
//	ctl, err := srv.Start(monitor, 0)
//	...
//	ctl.Close() // stops the proxy and delivers the archive to monitor
//
// Each exchange passes through an immutable interceptor chain before it is
// recorded:
//   - anonymize redacts credential-bearing headers
//   - normalize-content undoes content codings such as brotli and zstd
//   - notify-monitor hands copies of the request and response to the Monitor
//
// The monitor is always notified last, so it observes normalized content.
// ResponseReceived runs inline on the proxy goroutine serving the exchange; a
// slow monitor slows that connection down. ArtifactCaptured is called at most
// once, after every ResponseReceived call has returned.
package capture
