package capture

import (
	"sync/atomic"

	"github.com/abdul-hamid-achik/hitcapture/packages/proxy"
)

// filterInstaller attaches the capture filters to an engine at most once. The
// exchange recorder and the tunnel recorder are always installed together.
type filterInstaller struct {
	installed atomic.Bool
	install   func()
}

func newFilterInstaller(sess *session) *filterInstaller {
	return &filterInstaller{install: func() {
		sess.engine.AddFilterFactory(sess.exchangeFactory(), proxy.Last)
		sess.engine.AddTunnelFactory(sess.tunnelFactory(), proxy.Last)
	}}
}

// ensureInstalled installs the filters on first call and reports whether this
// call performed the installation. Concurrent callers other than the winner
// return immediately.
func (f *filterInstaller) ensureInstalled() bool {
	if !f.installed.CompareAndSwap(false, true) {
		return false
	}
	f.install()
	return true
}

// Installed reports whether the capture filters have been attached
func (f *filterInstaller) Installed() bool {
	return f.installed.Load()
}
