package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
	"h12.io/socks"
)

// DialContextFunc dials addr, possibly through the upstream
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ErrNotSOCKS is returned when a SOCKS dialer is requested for an HTTP route
var ErrNotSOCKS = errors.New("upstream route is not a SOCKS proxy")

// ProxyFunc returns a function suitable for http.Transport.Proxy. Requests to
// bypassed hosts are sent directly.
func (r *Route) ProxyFunc() func(*http.Request) (*url.URL, error) {
	if r == nil || r.Scheme != HTTP {
		return nil
	}
	u := r.ProxyURL()
	return func(req *http.Request) (*url.URL, error) {
		if r.Bypassed(req.URL.Host) {
			return nil, nil
		}
		return u, nil
	}
}

// SOCKSDialer returns a dial function that connects through the SOCKS upstream,
// or with direct for bypassed hosts
func (r *Route) SOCKSDialer(direct *net.Dialer) (DialContextFunc, error) {
	if r == nil || (r.Scheme != SOCKS4 && r.Scheme != SOCKS5) {
		return nil, ErrNotSOCKS
	}
	if direct == nil {
		direct = &net.Dialer{}
	}

	var through DialContextFunc
	switch r.Scheme {
	case SOCKS5:
		var auth *proxy.Auth
		if r.Username != "" || r.hasPassword {
			auth = &proxy.Auth{User: r.Username, Password: r.Password}
		}
		d, err := proxy.SOCKS5("tcp", r.Address(), auth, direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks5 dialer does not support contexts")
		}
		through = cd.DialContext
	case SOCKS4:
		u := &url.URL{Scheme: "socks4", Host: r.Address()}
		if r.Username != "" {
			u.User = url.User(r.Username)
		}
		dial := socks.Dial(u.String())
		through = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return dial(network, addr)
		}
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if r.Bypassed(addr) {
			return direct.DialContext(ctx, network, addr)
		}
		return through(ctx, network, addr)
	}, nil
}
