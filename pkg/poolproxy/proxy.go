// Package poolproxy implements the HTTP-proxy variant of the pool
// (C6): either a forwarding proxy that rewrites the request target into
// absolute form, or a CONNECT tunnel that upgrades a throwaway
// connection to the proxy into a brand-new connection to the real
// target origin.
package poolproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"strings"
	"time"

	poolerr "connpool/pkg/helper/errors"
	"connpool/pkg/helper/log"
	"connpool/pkg/helper/throttle"
	"connpool/pkg/pool"
	"connpool/pkg/poolconn"
)

// Mode selects how the proxy pool routes a request, mirroring the
// source's ProxyMode enum.
type Mode int

const (
	// ModeDefault tunnels https targets and forwards http targets.
	ModeDefault Mode = iota
	// ModeForwardOnly always rewrites the request into absolute form and
	// sends it straight to the proxy, even for https targets.
	ModeForwardOnly
	// ModeTunnelOnly always opens a CONNECT tunnel, even for http
	// targets.
	ModeTunnelOnly
)

// Config configures the proxy pool.
type Config struct {
	ProxyOrigin    pool.Origin
	ProxyHeaders   []pool.Header
	Mode           Mode
	ConnectFactory *poolconn.Factory

	// TunnelTLS, if set, overrides ConnectFactory's TLSConfig for the
	// in-place TLS upgrade performed on a CONNECT tunnel's inherited
	// socket, letting the tunnelled leg use a different certificate
	// policy than the proxy leg. Nil falls back to ConnectFactory's own
	// TLSConfig.
	TunnelTLS     *tls.Config
	TunnelTimeout *time.Duration

	// TunnelRateLimit caps how many CONNECT handshakes may be opened
	// against the proxy per TunnelRateWindow. Zero disables the limit.
	TunnelRateLimit  int
	TunnelRateWindow time.Duration
}

// Pool wraps a *pool.Pool, routing requests through an HTTP proxy
// (forward or CONNECT tunnel) instead of dialing the target origin
// directly.
type Pool struct {
	inner   *pool.Pool
	cfg     Config
	logger  log.Logger
	limiter *throttle.RateLimiter
}

// New constructs a proxy pool. poolCfg configures the underlying
// pool.Pool exactly as pool.New does; the connection factory it is
// given always dials the proxy origin, never the caller's target.
func New(poolCfg pool.Config, cfg Config) *Pool {
	factory := cfg.ConnectFactory.New()
	proxyFactory := func(origin pool.Origin) pool.Connection {
		return factory(cfg.ProxyOrigin)
	}

	p := &Pool{
		cfg:    cfg,
		logger: log.GetGlobalLogger(),
	}
	if cfg.TunnelRateLimit > 0 {
		window := cfg.TunnelRateWindow
		if window <= 0 {
			window = time.Second
		}
		p.limiter = throttle.NewRateLimiter(cfg.TunnelRateLimit, window)
	}
	p.inner = pool.New(poolCfg, proxyFactory)
	return p
}

// Request dispatches to the forward or tunnel path per Mode and the
// target scheme (§4.8).
func (p *Pool) Request(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader, ext pool.Ext) (*pool.Response, error) {
	useTunnel := p.cfg.Mode == ModeTunnelOnly ||
		(p.cfg.Mode == ModeDefault && url.Scheme == "https")

	if useTunnel {
		return p.tunnelRequest(ctx, method, url, headers, body, ext)
	}
	return p.forwardRequest(ctx, method, url, headers, body, ext)
}

// Close shuts the underlying pool down.
func (p *Pool) Close() error {
	return p.inner.Close()
}

// GetConnectionInfo delegates to the underlying pool.
func (p *Pool) GetConnectionInfo() map[string][]string {
	return p.inner.GetConnectionInfo()
}

// forwardRequest rewrites the request into absolute-form and merges the
// caller's headers over the proxy's defaults (proxy headers lose any
// case-insensitive collision). Connections are acquired and pooled
// under the proxy's own origin, not the target's - matching the
// original's `origin = self.proxy_origin` override (http_proxy.py:
// 144-151) - since every forwarded request shares the same proxy
// socket regardless of which target it's headed to.
func (p *Pool) forwardRequest(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader, ext pool.Ext) (*pool.Response, error) {
	merged := mergeHeaders(p.cfg.ProxyHeaders, headers)
	return p.inner.RequestVia(ctx, p.cfg.ProxyOrigin, method, url, merged, body, ext)
}

// tunnelRequest looks up an already-tunnelled connection to the target
// origin first (§4.8 scenario 6: a second request to the same origin
// reuses it, mirroring the original's `connection =
// self._get_connection_from_pool(origin)` at http_proxy.py:192) and
// only falls back to opening a fresh CONNECT handshake - on an
// ephemeral connection that never joins the pool itself - when none is
// available, handing the raw socket off to a freshly-inserted
// Connection bound to the target origin (§4.8's socket inheritance).
func (p *Pool) tunnelRequest(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader, ext pool.Ext) (*pool.Response, error) {
	targetOrigin := url.Origin()

	if existing := p.inner.AcquireExisting(targetOrigin); existing != nil {
		resp, err := existing.Request(ctx, method, url, headers, body, ext)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, pool.ErrNewConnectionRequired) {
			return nil, err
		}
		// existing already transitioned itself to StateClosed; fall
		// through and dial a fresh tunnel, same as the core pool's own
		// acquisition loop does on this signal.
	}

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx); err != nil {
			return nil, poolerr.Wrapf(err, "waiting for tunnel rate limit to %s", p.cfg.ProxyOrigin.String())
		}
	}

	proxyConn, err := p.dialProxy(ctx)
	if err != nil {
		return nil, err
	}

	connectHeaders := mergeHeaders([]pool.Header{
		{Name: "Host", Value: targetOrigin.String()},
		{Name: "Accept", Value: "*/*"},
	}, p.cfg.ProxyHeaders)

	resp, err := proxyConn.Request(ctx, "CONNECT", pool.URL{
		Scheme: p.cfg.ProxyOrigin.Scheme,
		Host:   targetOrigin.Host,
		Port:   targetOrigin.Port,
	}, connectHeaders, nil, ext)
	if err != nil {
		proxyConn.Close()
		return nil, poolerr.Proxyf("CONNECT request to %s failed: %v", p.cfg.ProxyOrigin.String(), err)
	}

	// Drain without closing: the response stream must be fully consumed
	// but the underlying socket is about to be inherited by a new
	// connection, so it must stay open.
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	if resp.Status < 200 || resp.Status > 299 {
		proxyConn.Close()
		return nil, poolerr.Proxyf("proxy refused CONNECT to %s: status %d", targetOrigin.String(), resp.Status)
	}

	if url.Scheme == "https" {
		if _, err := poolconn.StartTLSOverride(ctx, proxyConn, url.Host, p.cfg.TunnelTimeout, p.cfg.TunnelTLS); err != nil {
			proxyConn.Close()
			return nil, poolerr.Wrapf(err, "TLS upgrade over tunnel to %s", targetOrigin.String())
		}
	}

	newConnection, err := p.inheritConnection(targetOrigin, proxyConn)
	if err != nil {
		proxyConn.Close()
		return nil, err
	}

	return newConnection.Request(ctx, method, url, headers, body, ext)
}

// dialProxy opens a throwaway Connection to the proxy origin, used only
// to perform the CONNECT handshake.
func (p *Pool) dialProxy(ctx context.Context) (pool.Connection, error) {
	factory := p.cfg.ConnectFactory.New()
	conn := factory(p.cfg.ProxyOrigin)
	return conn, nil
}

// inheritConnection wraps proxyConn's now-upgraded socket in a new
// Connection bound to targetOrigin and inserts it into the pool, per
// the original's socket-inheritance handoff. Requires proxyConn to be
// the concrete *poolconn type produced by ConnectFactory.
func (p *Pool) inheritConnection(targetOrigin pool.Origin, proxyConn pool.Connection) (pool.Connection, error) {
	socket, ok := poolconn.Unwrap(proxyConn)
	if !ok {
		return nil, poolerr.Newf("tunnel connection does not support socket inheritance")
	}

	http11 := targetOrigin.Scheme != "https" || !p.cfg.ConnectFactory.HTTP2Enabled()
	newConn := poolconn.InheritSocket(p.cfg.ConnectFactory, targetOrigin, socket, http11)

	timeout := p.cfg.TunnelTimeout
	if err := p.inner.AddTunneledConnection(newConn, timeout); err != nil {
		return nil, err
	}
	return newConn, nil
}

// mergeHeaders overlays override atop defaults: a name present in
// override replaces the matching default entry (case-insensitively),
// default ordering is preserved, and any override header with no
// default counterpart is appended last.
func mergeHeaders(defaults, override []pool.Header) []pool.Header {
	result := make([]pool.Header, 0, len(defaults)+len(override))
	used := make(map[string]bool, len(override))

	for _, d := range defaults {
		if h, ok := findHeader(override, d.Name); ok {
			result = append(result, h)
			used[strings.ToLower(h.Name)] = true
		} else {
			result = append(result, d)
		}
	}
	for _, o := range override {
		if !used[strings.ToLower(o.Name)] {
			result = append(result, o)
		}
	}
	return result
}

func findHeader(headers []pool.Header, name string) (pool.Header, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h, true
		}
	}
	return pool.Header{}, false
}
