// Package poolconn implements the default pool.Connection collaborator:
// one connection handle per TCP/TLS socket, speaking either HTTP/1.1
// (stdlib request/response framing over a raw net.Conn) or HTTP/2 (via
// golang.org/x/net/http2's low-level ClientConn), chosen by ALPN
// negotiation or by the caller when HTTP/2 is forced over cleartext.
package poolconn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	poolerr "connpool/pkg/helper/errors"
	"connpool/pkg/helper/log"
	"connpool/pkg/helper/util"
	"connpool/pkg/pool"
)

// DialOptions lets callers tune the raw dialer beyond Config's own
// fields - the socket_options passthrough the original implementation
// exposes at the transport layer.
type DialOptions func(*net.Dialer)

// Config configures the default Connection factory. It mirrors the
// fields pool.Config and the proxy variant need from the transport
// layer: TLS material, HTTP/1.1 and HTTP/2 toggles, and dial tuning.
type Config struct {
	TLSConfig   *tls.Config
	HTTP1       bool
	HTTP2       bool
	DialTimeout time.Duration
	KeepAlive   time.Duration
	DialOptions DialOptions
	Logger      log.Logger

	// Retries is the number of additional dial attempts made, with
	// exponential backoff, before a connection attempt is given up on.
	// Zero means a single attempt, no retries.
	Retries int

	// UnixSocketPath, if set, dials every origin over this Unix domain
	// socket instead of TCP - the origin's host/port still select the
	// TLS server name and the Host header, only the transport changes.
	UnixSocketPath string

	// LocalAddress binds outbound connections to a specific local IP,
	// also selecting the address family (an IPv4 literal forces IPv4, an
	// IPv6 literal forces IPv6). Ignored when UnixSocketPath is set.
	LocalAddress string
}

// Factory builds pool.ConnectionFactory closures bound to a Config.
type Factory struct {
	cfg    Config
	dialer *net.Dialer
}

// NewFactory constructs a Factory, filling in the dialer the same way
// the teacher's connection pool builds its transport dialer: explicit
// timeout/keep-alive plus a no-op Control hook; callers set socket
// options (TCP_NODELAY, SO_REUSEPORT, and similar) through DialOptions.
func NewFactory(cfg Config) *Factory {
	if cfg.Logger == nil {
		cfg.Logger = log.GetGlobalLogger()
	}
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAlive,
		Control: func(network, address string, c syscall.RawConn) error {
			return nil
		},
	}
	if cfg.LocalAddress != "" && cfg.UnixSocketPath == "" {
		if ip := net.ParseIP(cfg.LocalAddress); ip != nil {
			dialer.LocalAddr = &net.TCPAddr{IP: ip}
		}
	}
	if cfg.DialOptions != nil {
		cfg.DialOptions(dialer)
	}
	return &Factory{cfg: cfg, dialer: dialer}
}

// New returns a pool.ConnectionFactory that dials origin lazily - the
// returned Connection starts StatePending and only touches the network
// the first time Request is called, matching the source's own
// lazy-connect behavior.
func (f *Factory) New() pool.ConnectionFactory {
	return func(origin pool.Origin) pool.Connection {
		return &connection{
			id:      uuid.NewString(),
			origin:  origin,
			factory: f,
			state:   pool.StatePending,
			logger:  f.cfg.Logger.WithField("origin", origin.String()),
		}
	}
}

// connection is the default pool.Connection implementation.
type connection struct {
	id      string
	origin  pool.Origin
	factory *Factory
	logger  log.Logger

	mu        sync.Mutex
	state     pool.State
	http11    bool
	http2     bool
	expiresAt *float64

	raw      net.Conn
	reader   *bufio.Reader
	h2conn   *http2.ClientConn
	requests atomic.Int64
	created  time.Time
}

func (c *connection) Origin() pool.Origin { return c.origin }

func (c *connection) State() pool.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s pool.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) IsHTTP11() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http11
}

func (c *connection) IsHTTP2() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http2
}

func (c *connection) ExpiresAt() *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *connection) SetExpiresAt(at *float64) {
	c.mu.Lock()
	c.expiresAt = at
	c.mu.Unlock()
}

// IsSocketReadable probes the raw socket with a one-byte read under an
// already-expired deadline: a io.EOF or any data back means the peer has either
// closed the connection or sent an unsolicited byte, both signs of a
// dead keep-alive candidate.
func (c *connection) IsSocketReadable() bool {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return false
	}

	if err := raw.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer raw.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	n, err := raw.Read(one)
	if n > 0 {
		return true
	}
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}

func (c *connection) MarkAsReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == pool.StateIdle {
		c.state = pool.StateReady
	}
}

func (c *connection) connect(ctx context.Context) error {
	c.mu.Lock()
	alreadyConnected := c.raw != nil
	c.mu.Unlock()
	if alreadyConnected {
		return nil
	}

	network := "tcp"
	address := net.JoinHostPort(c.origin.Host, strconv.Itoa(int(c.origin.Port)))
	if c.factory.cfg.UnixSocketPath != "" {
		network = "unix"
		address = c.factory.cfg.UnixSocketPath
	}

	var raw net.Conn
	dialErr := util.RetryWithBackoff(ctx, c.factory.cfg.Retries, 50*time.Millisecond, 2*time.Second, func() error {
		conn, err := c.factory.dialer.DialContext(ctx, network, address)
		if err != nil {
			return err
		}
		raw = conn
		return nil
	})
	if dialErr != nil {
		return poolerr.Wrapf(dialErr, "dial %s", address)
	}

	negotiatedH2 := false
	if c.origin.Scheme == "https" {
		tlsCfg := c.factory.cfg.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = c.origin.Host
		if c.factory.cfg.HTTP2 {
			tlsCfg.NextProtos = appendIfMissing(tlsCfg.NextProtos, "h2", "http/1.1")
		}

		tlsConn := tls.Client(raw, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return poolerr.Wrapf(err, "TLS handshake with %s", c.origin.Host)
		}
		raw = tlsConn
		negotiatedH2 = tlsConn.ConnectionState().NegotiatedProtocol == "h2"
	}

	c.mu.Lock()
	c.raw = raw
	c.reader = bufio.NewReader(raw)
	c.created = time.Now()
	useH2 := negotiatedH2 || (c.origin.Scheme == "http" && c.factory.cfg.HTTP2 && !c.factory.cfg.HTTP1)
	if useH2 {
		c.http2 = true
	} else {
		c.http11 = true
	}
	c.mu.Unlock()

	if useH2 {
		t := &http2.Transport{}
		h2conn, err := t.NewClientConn(raw)
		if err != nil {
			raw.Close()
			return poolerr.Wrapf(err, "http2 client conn to %s", c.origin.Host)
		}
		c.mu.Lock()
		c.h2conn = h2conn
		c.state = pool.StateActive
		c.mu.Unlock()
	} else {
		c.setState(pool.StateReady)
	}

	c.logger.WithField("http2", useH2).Trace("connection established")
	return nil
}

func (c *connection) Request(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader, ext pool.Ext) (*pool.Response, error) {
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	useH2 := c.http2
	c.mu.Unlock()

	c.requests.Add(1)
	c.setState(pool.StateActive)

	if useH2 {
		return c.requestHTTP2(ctx, method, url, headers, body)
	}
	return c.requestHTTP11(ctx, method, url, headers, body)
}

func (c *connection) requestHTTP11(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader) (*pool.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url.Target(), toReadCloser(body))
	if err != nil {
		return nil, poolerr.Wrap(err, "build request")
	}
	req.Host = url.Host
	if method == http.MethodConnect || (url.Port != 0 && url.Port != pool.DefaultPort(url.Scheme)) {
		req.Host = net.JoinHostPort(url.Host, strconv.Itoa(int(url.Port)))
	}
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}

	c.mu.Lock()
	raw := c.raw
	reader := c.reader
	c.mu.Unlock()

	if err := raw.SetDeadline(time.Time{}); err != nil {
		return nil, poolerr.Wrap(err, "clear socket deadline")
	}

	// A connection bound to an origin other than the request's target is
	// a forward-proxy leg: the request line must carry the target in
	// absolute form. (*http.Request).Write always emits origin-form
	// regardless of this, so the proxy case goes through WriteProxy
	// instead, same as net/http's own Transport does when routing
	// through a proxy.
	writeRequest := req.Write
	if method != http.MethodConnect && c.origin != url.Origin() {
		writeRequest = req.WriteProxy
	}
	if err := writeRequest(raw); err != nil {
		c.setState(pool.StateClosed)
		return nil, pool.ErrNewConnectionRequired
	}

	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		c.setState(pool.StateClosed)
		return nil, pool.ErrNewConnectionRequired
	}

	out := &pool.Response{Status: resp.StatusCode, Body: resp.Body}
	for k, vs := range resp.Header {
		for _, v := range vs {
			out.Headers = append(out.Headers, pool.Header{Name: k, Value: v})
		}
	}

	if resp.Close || resp.Header.Get("Connection") == "close" {
		c.setState(pool.StateClosed)
	}
	return out, nil
}

func (c *connection) requestHTTP2(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader) (*pool.Response, error) {
	c.mu.Lock()
	h2conn := c.h2conn
	c.mu.Unlock()

	if h2conn == nil || !h2conn.CanTakeNewRequest() {
		c.setState(pool.StateClosed)
		return nil, pool.ErrNewConnectionRequired
	}

	req, err := http.NewRequestWithContext(ctx, method, url.Target(), toReadCloser(body))
	if err != nil {
		return nil, poolerr.Wrap(err, "build request")
	}
	req.Host = url.Host
	for _, h := range headers {
		req.Header.Add(h.Name, h.Value)
	}

	resp, err := h2conn.RoundTrip(req)
	if err != nil {
		return nil, poolerr.Wrapf(err, "http2 round trip to %s", c.origin.String())
	}

	out := &pool.Response{Status: resp.StatusCode, Body: resp.Body}
	for k, vs := range resp.Header {
		for _, v := range vs {
			out.Headers = append(out.Headers, pool.Header{Name: k, Value: v})
		}
	}

	c.setState(pool.StateActive)
	return out, nil
}

// StartTLS performs an in-place TLS upgrade of the raw socket, used by
// the proxy's CONNECT tunnel once the target scheme is https. It uses
// the factory's TLSConfig; callers needing a per-tunnel override should
// use StartTLSOverride instead.
func (c *connection) StartTLS(ctx context.Context, host string, timeout *time.Duration) error {
	return c.startTLS(ctx, host, timeout, c.factory.cfg.TLSConfig)
}

func (c *connection) startTLS(ctx context.Context, host string, timeout *time.Duration, base *tls.Config) error {
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if raw == nil {
		return poolerr.Newf("cannot start TLS: connection has no underlying socket")
	}

	if timeout != nil {
		if err := raw.SetDeadline(time.Now().Add(*timeout)); err != nil {
			return poolerr.Wrap(err, "set TLS handshake deadline")
		}
		defer raw.SetDeadline(time.Time{})
	}

	tlsCfg := base
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	tlsCfg = tlsCfg.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}

	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return poolerr.Wrapf(err, "TLS handshake with %s", host)
	}

	c.mu.Lock()
	c.raw = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.http11 = true
	c.http2 = false
	c.mu.Unlock()
	return nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	raw := c.raw
	c.state = pool.StateClosed
	c.mu.Unlock()

	if raw == nil {
		return nil
	}
	return raw.Close()
}

func (c *connection) Info() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	proto := "http/1.1"
	if c.http2 {
		proto = "h2"
	}
	return fmt.Sprintf("<Connection [%s] id=%s %s state=%s requests=%d>",
		c.origin.String(), c.id, proto, c.state, c.requests.Load())
}

// InheritSocket constructs a fresh Connection that takes over an
// already-established, already-upgraded socket - the handoff the
// CONNECT tunnel path performs once the proxy's ephemeral connection
// has been upgraded to TLS for the real target origin.
func InheritSocket(factory *Factory, origin pool.Origin, raw net.Conn, http11 bool) pool.Connection {
	return &connection{
		id:      uuid.NewString(),
		origin:  origin,
		factory: factory,
		state:   pool.StateReady,
		http11:  http11,
		raw:     raw,
		reader:  bufio.NewReader(raw),
		created: time.Now(),
		logger:  factory.cfg.Logger.WithField("origin", origin.String()),
	}
}

// HTTP2Enabled reports whether the factory negotiates HTTP/2.
func (f *Factory) HTTP2Enabled() bool {
	return f.cfg.HTTP2
}

// Unwrap extracts the raw net.Conn backing a Connection built by this
// package, for callers (the CONNECT tunnel path) that need to hand the
// socket off to a new Connection bound to a different origin. Returns
// false for any Connection not produced by this package.
func Unwrap(c pool.Connection) (net.Conn, bool) {
	impl, ok := c.(*connection)
	if !ok {
		return nil, false
	}
	impl.mu.Lock()
	defer impl.mu.Unlock()
	if impl.raw == nil {
		return nil, false
	}
	return impl.raw, true
}

// StartTLSOverride upgrades c to TLS using tlsConfig in place of the
// connection's own factory TLSConfig, for callers (the CONNECT tunnel
// path) that need a distinct certificate policy for the tunnelled
// socket than for the proxy socket. A nil tlsConfig falls back to
// StartTLS's normal behavior. Returns false for any Connection not
// produced by this package.
func StartTLSOverride(ctx context.Context, c pool.Connection, host string, timeout *time.Duration, tlsConfig *tls.Config) (bool, error) {
	impl, ok := c.(*connection)
	if !ok {
		return false, nil
	}
	if tlsConfig == nil {
		tlsConfig = impl.factory.cfg.TLSConfig
	}
	return true, impl.startTLS(ctx, host, timeout, tlsConfig)
}

func appendIfMissing(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}

func toReadCloser(body io.Reader) io.ReadCloser {
	if body == nil {
		return nil
	}
	if rc, ok := body.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(body)
}
