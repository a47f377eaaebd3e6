package pool

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	poolerr "connpool/pkg/helper/errors"
	"connpool/pkg/helper/log"
	"connpool/pkg/helper/util"
)

// ConnectionFactory constructs a fresh, PENDING Connection handle bound
// to origin. It is the pool's only dependency on the transport
// collaborator that actually dials sockets and speaks HTTP.
type ConnectionFactory func(origin Origin) Connection

// Config holds the pool's immutable-after-construction settings (§3,
// §6). Pointer fields follow the source's None-means-unbounded
// convention: a nil MaxConnections means no global cap, a nil
// KeepaliveExpiry disables the sweeper entirely.
type Config struct {
	MaxConnections          *int
	MaxKeepaliveConnections *int
	KeepaliveExpiry         *time.Duration
	HTTP2                   bool
	Backend                 Backend
}

// Metrics is the optional observability hook the pool reports into. A
// nil Metrics is valid; every call is a no-op in that case.
type Metrics interface {
	ConnectionCreated(origin Origin)
	ConnectionReused(origin Origin)
	ConnectionEvicted(origin Origin, reason string)
	PoolTimeout(origin Origin)
	SetPooled(origin Origin, count int)
}

// Pool is the core connection pool (C5): an origin-keyed set of
// connection handles, an acquisition loop that coalesces concurrent
// HTTP/2 requests onto a single handle, a lazy keep-alive sweeper, and
// response-closed accounting that retires idle handles past their cap
// or expiry.
type Pool struct {
	cfg           Config
	newConnection ConnectionFactory
	logger        log.Logger
	metrics       Metrics
	backend       Backend

	acquiryLock Lock
	threadLock  Lock

	connections        map[Origin]map[Connection]struct{}
	semaphore          Semaphore
	nextKeepaliveCheck float64
}

// Option customizes a Pool at construction time.
type Option func(*Pool)

// WithLogger overrides the pool's logger (default: the log package's
// global logger, at whatever level it was built with).
func WithLogger(logger log.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithMetrics attaches a Metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New constructs a Pool. The semaphore and locks are built eagerly from
// cfg.Backend (or the default sync backend) rather than lazily on first
// use.
func New(cfg Config, factory ConnectionFactory, opts ...Option) *Pool {
	backend := cfg.Backend
	if backend == nil {
		backend = NewSyncBackend()
	}

	capacity := 0
	if cfg.MaxConnections != nil {
		capacity = *cfg.MaxConnections
	} else {
		capacity = -1 // unbounded sentinel understood by NewSemaphore below
	}

	p := &Pool{
		cfg:           cfg,
		newConnection: factory,
		logger:        log.GetGlobalLogger(),
		backend:       backend,
		acquiryLock:   backend.NewLock(),
		threadLock:    backend.NewLock(),
		connections:   make(map[Origin]map[Connection]struct{}),
	}
	if capacity < 0 {
		p.semaphore = backend.NewSemaphore(0) // 0 => nullSemaphore, unbounded
	} else {
		p.semaphore = backend.NewSemaphore(capacity)
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request is the pool's public entrypoint (§4.1). It returns a wrapped
// body stream whose Close notifies the pool exactly once.
func (p *Pool) Request(ctx context.Context, method string, url URL, headers []Header, body io.Reader, ext Ext) (*Response, error) {
	if url.Scheme != "http" && url.Scheme != "https" {
		return nil, poolerr.UnsupportedProtocolf("unsupported URL protocol %q", url.Scheme)
	}
	if url.Host == "" {
		return nil, poolerr.LocalProtocolf("missing hostname in URL")
	}
	return p.requestVia(ctx, url.Origin(), method, url, headers, body, ext)
}

// RequestVia is Request with the acquisition/pooling bucket keyed by
// acquireOrigin instead of url.Origin() - the forward-proxy path's
// equivalent of the original's `origin = self.proxy_origin` override
// (http_proxy.py:144-151), since a forwarding proxy pools connections
// under the proxy's origin while writing the target URL onto the wire.
func (p *Pool) RequestVia(ctx context.Context, acquireOrigin Origin, method string, url URL, headers []Header, body io.Reader, ext Ext) (*Response, error) {
	if url.Scheme != "http" && url.Scheme != "https" {
		return nil, poolerr.UnsupportedProtocolf("unsupported URL protocol %q", url.Scheme)
	}
	if url.Host == "" {
		return nil, poolerr.LocalProtocolf("missing hostname in URL")
	}
	return p.requestVia(ctx, acquireOrigin, method, url, headers, body, ext)
}

func (p *Pool) requestVia(ctx context.Context, origin Origin, method string, url URL, headers []Header, body io.Reader, ext Ext) (*Response, error) {
	p.keepaliveSweep()

	var timeout *time.Duration
	if ext.Timeout.Pool != nil {
		d := time.Duration(*ext.Timeout.Pool * float64(time.Second))
		timeout = &d
	}

	var connection Connection
	for connection == nil {
		var addErr error
		func() {
			p.acquiryLock.Lock()
			defer p.acquiryLock.Unlock()

			p.logger.Trace("get_connection_from_pool origin=" + origin.String())
			connection = p.getConnectionFromPool(origin)

			if connection == nil {
				connection = p.newConnection(origin)
				p.logger.WithField("origin", origin.String()).Trace("created connection")
				if err := p.addToPool(connection, timeout); err != nil {
					addErr = err
					connection = nil
					return
				}
				if p.metrics != nil {
					p.metrics.ConnectionCreated(origin)
				}
			} else {
				p.logger.WithField("origin", origin.String()).Trace("reuse connection")
				if p.metrics != nil {
					p.metrics.ConnectionReused(origin)
				}
			}
		}()
		if addErr != nil {
			if p.metrics != nil {
				p.metrics.PoolTimeout(origin)
			}
			return nil, addErr
		}

		resp, err := connection.Request(ctx, method, url, headers, body, ext)
		if err != nil {
			if errors.Is(err, ErrNewConnectionRequired) {
				connection = nil
				continue
			}
			p.logger.WithField("origin", origin.String()).Trace("remove from pool after request error")
			p.removeFromPool(connection)
			return nil, err
		}

		resp.Body = newResponseBody(resp.Body, connection, p.responseClosed)
		return resp, nil
	}
	// unreachable: the for-loop only exits via the early returns above.
	return nil, nil
}

// getConnectionFromPool scans the origin's connections under the
// acquiry lock and returns a reuse candidate per §4.2's rules, or nil if
// none exists. Dead idle sockets are evicted as a side effect.
func (p *Pool) getConnectionFromPool(origin Origin) Connection {
	snapshot := p.connectionsForOrigin(origin)

	var seenHTTP11 bool
	var pendingConnection Connection
	var reuseConnection Connection
	var toClose []Connection

	for _, c := range snapshot {
		if c.IsHTTP11() {
			seenHTTP11 = true
		}

		switch {
		case c.State() == StateIdle:
			if c.IsSocketReadable() {
				p.logger.WithField("origin", origin.String()).Trace("removing dropped idle connection")
				toClose = append(toClose, c)
				p.removeFromPool(c)
			} else {
				p.logger.WithField("origin", origin.String()).Trace("reusing idle http11 connection")
				reuseConnection = c
			}
		case c.State() == StateActive && c.IsHTTP2():
			p.logger.WithField("origin", origin.String()).Trace("reusing active http2 connection")
			reuseConnection = c
		case c.State() == StatePending:
			pendingConnection = c
		}
	}

	if reuseConnection != nil {
		reuseConnection.MarkAsReady()
		reuseConnection.SetExpiresAt(nil)
	} else if p.cfg.HTTP2 && pendingConnection != nil && !seenHTTP11 {
		p.logger.WithField("origin", origin.String()).WithField("connection", pendingConnection.Info()).Trace("reusing pending connection")
		reuseConnection = pendingConnection
	}

	for _, c := range toClose {
		if p.metrics != nil {
			p.metrics.ConnectionEvicted(origin, "dead_peer")
		}
		c.Close()
	}

	return reuseConnection
}

// responseClosed is invoked exactly once per issued response, when its
// body stream is closed (§4.4).
func (p *Pool) responseClosed(connection Connection) {
	removeFromPool := false
	closeConnection := false

	switch connection.State() {
	case StateClosed:
		removeFromPool = true
	case StateIdle:
		count := len(p.allConnections())
		if p.cfg.MaxKeepaliveConnections != nil && count > *p.cfg.MaxKeepaliveConnections {
			removeFromPool = true
			closeConnection = true
		} else if p.cfg.KeepaliveExpiry != nil {
			now := p.backend.Now()
			at := now + p.cfg.KeepaliveExpiry.Seconds()
			connection.SetExpiresAt(&at)
		}
	}

	if removeFromPool {
		p.removeFromPool(connection)
	}
	if closeConnection {
		if p.metrics != nil {
			p.metrics.ConnectionEvicted(connection.Origin(), "keepalive_cap")
		}
		connection.Close()
	}
}

// keepaliveSweep removes IDLE connections past their keep-alive expiry,
// rate-limited to at most once per min(1s, KeepaliveExpiry) (§4.3).
func (p *Pool) keepaliveSweep() {
	if p.cfg.KeepaliveExpiry == nil {
		return
	}

	now := p.backend.Now()
	if now < p.nextKeepaliveCheck {
		return
	}

	interval := p.cfg.KeepaliveExpiry.Seconds()
	if interval > 1.0 {
		interval = 1.0
	}
	p.nextKeepaliveCheck = now + interval

	var toClose []Connection
	for _, c := range p.allConnections() {
		if c.State() != StateIdle {
			continue
		}
		expiresAt := c.ExpiresAt()
		if expiresAt == nil || now < *expiresAt {
			continue
		}
		toClose = append(toClose, c)
		p.removeFromPool(c)
	}

	for _, c := range toClose {
		if p.metrics != nil {
			p.metrics.ConnectionEvicted(c.Origin(), "expired")
		}
		c.Close()
	}
}

// AcquireExisting runs the ordinary reuse lookup (§4.2) against origin
// without falling back to creating a new connection, for callers that
// synthesize connections out-of-band (the CONNECT tunnel path) and must
// check the pool before paying for a fresh handshake. Returns nil if no
// reusable connection exists.
func (p *Pool) AcquireExisting(origin Origin) Connection {
	p.acquiryLock.Lock()
	defer p.acquiryLock.Unlock()

	connection := p.getConnectionFromPool(origin)
	if connection != nil && p.metrics != nil {
		p.metrics.ConnectionReused(origin)
	}
	return connection
}

// AddTunneledConnection inserts a connection the caller constructed
// itself - a CONNECT tunnel's inherited socket, bound to the target
// origin rather than the proxy's - directly into the pool's
// bookkeeping, under the same acquiry lock ordinary acquisition uses.
func (p *Pool) AddTunneledConnection(connection Connection, timeout *time.Duration) error {
	p.acquiryLock.Lock()
	defer p.acquiryLock.Unlock()
	return p.addToPool(connection, timeout)
}

// addToPool acquires a semaphore slot (bounded by timeout) and, only on
// success, inserts connection into its origin's bucket (§4.5).
func (p *Pool) addToPool(connection Connection, timeout *time.Duration) error {
	p.logger.WithField("origin", connection.Origin().String()).Trace("adding connection to pool")
	if err := p.semaphore.Acquire(timeout); err != nil {
		return err
	}

	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	origin := connection.Origin()
	if p.connections[origin] == nil {
		p.connections[origin] = make(map[Connection]struct{})
	}
	p.connections[origin][connection] = struct{}{}
	if p.metrics != nil {
		p.metrics.SetPooled(origin, len(p.connections[origin]))
	}
	return nil
}

// removeFromPool releases the connection's semaphore slot exactly once,
// iff it is currently a pool member; idempotent for absent connections
// (§4.5, §8 P8).
func (p *Pool) removeFromPool(connection Connection) {
	p.logger.WithField("origin", connection.Origin().String()).Trace("removing connection from pool")

	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	origin := connection.Origin()
	bucket, ok := p.connections[origin]
	if !ok {
		return
	}
	if _, member := bucket[connection]; !member {
		return
	}

	p.semaphore.Release()
	delete(bucket, connection)
	if len(bucket) == 0 {
		delete(p.connections, origin)
	} else if p.metrics != nil {
		p.metrics.SetPooled(origin, len(bucket))
	}
}

// connectionsForOrigin returns a snapshot slice (never the live set) so
// callers may safely mutate the pool while iterating it.
func (p *Pool) connectionsForOrigin(origin Origin) []Connection {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	bucket := p.connections[origin]
	out := make([]Connection, 0, len(bucket))
	for c := range bucket {
		out = append(out, c)
	}
	return out
}

// allConnections returns a snapshot of every pooled connection across
// every origin.
func (p *Pool) allConnections() []Connection {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	var out []Connection
	for _, bucket := range p.connections {
		for c := range bucket {
			out = append(out, c)
		}
	}
	return out
}

// Close shuts the pool down: every connection is removed from the pool
// (releasing its semaphore slot) before any connection is closed, so a
// slow close does not stall the others (§4.6). Connections are closed
// concurrently and every failure is reported, not just the first.
func (p *Pool) Close() error {
	connections := p.allConnections()
	for _, c := range connections {
		p.removeFromPool(c)
	}

	var mu sync.Mutex
	var errs []error
	group := util.NewLimitedErrGroup(context.Background(), 0)
	for _, c := range connections {
		c := c
		group.Go(func() error {
			if err := c.Close(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return poolerr.Multiple(errs...)
}

// GetConnectionInfo triggers a keep-alive sweep and returns a map from
// rendered origin URL to a sorted list of per-connection summaries
// (§4.7).
func (p *Pool) GetConnectionInfo() map[string][]string {
	p.keepaliveSweep()

	p.threadLock.Lock()
	defer p.threadLock.Unlock()

	out := make(map[string][]string, len(p.connections))
	for origin, bucket := range p.connections {
		summaries := make([]string, 0, len(bucket))
		for c := range bucket {
			summaries = append(summaries, c.Info())
		}
		sort.Strings(summaries)
		out[origin.String()] = summaries
	}
	return out
}
