package pool

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnection is a hand-rolled Connection test double. A real mock
// framework fights this interface's internal state machine (State,
// ExpiresAt, IsSocketReadable all have to move together across calls),
// so a small purpose-built fake is clearer than stretchr/testify/mock
// here.
type fakeConnection struct {
	mu sync.Mutex

	origin Origin
	state  State
	http2  bool
	http11 bool

	expiresAt   *float64
	readable    bool
	closed      bool
	requestErr  error
	requestBody string

	requests int
}

func newFakeHTTP11(origin Origin) *fakeConnection {
	return &fakeConnection{origin: origin, state: StatePending, http11: true}
}

func newFakeHTTP2(origin Origin) *fakeConnection {
	return &fakeConnection{origin: origin, state: StatePending, http2: true}
}

func (f *fakeConnection) Origin() Origin { return f.origin }

func (f *fakeConnection) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnection) IsHTTP11() bool { return f.http11 }
func (f *fakeConnection) IsHTTP2() bool  { return f.http2 }

func (f *fakeConnection) ExpiresAt() *float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expiresAt
}

func (f *fakeConnection) SetExpiresAt(at *float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiresAt = at
}

func (f *fakeConnection) IsSocketReadable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readable
}

func (f *fakeConnection) MarkAsReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateReady
}

func (f *fakeConnection) Request(ctx context.Context, method string, url URL, headers []Header, body io.Reader, ext Ext) (*Response, error) {
	f.mu.Lock()
	f.requests++
	err := f.requestErr
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.state = StateIdle
	f.mu.Unlock()

	return &Response{
		Status: 200,
		Body:   io.NopCloser(strings.NewReader(f.requestBody)),
	}, nil
}

func (f *fakeConnection) StartTLS(ctx context.Context, host string, timeout *time.Duration) error {
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = StateClosed
	return nil
}

func (f *fakeConnection) Info() string {
	return f.origin.String()
}

func testOrigin() Origin {
	return Origin{Scheme: "https", Host: "example.com", Port: 443}
}

func testURL() URL {
	return URL{Scheme: "https", Host: "example.com", Port: 443, Path: "/"}
}

// P1: a fresh pool creates exactly one connection for a single request.
func TestRequestCreatesConnectionOnMiss(t *testing.T) {
	var created []*fakeConnection
	factory := func(origin Origin) Connection {
		c := newFakeHTTP11(origin)
		created = append(created, c)
		return c
	}

	p := New(Config{}, factory)
	resp, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Len(t, created, 1)
	assert.NoError(t, resp.Body.Close())
}

// P2: a second request after the first closes reuses the idle HTTP/1.1
// connection rather than creating a new one.
func TestIdleHTTP11ConnectionIsReused(t *testing.T) {
	var created []*fakeConnection
	factory := func(origin Origin) Connection {
		c := newFakeHTTP11(origin)
		created = append(created, c)
		return c
	}

	p := New(Config{}, factory)

	resp1, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp1.Body.Close())

	resp2, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp2.Body.Close())

	assert.Len(t, created, 1, "expected the idle connection to be reused")
}

// P3: concurrent requests against an HTTP/2-capable origin coalesce onto
// the single ACTIVE connection instead of creating one handle per
// request.
func TestActiveHTTP2ConnectionIsShared(t *testing.T) {
	var mu sync.Mutex
	var created []*fakeConnection
	factory := func(origin Origin) Connection {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeHTTP2(origin)
		c.state = StateActive
		created = append(created, c)
		return c
	}

	p := New(Config{HTTP2: true}, factory)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, created, 1, "all concurrent HTTP/2 requests should share one connection")
}

// P4: a global MaxConnections cap is enforced as a pool timeout rather
// than unbounded creation.
func TestMaxConnectionsCapIsEnforced(t *testing.T) {
	factory := func(origin Origin) Connection {
		return newFakeHTTP11(origin)
	}

	maxConn := 1
	p := New(Config{MaxConnections: &maxConn}, factory)

	other := URL{Scheme: "https", Host: "other.example.com", Port: 443, Path: "/"}

	resp, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	defer resp.Body.Close()

	short := 10 * time.Millisecond
	timeoutSeconds := short.Seconds()
	_, err = p.Request(context.Background(), "GET", other, nil, nil, Ext{Timeout: Timeout{Pool: &timeoutSeconds}})
	require.Error(t, err)
}

// P5/P8: responseClosed retires a connection once live connections
// exceed MaxKeepaliveConnections, and removeFromPool is idempotent for
// a handle already evicted.
func TestKeepaliveCapEvictsExcessIdleConnections(t *testing.T) {
	var created []*fakeConnection
	factory := func(origin Origin) Connection {
		c := newFakeHTTP11(origin)
		created = append(created, c)
		return c
	}
	maxConn := 2
	maxKeepalive := 1
	p := New(Config{MaxConnections: &maxConn, MaxKeepaliveConnections: &maxKeepalive}, factory)

	first := URL{Scheme: "https", Host: "a.example.com", Port: 443, Path: "/"}
	second := URL{Scheme: "https", Host: "b.example.com", Port: 443, Path: "/"}

	resp1, err := p.Request(context.Background(), "GET", first, nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp1.Body.Close())

	resp2, err := p.Request(context.Background(), "GET", second, nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp2.Body.Close())

	info := p.GetConnectionInfo()
	total := 0
	for _, v := range info {
		total += len(v)
	}
	assert.Equal(t, 1, total, "only one idle connection should survive the keepalive cap")

	// calling removeFromPool a second time on the same handle must be
	// a no-op rather than double-releasing the semaphore.
	require.Len(t, created, 2)
	assert.True(t, created[1].closed, "the second connection exceeds the keepalive cap")
	p.removeFromPool(created[1])
	assert.Len(t, p.allConnections(), 1)
}

// P6: a connection that signals ErrNewConnectionRequired is discarded
// and the pool transparently retries with a fresh handle.
func TestNewConnectionRequiredTriggersRetry(t *testing.T) {
	attempt := 0
	factory := func(origin Origin) Connection {
		attempt++
		c := newFakeHTTP11(origin)
		if attempt == 1 {
			c.requestErr = ErrNewConnectionRequired
		}
		return c
	}

	p := New(Config{}, factory)
	resp, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 2, attempt)
}

// P7: a request-level error removes the connection from the pool.
func TestRequestErrorRemovesConnection(t *testing.T) {
	factory := func(origin Origin) Connection {
		c := newFakeHTTP11(origin)
		c.requestErr = assert.AnError
		return c
	}

	p := New(Config{}, factory)
	_, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.Error(t, err)

	info := p.GetConnectionInfo()
	assert.Empty(t, info)
}

func TestRequestRejectsUnsupportedScheme(t *testing.T) {
	p := New(Config{}, func(origin Origin) Connection { return newFakeHTTP11(origin) })
	url := URL{Scheme: "ftp", Host: "example.com", Path: "/"}
	_, err := p.Request(context.Background(), "GET", url, nil, nil, Ext{})
	require.Error(t, err)
}

func TestRequestRejectsMissingHost(t *testing.T) {
	p := New(Config{}, func(origin Origin) Connection { return newFakeHTTP11(origin) })
	url := URL{Scheme: "https", Path: "/"}
	_, err := p.Request(context.Background(), "GET", url, nil, nil, Ext{})
	require.Error(t, err)
}

// Close removes every connection from the pool, then closes each one,
// aggregating any close errors rather than stopping at the first.
func TestCloseClosesAllConnections(t *testing.T) {
	var mu sync.Mutex
	var created []*fakeConnection
	factory := func(origin Origin) Connection {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeHTTP11(origin)
		created = append(created, c)
		return c
	}

	p := New(Config{}, factory)

	first := URL{Scheme: "https", Host: "a.example.com", Port: 443, Path: "/"}
	second := URL{Scheme: "https", Host: "b.example.com", Port: 443, Path: "/"}

	resp1, err := p.Request(context.Background(), "GET", first, nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp1.Body.Close())

	resp2, err := p.Request(context.Background(), "GET", second, nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp2.Body.Close())

	require.NoError(t, p.Close())

	mu.Lock()
	defer mu.Unlock()
	for _, c := range created {
		assert.True(t, c.closed)
	}
	assert.Empty(t, p.GetConnectionInfo())
}

// The dead-peer eviction path: an idle connection whose socket has gone
// readable (peer closed it) is dropped rather than reused.
func TestDeadIdleConnectionIsEvicted(t *testing.T) {
	var mu sync.Mutex
	var created []*fakeConnection
	factory := func(origin Origin) Connection {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeHTTP11(origin)
		created = append(created, c)
		return c
	}

	p := New(Config{}, factory)

	resp1, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp1.Body.Close())

	mu.Lock()
	created[0].readable = true
	mu.Unlock()

	resp2, err := p.Request(context.Background(), "GET", testURL(), nil, nil, Ext{})
	require.NoError(t, err)
	require.NoError(t, resp2.Body.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, created, 2, "a dead idle connection must not be reused")
	assert.True(t, created[0].closed)
}
