package poolconn

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"connpool/pkg/pool"
)

func testOrigin(t *testing.T, srv *httptest.Server) pool.Origin {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return pool.Origin{Scheme: "http", Host: u.Hostname(), Port: uint16(port)}
}

func TestRequestHTTP11RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	factory := NewFactory(Config{HTTP1: true, HTTP2: false, DialTimeout: time.Second})
	origin := testOrigin(t, srv)
	conn := factory.New()(origin)

	resp, err := conn.Request(context.Background(), "GET", pool.URL{Scheme: "http", Host: origin.Host, Port: origin.Port, Path: "/"}, nil, nil, pool.Ext{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	found := false
	for _, h := range resp.Headers {
		if strings.EqualFold(h.Name, "X-Test") && h.Value == "yes" {
			found = true
		}
	}
	assert.True(t, found, "expected X-Test header to round trip")

	assert.True(t, conn.IsHTTP11())
	assert.False(t, conn.IsHTTP2())
}

func TestRequestReusesUnderlyingSocket(t *testing.T) {
	var requestCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	factory := NewFactory(Config{HTTP1: true, DialTimeout: time.Second})
	origin := testOrigin(t, srv)
	conn := factory.New()(origin)

	for i := 0; i < 3; i++ {
		resp, err := conn.Request(context.Background(), "GET", pool.URL{Scheme: "http", Host: origin.Host, Port: origin.Port, Path: "/"}, nil, nil, pool.Ext{})
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	assert.Equal(t, 3, requestCount)
}

func TestConnectionClosesOnConnectionCloseHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	factory := NewFactory(Config{HTTP1: true, DialTimeout: time.Second})
	origin := testOrigin(t, srv)
	conn := factory.New()(origin)

	resp, err := conn.Request(context.Background(), "GET", pool.URL{Scheme: "http", Host: origin.Host, Port: origin.Port, Path: "/"}, nil, nil, pool.Ext{})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	assert.Equal(t, pool.StateClosed, conn.State())
}

func TestDialFailureReturnsWrappedError(t *testing.T) {
	factory := NewFactory(Config{HTTP1: true, DialTimeout: 50 * time.Millisecond, Retries: 1})
	origin := pool.Origin{Scheme: "http", Host: "127.0.0.1", Port: 1}
	conn := factory.New()(origin)

	_, err := conn.Request(context.Background(), "GET", pool.URL{Scheme: "http", Host: origin.Host, Port: origin.Port, Path: "/"}, nil, nil, pool.Ext{})
	require.Error(t, err)
}

func TestInfoReportsProtocolAndRequestCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	factory := NewFactory(Config{HTTP1: true, DialTimeout: time.Second})
	origin := testOrigin(t, srv)
	conn := factory.New()(origin)

	resp, err := conn.Request(context.Background(), "GET", pool.URL{Scheme: "http", Host: origin.Host, Port: origin.Port, Path: "/"}, nil, nil, pool.Ext{})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	info := conn.Info()
	assert.Contains(t, info, "http/1.1")
	assert.Contains(t, info, "requests=1")
}

func TestUnwrapReturnsRawSocketForPackageConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	factory := NewFactory(Config{HTTP1: true, DialTimeout: time.Second})
	origin := testOrigin(t, srv)
	conn := factory.New()(origin)

	_, err := conn.Request(context.Background(), "GET", pool.URL{Scheme: "http", Host: origin.Host, Port: origin.Port, Path: "/"}, nil, nil, pool.Ext{})
	require.NoError(t, err)

	raw, ok := Unwrap(conn)
	assert.True(t, ok)
	assert.NotNil(t, raw)
}

func TestUnwrapRejectsForeignConnections(t *testing.T) {
	_, ok := Unwrap(fakeConnection{})
	assert.False(t, ok)
}

type fakeConnection struct{}

func (fakeConnection) Origin() pool.Origin                 { return pool.Origin{} }
func (fakeConnection) State() pool.State                   { return pool.StateIdle }
func (fakeConnection) IsHTTP11() bool                       { return true }
func (fakeConnection) IsHTTP2() bool                        { return false }
func (fakeConnection) ExpiresAt() *float64                  { return nil }
func (fakeConnection) SetExpiresAt(at *float64)             {}
func (fakeConnection) IsSocketReadable() bool               { return false }
func (fakeConnection) MarkAsReady()                         {}
func (fakeConnection) Close() error                         { return nil }
func (fakeConnection) Info() string                         { return "" }
func (fakeConnection) Request(ctx context.Context, method string, url pool.URL, headers []pool.Header, body io.Reader, ext pool.Ext) (*pool.Response, error) {
	return nil, nil
}
func (fakeConnection) StartTLS(ctx context.Context, host string, timeout *time.Duration) error {
	return nil
}
