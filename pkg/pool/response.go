package pool

import (
	"io"
	"sync"

	"github.com/valyala/bytebufferpool"
)

// responseBody wraps the body stream returned by Connection.Request so
// that closing it - however the caller gets there, full read or early
// abandon - notifies the pool exactly once via the callback. This is the
// Go rendering of the spec's "scoped-lifetime wrapper" re-architecture:
// a defer-safe io.ReadCloser rather than a callback bolted onto a
// generator's close method.
type responseBody struct {
	inner      io.ReadCloser
	connection Connection
	onClose    func(Connection)

	once sync.Once
}

func newResponseBody(inner io.ReadCloser, connection Connection, onClose func(Connection)) io.ReadCloser {
	return &responseBody{inner: inner, connection: connection, onClose: onClose}
}

func (r *responseBody) Read(p []byte) (int, error) {
	return r.inner.Read(p)
}

func (r *responseBody) Close() error {
	var err error
	r.once.Do(func() {
		err = r.inner.Close()
		r.onClose(r.connection)
	})
	return err
}

// drain reads a response body to completion and discards the bytes,
// without closing it, using a pooled scratch buffer.
func drain(body io.Reader) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.Reset()
	scratch := buf.B[:cap(buf.B)]
	if len(scratch) == 0 {
		scratch = make([]byte, 4096)
	}
	_, err := io.CopyBuffer(io.Discard, body, scratch)
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}
