package httpcache

import (
	"bytes"
	"io"
	"net/http"
)

// rewindableBody wraps a fixed byte slice as an io.ReadCloser that can be
// rewound to offset zero. Stored entries must be able to supply their body
// more than once; this is the concrete mechanism.
type rewindableBody struct {
	buf *bytes.Reader
}

func newRewindableBody(b []byte) *rewindableBody {
	return &rewindableBody{buf: bytes.NewReader(b)}
}

func (b *rewindableBody) Read(p []byte) (int, error) { return b.buf.Read(p) }
func (b *rewindableBody) Close() error                { return nil }

// rewind resets the read position to the beginning.
func (b *rewindableBody) rewind() {
	b.buf.Seek(0, io.SeekStart)
}

// bytes returns the full underlying byte slice, regardless of current
// read position.
func (b *rewindableBody) bytes() []byte {
	all := make([]byte, b.buf.Size())
	b.buf.ReadAt(all, 0)
	return all
}

// materializeBody drains res's body into a rewindable buffer and replaces it,
// so the response can be read again later (e.g. once to write to the
// client, once to persist to the store). If the body is already backed by
// a rewindableBody, it is rewound and a copy of its bytes is returned
// instead of draining and replacing it.
func materializeBody(res *http.Response) ([]byte, error) {
	if res.Body == nil {
		return nil, nil
	}
	if rb, ok := res.Body.(*rewindableBody); ok {
		rb.rewind()
		return rb.bytes(), nil
	}
	b, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = newRewindableBody(b)
	return b, nil
}

// resetBody rewinds a response's body to offset zero if it is one of our
// rewindable bodies, so the next reader sees the full content. It is a
// no-op for any other body implementation.
func resetBody(res *http.Response) {
	if res == nil || res.Body == nil {
		return
	}
	if rb, ok := res.Body.(*rewindableBody); ok {
		rb.rewind()
	}
}
