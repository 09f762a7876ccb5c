package httpcache

import (
	"bytes"
	"net/http"
)

// responseRecorder is an http.ResponseWriter that buffers everything
// written to it instead of sending it anywhere, so the middleware can
// inspect a next handler's response before deciding whether (and in what
// form) to forward it to the real client. Grounded on the teacher's
// response-saver.go/tee.go ResponseSaver, adapted to buffer fully rather
// than tee live to an underlying writer: every decision branch here
// (stale-on-error, 304 merge, normal store) needs to see the complete
// response before choosing what the client actually receives.
type responseRecorder struct {
	header       http.Header
	body         bytes.Buffer
	status       int
	wroteHeaders bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: http.Header{}}
}

func (rec *responseRecorder) Header() http.Header { return rec.header }

func (rec *responseRecorder) WriteHeader(status int) {
	if rec.wroteHeaders {
		return
	}
	rec.wroteHeaders = true
	rec.status = status
}

func (rec *responseRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeaders {
		rec.WriteHeader(http.StatusOK)
	}
	return rec.body.Write(b)
}

// result builds an *http.Response from everything recorded so far.
func (rec *responseRecorder) result() *http.Response {
	if !rec.wroteHeaders {
		rec.WriteHeader(http.StatusOK)
	}
	body := rec.body.Bytes()
	return &http.Response{
		StatusCode:    rec.status,
		Status:        http.StatusText(rec.status),
		Header:        rec.header.Clone(),
		Body:          newRewindableBody(body),
		ContentLength: int64(len(body)),
	}
}

// writeResponse copies a response's status, headers, and body to a real
// http.ResponseWriter, and rewinds the response's body afterwards so it
// can still be read again.
func writeResponse(w http.ResponseWriter, res *http.Response) {
	dst := w.Header()
	for name, values := range res.Header {
		dst[name] = values
	}
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		buf, _ := materializeBody(res)
		w.Write(buf)
		resetBody(res)
	}
}
