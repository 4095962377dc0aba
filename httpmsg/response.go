package httpmsg

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/getyourguide/onfinished-go/events"
	"github.com/getyourguide/onfinished-go/finished"
)

var ErrResponseEnded = errors.New("httpmsg: write after end")

// Response is an outgoing HTTP response observable with the finished package.
// It implements http.ResponseWriter; End marks it as fully written and emits
// "finish".
type Response struct {
	finished.Attachment
	events.Emitter

	w   http.ResponseWriter
	req *Request

	mu      sync.Mutex
	socket  finished.Socket
	ended   bool
	status  int
	written int64
}

var (
	_ finished.Outgoing   = &Response{}
	_ http.ResponseWriter = &Response{}
	_ http.Flusher        = &Response{}
	_ http.Hijacker       = &Response{}
)

// NewResponse wraps w. req may be nil; when set, hijacking the connection marks
// it as upgraded.
func NewResponse(w http.ResponseWriter, req *Request) *Response {
	return &Response{w: w, req: req}
}

func (r *Response) Socket() finished.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socket
}

// AttachSocket sets the socket of the response and emits "socket".
func (r *Response) AttachSocket(s finished.Socket) {
	r.mu.Lock()
	r.socket = s
	r.mu.Unlock()
	r.Emit(finished.EventSocket, s)
}

func (r *Response) WritableEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// End marks the response as completely written. Calls after the first are
// no-ops.
func (r *Response) End() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.mu.Unlock()
	r.Emit(finished.EventFinish, nil)
}

// Status returns the status code sent, or zero before the header was written.
func (r *Response) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// BytesWritten returns the number of body bytes written.
func (r *Response) BytesWritten() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

func (r *Response) Header() http.Header {
	return r.w.Header()
}

func (r *Response) WriteHeader(status int) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	if r.status == 0 {
		r.status = status
	}
	r.mu.Unlock()
	r.w.WriteHeader(status)
}

func (r *Response) Write(p []byte) (int, error) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return 0, ErrResponseEnded
	}
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.mu.Unlock()

	n, err := r.w.Write(p)

	r.mu.Lock()
	r.written += int64(n)
	r.mu.Unlock()
	return n, err
}

func (r *Response) Flush() {
	if f, ok := r.w.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack takes over the connection. The request is marked as upgraded and the
// response ends.
func (r *Response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("Hijack: %T does not support hijacking", r.w)
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	r.mu.Unlock()
	if r.req != nil {
		r.req.markUpgraded()
	}
	r.End()
	return conn, rw, nil
}

// Unwrap returns the wrapped writer for http.ResponseController.
func (r *Response) Unwrap() http.ResponseWriter {
	return r.w
}
