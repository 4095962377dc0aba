package httpmsg

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/getyourguide/onfinished-go/events"
	"github.com/getyourguide/onfinished-go/finished"
)

// Request is an incoming HTTP request observable with the finished package.
// It is complete once its body was read to the end and finished once the body
// is also closed, its socket closed, or the connection was upgraded.
type Request struct {
	finished.Attachment
	events.Emitter

	r *http.Request

	mu       sync.Mutex
	socket   finished.Socket
	complete bool
	readable bool
	upgraded bool
}

var _ finished.Incoming = &Request{}

// NewRequest wraps the body of r to track its consumption.
func NewRequest(r *http.Request) *Request {
	req := &Request{r: r, readable: true}
	if r.Body == nil || r.Body == http.NoBody {
		req.complete = true
		req.readable = false
		return req
	}
	r.Body = &body{ReadCloser: r.Body, req: req}
	return req
}

// HTTPRequest returns the wrapped request.
func (r *Request) HTTPRequest() *http.Request {
	return r.r
}

func (r *Request) Socket() finished.Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socket
}

// AttachSocket sets the socket of the request and emits "socket".
func (r *Request) AttachSocket(s finished.Socket) {
	r.mu.Lock()
	r.socket = s
	r.mu.Unlock()
	r.Emit(finished.EventSocket, s)
}

func (r *Request) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

func (r *Request) Readable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readable
}

func (r *Request) Upgraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgraded
}

func (r *Request) markComplete() {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	r.complete = true
	r.readable = false
	r.mu.Unlock()
	r.Emit(finished.EventEnd, nil)
}

func (r *Request) markUnreadable() {
	r.mu.Lock()
	r.readable = false
	r.mu.Unlock()
}

// an upgraded request has no body left for this protocol
func (r *Request) markUpgraded() {
	r.mu.Lock()
	r.upgraded = true
	r.readable = false
	r.mu.Unlock()
	r.Emit(finished.EventEnd, nil)
}

type body struct {
	io.ReadCloser
	req *Request
}

func (b *body) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if errors.Is(err, io.EOF) {
		b.req.markComplete()
	}
	return n, err
}

func (b *body) Close() error {
	b.req.markUnreadable()
	return b.ReadCloser.Close()
}
