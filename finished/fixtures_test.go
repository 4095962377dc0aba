package finished_test

import (
	"sync"
	"testing"

	"github.com/getyourguide/onfinished-go/events"
	"github.com/getyourguide/onfinished-go/finished"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type socket struct {
	events.Emitter
	mu       sync.Mutex
	readable bool
	writable bool
}

func newSocket() *socket {
	return &socket{readable: true, writable: true}
}

func (s *socket) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readable
}

func (s *socket) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writable
}

func (s *socket) setWritable(v bool) {
	s.mu.Lock()
	s.writable = v
	s.mu.Unlock()
}

func (s *socket) setReadable(v bool) {
	s.mu.Lock()
	s.readable = v
	s.mu.Unlock()
}

// thingie is a message of unknown kind, like a bare stream.
type thingie struct {
	finished.Attachment
	events.Emitter
	mu     sync.Mutex
	socket *socket
}

func newThingie() *thingie {
	return &thingie{socket: newSocket()}
}

func (t *thingie) Socket() finished.Socket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.socket == nil {
		return nil
	}
	return t.socket
}

func (t *thingie) attach(s *socket) {
	t.mu.Lock()
	t.socket = s
	t.mu.Unlock()
	t.Emit(finished.EventSocket, s)
}

type response struct {
	thingie
	ended bool
}

func newResponse() *response {
	return &response{thingie: thingie{socket: newSocket()}}
}

func (r *response) WritableEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *response) end() {
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	r.Emit(finished.EventFinish, nil)
}

type request struct {
	thingie
	complete bool
	readable bool
	upgraded bool
}

func newRequest() *request {
	return &request{thingie: thingie{socket: newSocket()}, readable: true}
}

func (r *request) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

func (r *request) Readable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readable
}

func (r *request) Upgraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upgraded
}

var (
	_ finished.Message  = &thingie{}
	_ finished.Outgoing = &response{}
	_ finished.Incoming = &request{}
)

// manualScheduler queues deferred functions until run is called.
type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (s *manualScheduler) Defer(fn func()) {
	s.mu.Lock()
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

func (s *manualScheduler) run() int {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

type call struct {
	err error
	msg finished.Message
}

// recorder collects listener invocations.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) listener(err error, msg finished.Message) {
	r.mu.Lock()
	r.calls = append(r.calls, call{err: err, msg: msg})
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) last() call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}
