package httpmsg

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/getyourguide/onfinished-go/events"
	"github.com/getyourguide/onfinished-go/finished"
)

// Conn is a net.Conn observable as a finished.Socket.
// A failed read or write emits "error". The connection emits "close" once,
// either when it is closed or when the peer closed its side: HTTP servers do
// not keep half-open connections.
type Conn struct {
	net.Conn
	events.Emitter

	mu       sync.Mutex
	readable bool
	writable bool
	closed   bool
}

var _ finished.Socket = &Conn{}

func NewConn(c net.Conn) *Conn {
	return &Conn{
		Conn:     c,
		readable: true,
		writable: true,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.ioFailed(err, true)
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.ioFailed(err, false)
	}
	return n, err
}

func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.markClosed()
	return err
}

// Readable reports whether the connection can still be read from.
func (c *Conn) Readable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readable
}

// Writable reports whether the connection can still be written to.
func (c *Conn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writable
}

func (c *Conn) ioFailed(err error, read bool) {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		// net/http interrupts background reads with past deadlines
		if read {
			return
		}
	case errors.Is(err, net.ErrClosed):
		return
	case errors.Is(err, io.EOF):
		c.markClosed()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if read {
		c.readable = false
	} else {
		c.writable = false
	}
	c.mu.Unlock()
	c.Emit(finished.EventError, err)
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readable = false
	c.writable = false
	c.mu.Unlock()
	c.Emit(finished.EventClose, nil)
}

// Listener hands out accepted connections as *Conn.
type Listener struct {
	net.Listener
}

func NewListener(l net.Listener) *Listener {
	return &Listener{Listener: l}
}

func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(c), nil
}

type connKey struct{}

// ConnContext stores c in ctx when it was accepted by a Listener.
// It is meant for http.Server.ConnContext.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if conn, ok := c.(*Conn); ok {
		return context.WithValue(ctx, connKey{}, conn)
	}
	return ctx
}

// ConnFromContext returns the connection stored by ConnContext.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	conn, ok := ctx.Value(connKey{}).(*Conn)
	return conn, ok && conn != nil
}

// ContextSocket is a socket whose lifetime is bound to a context, such as the
// context of an HTTP/2 stream or a gRPC stream. It closes when the context is
// done.
type ContextSocket struct {
	events.Emitter

	mu     sync.Mutex
	closed bool
	stop   func() bool
}

var _ finished.Socket = &ContextSocket{}

func NewContextSocket(ctx context.Context) *ContextSocket {
	s := &ContextSocket{}
	stop := context.AfterFunc(ctx, func() {
		s.Close() // nolint:errcheck
	})
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()
	return s
}

func (s *ContextSocket) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *ContextSocket) Writable() bool {
	return s.Readable()
}

// Close marks the socket closed and emits "close".
func (s *ContextSocket) Close() error {
	if s.shutdown() {
		s.Emit(finished.EventClose, nil)
	}
	return nil
}

// Fail marks the socket closed and emits "error" with err.
func (s *ContextSocket) Fail(err error) {
	if s.shutdown() {
		s.Emit(finished.EventError, err)
	}
}

func (s *ContextSocket) shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	if s.stop != nil {
		s.stop()
	}
	return true
}
