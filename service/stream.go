package service

import (
	"context"

	"github.com/getyourguide/onfinished-go/events"
	"github.com/getyourguide/onfinished-go/filter"
	"github.com/getyourguide/onfinished-go/finished"
	"github.com/getyourguide/onfinished-go/httpmsg"
)

// Stream is one ext_proc Process call observed as a finished.Message.
// It finishes cleanly once Envoy closes the stream and with an error once
// processing fails. Its socket closes when the context given to NewStream
// is done, so listeners run even if the stream is abandoned.
type Stream struct {
	finished.Attachment
	events.Emitter

	req    *filter.RequestContext
	socket *httpmsg.ContextSocket
}

var _ finished.Message = &Stream{}

func NewStream(ctx context.Context) *Stream {
	return &Stream{
		req:    filter.NewRequestContext(),
		socket: httpmsg.NewContextSocket(ctx),
	}
}

func (s *Stream) Socket() finished.Socket {
	return s.socket
}

// RequestContext returns what Envoy sent on the stream so far.
func (s *Stream) RequestContext() *filter.RequestContext {
	return s.req
}

func (s *Stream) finish(err error) {
	if err != nil {
		s.socket.Fail(err)
		return
	}
	s.Emit(finished.EventEnd, nil)
	s.socket.Close() // nolint:errcheck
}
