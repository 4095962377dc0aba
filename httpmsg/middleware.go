package httpmsg

import (
	"context"
	"net/http"

	"github.com/getyourguide/onfinished-go/finished"
	"github.com/go-logr/logr"
	"github.com/trickstertwo/xclock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TraceRequestOperationName = "http.request"

type Option interface {
	apply(m *Middleware)
}

type optionFunc func(*Middleware)

func (o optionFunc) apply(m *Middleware) {
	o(m)
}

// WithLogger configures the middleware with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(m *Middleware) {
		m.log = log
	})
}

func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(m *Middleware) {
		m.tracer = tracer
	})
}

func WithClock(clock xclock.Clock) Option {
	return optionFunc(func(m *Middleware) {
		m.clock = clock
	})
}

// WithObserver sets the observer listeners are registered with, by default
// finished.Default().
func WithObserver(o *finished.Observer) Option {
	return optionFunc(func(m *Middleware) {
		m.observer = o
	})
}

// WithMaxListeners sets the per event listener count above which the
// request and response emitters log a possible leak.
func WithMaxListeners(n int) Option {
	return optionFunc(func(m *Middleware) {
		m.maxListeners = n
	})
}

// Middleware exposes every request and response it serves as finished
// messages. The request span ends when the response finishes.
type Middleware struct {
	next     http.Handler
	log      logr.Logger
	tracer   trace.Tracer
	clock    xclock.Clock
	observer *finished.Observer

	maxListeners int
}

var _ http.Handler = &Middleware{}

func Handler(next http.Handler, options ...Option) *Middleware {
	m := &Middleware{
		next: next,
		log:  logr.Discard(),
	}
	for _, opt := range options {
		opt.apply(m)
	}
	if m.tracer == nil {
		m.tracer = noop.NewTracerProvider().Tracer(TraceRequestOperationName)
	}
	if m.clock == nil {
		m.clock = xclock.Default()
	}
	if m.observer == nil {
		m.observer = finished.Default()
	}
	return m
}

func (m *Middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := m.clock.Now()
	ctx, span := m.tracer.Start(r.Context(), TraceRequestOperationName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
		),
	)

	r = r.WithContext(ctx)
	req := NewRequest(r)
	res := NewResponse(w, req)
	for _, e := range []interface {
		SetLogger(logr.Logger)
		SetMaxListeners(int)
	}{req, res} {
		e.SetLogger(m.log)
		e.SetMaxListeners(m.maxListeners)
	}

	socket := NewContextSocket(ctx)
	req.AttachSocket(socket)
	if conn, ok := ConnFromContext(ctx); ok {
		res.AttachSocket(conn)
	} else {
		res.AttachSocket(socket)
	}

	ctx = context.WithValue(ctx, requestKey{}, req)
	ctx = context.WithValue(ctx, responseKey{}, res)
	r = r.WithContext(ctx)
	req.r = r

	log := m.log.WithValues("method", r.Method, "path", r.URL.Path)
	m.observer.Register(res, func(err error, _ finished.Message) {
		status := res.Status()
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			log.Error(err, "response failed", "status", status, "duration", m.clock.Since(start))
			return
		}
		log.V(1).Info("response finished", "status", status, "bytes", res.BytesWritten(), "duration", m.clock.Since(start))
	})

	defer res.End()
	m.next.ServeHTTP(res, r)
}

type requestKey struct{}

type responseKey struct{}

// RequestFromContext returns the request stored by the Middleware.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestKey{}).(*Request)
	return req, ok && req != nil
}

// ResponseFromContext returns the response stored by the Middleware.
func ResponseFromContext(ctx context.Context) (*Response, bool) {
	res, ok := ctx.Value(responseKey{}).(*Response)
	return res, ok && res != nil
}
