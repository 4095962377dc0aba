package service

import (
	"github.com/getyourguide/onfinished-go/filter"
	"github.com/getyourguide/onfinished-go/finished"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

type Option interface {
	apply(c *ExtProcessor)
}

type optionFunc func(*ExtProcessor)

func (o optionFunc) apply(f *ExtProcessor) {
	o(f)
}

// WithLogger configures the service with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.log = log
	})
}

func WithFilters(filters ...filter.Filter) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.filters = filters
	})
}

// WithStreamCallbacks registers callbacks notified once per finished stream.
func WithStreamCallbacks(callbacks ...filter.Stream) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.streamCallbacks = append(svc.streamCallbacks, callbacks...)
	})
}

func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.tracer = tracer
	})
}

// WithObserver sets the observer streams are registered with. It defaults to
// finished.Default().
func WithObserver(o *finished.Observer) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.observer = o
	})
}
