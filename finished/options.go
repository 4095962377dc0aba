package finished

import (
	"github.com/go-logr/logr"
)

type Option interface {
	apply(o *Observer)
}

type optionFunc func(*Observer)

func (f optionFunc) apply(o *Observer) {
	f(o)
}

// WithLogger configures the observer with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(o *Observer) {
		o.log = log
	})
}

// WithScheduler sets how listeners of already finished messages are deferred.
func WithScheduler(s Scheduler) Option {
	return optionFunc(func(o *Observer) {
		o.scheduler = s
	})
}

// Scheduler runs fn later, never before Defer returns.
type Scheduler interface {
	Defer(fn func())
}

// SchedulerFunc is an adapter to use ordinary functions as a Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Defer(fn func()) {
	f(fn)
}

// GoScheduler runs every deferred function on its own goroutine.
var GoScheduler Scheduler = SchedulerFunc(func(fn func()) {
	go fn()
})
