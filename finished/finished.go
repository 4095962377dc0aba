package finished

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

// Listener is called once with the outcome of a message. err is nil when the
// message completed cleanly.
type Listener func(err error, msg Message)

// Observer registers listeners on messages. Its options control logging and
// how already finished messages are notified.
type Observer struct {
	log       logr.Logger
	scheduler Scheduler
}

var (
	defaultObserver   *Observer
	defaultObserverMu sync.Mutex
)

func New(options ...Option) *Observer {
	o := &Observer{
		log: logr.Discard(),
	}
	for _, opt := range options {
		opt.apply(o)
	}
	if o.scheduler == nil {
		o.scheduler = GoScheduler
	}
	return o
}

// Default returns the process-wide Observer used by the package functions.
func Default() *Observer {
	defaultObserverMu.Lock()
	defer defaultObserverMu.Unlock()
	if defaultObserver == nil {
		defaultObserver = New()
	}
	return defaultObserver
}

// SetDefault replaces the process-wide Observer.
func SetDefault(o *Observer) {
	if o == nil {
		panic("finished: SetDefault called with nil Observer")
	}
	defaultObserverMu.Lock()
	defaultObserver = o
	defaultObserverMu.Unlock()
}

// OnFinished calls listener once msg finishes, using the default Observer.
// If msg is already finished the listener still runs asynchronously, after
// OnFinished returned. msg is returned for chaining.
func OnFinished[M Message](msg M, listener func(err error, msg M)) M {
	if listener == nil {
		panic(ErrInvalidListener)
	}
	Default().Register(msg, func(err error, _ Message) {
		listener(err, msg)
	})
	return msg
}

// Register calls listener once msg finishes and returns msg.
// Registering many listeners on the same message shares one set of
// subscriptions. A nil listener panics with ErrInvalidListener.
func (o *Observer) Register(msg Message, listener Listener) Message {
	if listener == nil {
		panic(ErrInvalidListener)
	}

	if IsFinished(msg).Finished() {
		o.deferListener(msg, listener)
		return msg
	}

	a := msg.attachment()
	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		o.deferListener(msg, listener)
		return msg
	}
	d := a.current
	if d == nil {
		d = newDispatcher(o, msg)
		a.current = d
	}
	d.queue = append(d.queue, listener)
	first := !d.wired
	if first {
		d.wire()
	}
	a.mu.Unlock()

	if first {
		// the terminal event may have been emitted before the subscriptions existed
		d.recheck()
	}
	return msg
}

func (o *Observer) deferListener(msg Message, listener Listener) {
	o.scheduler.Defer(func() {
		listener(nil, msg)
	})
}

// Done returns a channel receiving the outcome of msg once it finishes.
func Done(msg Message) <-chan error {
	ch := make(chan error, 1)
	Default().Register(msg, func(err error, _ Message) {
		ch <- err
	})
	return ch
}

// Wait blocks until msg finishes or ctx is done.
func Wait(ctx context.Context, msg Message) error {
	select {
	case err := <-Done(msg):
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for %T: %w", msg, ctx.Err())
	}
}
