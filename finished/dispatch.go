package finished

import "fmt"

// dispatcher is the live registration of one message: the queued listeners and
// the subscriptions that will trigger them. All fields are guarded by the
// message's Attachment mutex.
type dispatcher struct {
	observer *Observer
	msg      Message
	att      *Attachment

	queue       []Listener
	offs        []func()
	offSocket   func()
	wired       bool
	socketWired bool
	fired       bool
}

func newDispatcher(o *Observer, msg Message) *dispatcher {
	return &dispatcher{
		observer: o,
		msg:      msg,
		att:      msg.attachment(),
	}
}

// wire subscribes to the message and, when present, its socket.
// Must be called with the attachment lock held.
func (d *dispatcher) wire() {
	d.wired = true
	d.offs = append(d.offs,
		d.msg.On(EventEnd, func(any) { d.fire(nil, EventEnd) }),
		d.msg.On(EventFinish, func(any) { d.fire(nil, EventFinish) }),
	)

	if socket := d.msg.Socket(); socket != nil {
		d.wireSocket(socket)
		return
	}

	d.observer.log.V(1).Info("waiting for socket", "message", fmt.Sprintf("%T", d.msg))
	d.offSocket = d.msg.On(EventSocket, d.onSocket)
	d.offs = append(d.offs, d.offSocket)
}

// Must be called with the attachment lock held.
func (d *dispatcher) wireSocket(socket Socket) {
	d.socketWired = true
	d.offs = append(d.offs,
		socket.On(EventError, func(arg any) { d.fire(errorOf(arg), EventError) }),
		socket.On(EventClose, func(arg any) { d.fire(errorOf(arg), EventClose) }),
	)
}

func (d *dispatcher) onSocket(arg any) {
	d.att.mu.Lock()
	if d.offSocket != nil {
		d.offSocket()
		d.offSocket = nil
	}
	if d.fired || d.socketWired {
		d.att.mu.Unlock()
		return
	}
	socket, ok := arg.(Socket)
	if !ok || socket == nil {
		socket = d.msg.Socket()
	}
	if socket == nil {
		d.att.mu.Unlock()
		d.observer.log.V(1).Info("socket event without a socket", "message", fmt.Sprintf("%T", d.msg))
		return
	}
	d.wireSocket(socket)
	d.att.mu.Unlock()

	d.recheck()
}

// recheck fires when the message finished while subscriptions were installed.
func (d *dispatcher) recheck() {
	if IsFinished(d.msg).Finished() {
		d.fire(nil, "classifier")
	}
}

// fire runs the queued listeners exactly once and removes every subscription.
func (d *dispatcher) fire(err error, event string) {
	a := d.att
	a.mu.Lock()
	if d.fired {
		a.mu.Unlock()
		return
	}
	d.fired = true
	a.ended = true
	if a.current == d {
		a.current = nil
	}
	offs, queue := d.offs, d.queue
	d.offs, d.queue, d.offSocket = nil, nil, nil
	a.mu.Unlock()

	for _, off := range offs {
		off()
	}

	log := d.observer.log.V(1)
	if err != nil {
		log = log.WithValues("error", err.Error())
	}
	log.Info("message finished", "message", fmt.Sprintf("%T", d.msg), "event", event, "listeners", len(queue))

	for _, listener := range queue {
		listener(err, d.msg)
	}
}
