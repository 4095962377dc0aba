package finished

import "sync"

// Event names observed on messages and sockets.
const (
	EventError  = "error"
	EventClose  = "close"
	EventEnd    = "end"
	EventFinish = "finish"
	EventSocket = "socket"
)

// Emitter is the subscription capability of messages and sockets.
// On registers fn for event and returns a function removing it again. Calling
// the returned function more than once must be a no-op. On must not invoke fn
// before it returns, and the returned function must be callable from within a
// running handler.
type Emitter interface {
	On(event string, fn func(arg any)) (off func())
}

// Socket is the connection a message is carried on.
type Socket interface {
	Emitter
	Readable() bool
	Writable() bool
}

// Message is anything whose completion can be observed: an HTTP request or
// response, a gRPC stream, or any stream-like value.
// Implementations embed an Attachment, which holds the registration state for
// the message and is collected together with it.
type Message interface {
	Emitter
	// Socket returns the attached socket or nil when none is attached yet.
	Socket() Socket
	attachment() *Attachment
}

// Outgoing is a message written by this side of the connection (a response on
// a server, a request on a client).
type Outgoing interface {
	Message
	// WritableEnded reports whether the message has been fully written.
	WritableEnded() bool
}

// Incoming is a message read from the connection.
type Incoming interface {
	Message
	// Complete reports whether the whole body has been received.
	Complete() bool
	// Upgraded reports whether the connection was taken over by another protocol.
	Upgraded() bool
	// Readable reports whether the body can still be read.
	Readable() bool
}

// Attachment stores per-message registration state. Embed it by value in
// message types; the zero value is ready to use.
type Attachment struct {
	mu       sync.Mutex
	kindOnce sync.Once
	kind     Kind
	current  *dispatcher
	ended    bool
}

func (a *Attachment) attachment() *Attachment {
	return a
}

// Kind is the shape of a message as seen by the classifier.
type Kind int

const (
	KindUnknown Kind = iota
	KindOutgoing
	KindIncoming
)

func (k Kind) String() string {
	switch k {
	case KindOutgoing:
		return "outgoing"
	case KindIncoming:
		return "incoming"
	}
	return "unknown"
}

// KindOf returns the shape of msg. The result is computed once per message.
func KindOf(msg Message) Kind {
	a := msg.attachment()
	a.kindOnce.Do(func() {
		switch msg.(type) {
		case Outgoing:
			a.kind = KindOutgoing
		case Incoming:
			a.kind = KindIncoming
		default:
			a.kind = KindUnknown
		}
	})
	return a.kind
}
