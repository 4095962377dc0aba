package finished

// State is the answer of IsFinished.
type State int

const (
	// StateUnknown is returned for messages that are neither Outgoing nor Incoming.
	StateUnknown State = iota
	StateNotFinished
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateNotFinished:
		return "not finished"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Known reports whether the classifier could decide.
func (s State) Known() bool {
	return s != StateUnknown
}

// Finished reports whether the state is definitely finished.
func (s State) Finished() bool {
	return s == StateFinished
}

// IsFinished reports whether msg has already reached a terminal state.
// Outgoing messages are finished once fully written or once their socket stops
// being writable. Incoming messages are finished once upgraded, without a
// socket, with an unreadable socket, or once the body was completely consumed.
// Any other message yields StateUnknown.
func IsFinished(msg Message) State {
	switch KindOf(msg) {
	case KindOutgoing:
		out := msg.(Outgoing)
		if out.WritableEnded() {
			return StateFinished
		}
		if socket := out.Socket(); socket != nil && !socket.Writable() {
			return StateFinished
		}
		return StateNotFinished
	case KindIncoming:
		in := msg.(Incoming)
		socket := in.Socket()
		switch {
		case in.Upgraded(), socket == nil, !socket.Readable():
			return StateFinished
		case in.Complete() && !in.Readable():
			return StateFinished
		}
		return StateNotFinished
	}
	return StateUnknown
}
