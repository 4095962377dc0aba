package finished

import "errors"

var (
	// ErrInvalidListener is the panic value for a nil listener.
	ErrInvalidListener = errors.New("finished: listener must be a function")

	// ErrPrematureClose is reported by stream helpers when a stream is torn down
	// before it signalled its own end. Listeners receive nil instead.
	ErrPrematureClose = errors.New("finished: premature close")
)

// errorOf normalizes an event payload into the error handed to listeners.
func errorOf(arg any) error {
	err, ok := arg.(error)
	if !ok || err == nil {
		return nil
	}
	if errors.Is(err, ErrPrematureClose) {
		return nil
	}
	return err
}
