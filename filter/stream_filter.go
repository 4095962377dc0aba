package filter

type Stream interface {
	// OnStreamComplete runs exactly once when a stream ends, which can happen at any point in the protocol lifecycle
	// (e.g due to an ImmediateResponse being returned or Envoy resetting the stream). err is nil when the stream ended
	// cleanly.
	OnStreamComplete(req *RequestContext, err error)
}
