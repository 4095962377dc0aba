package filter

import (
	"cmp"
	"net/http"
	"strconv"
	"sync"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
)

// RequestPhase represents the different phases of the request
type RequestPhase string

const (
	RequestPhaseUnknown          RequestPhase = "RequestPhaseUnknown"
	RequestPhaseRequestHeaders   RequestPhase = "RequestPhaseRequestHeaders"
	RequestPhaseRequestBody      RequestPhase = "RequestPhaseRequestBody"
	RequestPhaseRequestTrailers  RequestPhase = "RequestPhaseRequestTrailers"
	RequestPhaseResponseHeaders  RequestPhase = "RequestPhaseResponseHeaders"
	RequestPhaseResponseBody     RequestPhase = "RequestPhaseResponseBody"
	RequestPhaseResponseTrailers RequestPhase = "RequestPhaseResponseTrailers"
)

// RequestContext accumulates what Envoy sent on one ext_proc stream: the
// request and response headers, the phase reached and filter metadata.
// It belongs to the goroutine serving the stream; stream callbacks receive it
// after that goroutine stopped using it.
type RequestContext struct {
	RequestHeaders  http.Header
	ResponseHeaders http.Header

	phase     RequestPhase
	metadata  *Metadata
	startTime time.Time
}

func NewRequestContext() *RequestContext {
	return &RequestContext{
		RequestHeaders:  make(http.Header),
		ResponseHeaders: make(http.Header),
		phase:           RequestPhaseUnknown,
		metadata:        &Metadata{},
		startTime:       time.Now(),
	}
}

// RequestHeader gets the first value associated with the given key.
// It is case insensitive.
func (r *RequestContext) RequestHeader(key string) string {
	return r.RequestHeaders.Get(key)
}

// ResponseHeader gets the first value associated with the given key.
// It is case insensitive.
func (r *RequestContext) ResponseHeader(key string) string {
	return r.ResponseHeaders.Get(key)
}

// Method returns the method of the request (GET, POST, PUT, etc)
func (r *RequestContext) Method() string {
	return r.RequestHeader(":method")
}

// Path returns the path of the request including the query
func (r *RequestContext) Path() string {
	return r.RequestHeader(":path")
}

// Authority returns the authority of the request
func (r *RequestContext) Authority() string {
	return cmp.Or(r.RequestHeader(":authority"), r.RequestHeader("host"))
}

// RequestID returns the request ID of the request
func (r *RequestContext) RequestID() string {
	return r.RequestHeader("x-request-id")
}

// Status returns the status of the response, zero before response headers
func (r *RequestContext) Status() int {
	status, _ := strconv.Atoi(r.ResponseHeader(":status"))
	return status
}

// RequestPhase returns the last phase seen on the stream
func (r *RequestContext) RequestPhase() RequestPhase {
	return r.phase
}

// Metadata returns the metadata of the request, it can be used to exchange information between the different filters
func (r *RequestContext) Metadata() *Metadata {
	if r.metadata == nil {
		r.metadata = &Metadata{}
	}
	return r.metadata
}

// RequestDuration returns the time since the stream started
func (r *RequestContext) RequestDuration() time.Duration {
	if r.startTime.IsZero() {
		return 0
	}
	return time.Since(r.startTime)
}

// Process records the given ext_proc request on the context.
func (r *RequestContext) Process(procreq *extproc.ProcessingRequest) {
	if r.RequestHeaders == nil {
		r.RequestHeaders = make(http.Header)
	}
	if r.ResponseHeaders == nil {
		r.ResponseHeaders = make(http.Header)
	}
	switch msg := procreq.GetRequest().(type) {
	case *extproc.ProcessingRequest_RequestHeaders:
		r.phase = RequestPhaseRequestHeaders
		addHeaders(r.RequestHeaders, msg.RequestHeaders.GetHeaders())
	case *extproc.ProcessingRequest_RequestBody:
		r.phase = RequestPhaseRequestBody
	case *extproc.ProcessingRequest_RequestTrailers:
		r.phase = RequestPhaseRequestTrailers
	case *extproc.ProcessingRequest_ResponseHeaders:
		r.phase = RequestPhaseResponseHeaders
		addHeaders(r.ResponseHeaders, msg.ResponseHeaders.GetHeaders())
	case *extproc.ProcessingRequest_ResponseBody:
		r.phase = RequestPhaseResponseBody
	case *extproc.ProcessingRequest_ResponseTrailers:
		r.phase = RequestPhaseResponseTrailers
	}
}

func addHeaders(dst http.Header, headers *corev3.HeaderMap) {
	for _, header := range headers.GetHeaders() {
		dst.Add(header.GetKey(), cmp.Or(string(header.GetRawValue()), header.GetValue()))
	}
}

type Metadata struct {
	mu sync.Mutex
	m  map[any]any
}

// Set sets the value associated with key in the metadata.
func (m *Metadata) Set(key any, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.m == nil {
		m.m = make(map[any]any)
	}
	m.m[key] = value
}

// Get returns the value associated with key in the metadata.
func (m *Metadata) Get(key any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[key]
}
