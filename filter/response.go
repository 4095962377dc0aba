package filter

import (
	"net/http"
	"slices"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/golang/protobuf/ptypes/wrappers"
)

// routerHeaders requires ClearRouteCache to be set to true
var routerHeaders = map[string]struct{}{
	"host":       {},
	":authority": {},
	":path":      {},
	":method":    {},
}

func headerValueOption(key, value string, action corev3.HeaderValueOption_HeaderAppendAction) *corev3.HeaderValueOption {
	opt := &corev3.HeaderValueOption{
		Header: &corev3.HeaderValue{
			Key:      key,
			RawValue: []byte(value),
		},
		AppendAction: action,
	}
	if action == corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD {
		// Envoy only appends when the deprecated append flag is set as well
		opt.Append = &wrappers.BoolValue{Value: true}
	}
	return opt
}

// CommonResponseWriter builds the extproc.CommonResponse of a headers phase
// and mirrors every mutation on the headers it was created with, so later
// filters and stream callbacks see the mutated view.
type CommonResponseWriter struct {
	commonResponse *extproc.CommonResponse
	headers        http.Header
}

func NewCommonResponseWriter(headers http.Header) *CommonResponseWriter {
	if headers == nil {
		headers = make(http.Header)
	}
	return &CommonResponseWriter{
		commonResponse: &extproc.CommonResponse{
			HeaderMutation: &extproc.HeaderMutation{},
		},
		headers: headers,
	}
}

// SetHeader overwrites the header or adds it when missing.
func (crw *CommonResponseWriter) SetHeader(key, value string) *CommonResponseWriter {
	crw.headers.Set(key, value)
	return crw.mutate(key, value, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD)
}

// AppendHeader appends a value to the header or adds it when missing.
func (crw *CommonResponseWriter) AppendHeader(key, value string) *CommonResponseWriter {
	crw.headers.Add(key, value)
	return crw.mutate(key, value, corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD)
}

func (crw *CommonResponseWriter) mutate(key, value string, action corev3.HeaderValueOption_HeaderAppendAction) *CommonResponseWriter {
	mutation := crw.commonResponse.HeaderMutation
	mutation.SetHeaders = append(mutation.SetHeaders, headerValueOption(key, value, action))
	if _, ok := routerHeaders[key]; ok {
		crw.commonResponse.ClearRouteCache = true
	}
	return crw
}

// RemoveHeaders removes these HTTP headers. Envoy ignores system headers.
func (crw *CommonResponseWriter) RemoveHeaders(headers ...string) *CommonResponseWriter {
	mutation := crw.commonResponse.HeaderMutation
	for _, h := range headers {
		if slices.Contains(mutation.RemoveHeaders, h) {
			continue
		}
		mutation.RemoveHeaders = append(mutation.RemoveHeaders, h)
		crw.headers.Del(h)
	}
	return crw
}

// CommonResponse returns the underlying extproc.CommonResponse
func (crw *CommonResponseWriter) CommonResponse() *extproc.CommonResponse {
	return crw.commonResponse
}

// ImmediateResponseWriter builds an extproc immediate response, which ends the
// stream and answers the client without reaching the upstream.
type ImmediateResponseWriter struct {
	immediateResponse *extproc.ProcessingResponse_ImmediateResponse
}

func NewImmediateResponseBuilder() *ImmediateResponseWriter {
	return &ImmediateResponseWriter{
		immediateResponse: &extproc.ProcessingResponse_ImmediateResponse{
			ImmediateResponse: &extproc.ImmediateResponse{
				Headers: &extproc.HeaderMutation{},
			},
		},
	}
}

func (irw *ImmediateResponseWriter) SetHeader(key, value string) *ImmediateResponseWriter {
	headers := irw.immediateResponse.ImmediateResponse.Headers
	headers.SetHeaders = append(headers.SetHeaders, headerValueOption(key, value, corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD))
	return irw
}

// HTTPStatus sets the HTTP status of the immediate response
func (irw *ImmediateResponseWriter) HTTPStatus(status int) *ImmediateResponseWriter {
	irw.immediateResponse.ImmediateResponse.Status = &typev3.HttpStatus{
		Code: typev3.StatusCode(status),
	}
	return irw
}

// Body sets the body of the immediate response
func (irw *ImmediateResponseWriter) Body(body []byte) *ImmediateResponseWriter {
	irw.immediateResponse.ImmediateResponse.Body = body
	return irw
}

// ImmediateResponse returns the underlying extproc.ProcessingResponse_ImmediateResponse
func (irw *ImmediateResponseWriter) ImmediateResponse() *extproc.ProcessingResponse_ImmediateResponse {
	return irw.immediateResponse
}
