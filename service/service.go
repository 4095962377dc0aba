package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/onfinished-go/filter"
	"github.com/getyourguide/onfinished-go/finished"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	grpcodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	TraceMessageOperationName = "grpc.message"
)

var (
	ProcessResourceName          = "Process"
	RequestHeadersResourceName   = "RequestHeaders"
	RequestBodyResourceName      = "RequestBody"
	RequestTrailersResourceName  = "RequestTrailers"
	ResponseHeadersResourceName  = "ResponseHeaders"
	ResponseBodyResourceName     = "ResponseBody"
	ResponseTrailersResourceName = "ResponseTrailers"
)

type ExtProcessor struct {
	filters         []filter.Filter
	streamCallbacks []filter.Stream
	log             logr.Logger
	tracer          trace.Tracer
	observer        *finished.Observer
}

var _ extproc.ExternalProcessorServer = &ExtProcessor{}

func New(options ...Option) *ExtProcessor {
	f := &ExtProcessor{
		log: logr.Discard(),
	}
	for _, opt := range options {
		opt.apply(f)
	}
	if f.tracer == nil {
		f.tracer = noop.NewTracerProvider().Tracer(TraceMessageOperationName)
	}
	if f.observer == nil {
		f.observer = finished.Default()
	}
	return f
}

// Process is the main entry point for the ExternalProcessor service.
// The protocol itself is based on a bidirectional gRPC stream. Envoy will send the server ProcessingRequest messages, and the server must reply with ProcessingResponse.
// https://www.envoyproxy.io/docs/envoy/latest/api-v3/extensions/filters/http/ext_proc/v3/ext_proc.proto#envoy-v3-api-msg-extensions-filters-http-ext-proc-v3-externalfilter
//
// Every call is observed as a Stream; stream callbacks and the Process span
// complete through the observer once the stream finished.
func (svc *ExtProcessor) Process(procsrv extproc.ExternalProcessor_ProcessServer) (err error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(procsrv.Context()))
	defer cancel()
	stream := NewStream(ctx)
	ctx, span := svc.tracer.Start(procsrv.Context(), ProcessResourceName)
	ctx = logr.NewContext(ctx, svc.log)

	svc.observer.Register(stream, func(err error, _ finished.Message) {
		req := stream.RequestContext()
		span.SetAttributes(
			attribute.String("extproc.phase", string(req.RequestPhase())),
			attribute.Int("http.response.status_code", req.Status()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			svc.log.Error(err, "stream failed", "requestID", req.RequestID(), "phase", req.RequestPhase())
		}
		span.End()
		for _, s := range svc.streamCallbacks {
			s.OnStreamComplete(req, err)
		}
	})
	defer func() {
		stream.finish(err)
	}()

	req := stream.RequestContext()
	for {
		procreq, err := procsrv.Recv()
		if err != nil {
			return IgnoreCanceled(err)
		}
		req.Process(procreq)

		if err := svc.handle(ctx, req, procreq, procsrv); err != nil {
			return IgnoreCanceled(err)
		}
	}
}

func (svc *ExtProcessor) handle(ctx context.Context, req *filter.RequestContext, procreq *extproc.ProcessingRequest, procsrv extproc.ExternalProcessor_ProcessServer) error {
	switch procreq.Request.(type) {
	case *extproc.ProcessingRequest_RequestHeaders:
		ctx, span := svc.tracer.Start(ctx, RequestHeadersResourceName)
		defer span.End()
		return svc.requestHeadersMessage(ctx, req, procsrv)
	case *extproc.ProcessingRequest_RequestBody:
		_, span := svc.tracer.Start(ctx, RequestBodyResourceName)
		defer span.End()
		return send(procsrv, RequestBodyResourceName, &extproc.ProcessingResponse{Response: &extproc.ProcessingResponse_RequestBody{RequestBody: &extproc.BodyResponse{}}})
	case *extproc.ProcessingRequest_RequestTrailers:
		_, span := svc.tracer.Start(ctx, RequestTrailersResourceName)
		defer span.End()
		return send(procsrv, RequestTrailersResourceName, &extproc.ProcessingResponse{Response: &extproc.ProcessingResponse_RequestTrailers{RequestTrailers: &extproc.TrailersResponse{}}})
	case *extproc.ProcessingRequest_ResponseHeaders:
		ctx, span := svc.tracer.Start(ctx, ResponseHeadersResourceName)
		defer span.End()
		return svc.responseHeadersMessage(ctx, req, procsrv)
	case *extproc.ProcessingRequest_ResponseBody:
		_, span := svc.tracer.Start(ctx, ResponseBodyResourceName)
		defer span.End()
		return send(procsrv, ResponseBodyResourceName, &extproc.ProcessingResponse{Response: &extproc.ProcessingResponse_ResponseBody{ResponseBody: &extproc.BodyResponse{}}})
	case *extproc.ProcessingRequest_ResponseTrailers:
		_, span := svc.tracer.Start(ctx, ResponseTrailersResourceName)
		defer span.End()
		return send(procsrv, ResponseTrailersResourceName, &extproc.ProcessingResponse{Response: &extproc.ProcessingResponse_ResponseTrailers{ResponseTrailers: &extproc.TrailersResponse{}}})
	default:
		return fmt.Errorf("unknown request type: %T", procreq.Request)
	}
}

// Step 1. Request headers: Contains the headers from the original HTTP request.
func (svc *ExtProcessor) requestHeadersMessage(ctx context.Context, req *filter.RequestContext, procsrv extproc.ExternalProcessor_ProcessServer) error {
	crw := filter.NewCommonResponseWriter(req.RequestHeaders)
	for _, f := range svc.filters {
		immediateResponse, err := svc.runFilter(ctx, f, RequestHeadersResourceName, crw, func(ctx context.Context) (*extproc.ProcessingResponse_ImmediateResponse, error) {
			return f.RequestHeaders(ctx, crw, req)
		})
		if err != nil || immediateResponse != nil {
			return svc.stop(procsrv, immediateResponse, err)
		}
	}
	return send(procsrv, RequestHeadersResourceName, &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_RequestHeaders{
			RequestHeaders: &extproc.HeadersResponse{
				Response: crw.CommonResponse(),
			},
		},
	})
}

// Step 4. Response headers: Contains the headers from the HTTP response. Keep in mind that if the upstream system sends them before processing the request body that this message may arrive before the complete body.
// Filters run in reverse order.
func (svc *ExtProcessor) responseHeadersMessage(ctx context.Context, req *filter.RequestContext, procsrv extproc.ExternalProcessor_ProcessServer) error {
	crw := filter.NewCommonResponseWriter(req.ResponseHeaders)
	for i := len(svc.filters) - 1; i >= 0; i-- {
		f := svc.filters[i]
		immediateResponse, err := svc.runFilter(ctx, f, ResponseHeadersResourceName, crw, func(ctx context.Context) (*extproc.ProcessingResponse_ImmediateResponse, error) {
			return f.ResponseHeaders(ctx, crw, req)
		})
		if err != nil || immediateResponse != nil {
			return svc.stop(procsrv, immediateResponse, err)
		}
	}
	return send(procsrv, ResponseHeadersResourceName, &extproc.ProcessingResponse{
		Response: &extproc.ProcessingResponse_ResponseHeaders{
			ResponseHeaders: &extproc.HeadersResponse{
				Response: crw.CommonResponse(),
			},
		},
	})
}

func (svc *ExtProcessor) runFilter(ctx context.Context, f filter.Filter, phase string, crw *filter.CommonResponseWriter, run func(context.Context) (*extproc.ProcessingResponse_ImmediateResponse, error)) (*extproc.ProcessingResponse_ImmediateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := svc.tracer.Start(ctx, fmt.Sprintf("%T/%s", f, phase))
	defer span.End()

	immediateResponse, err := run(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: failed running filter %T: %w", phase, f, err)
	}
	if immediateResponse != nil {
		return immediateResponse, nil
	}
	if err := crw.CommonResponse().Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: failed validating response in filter %T: %w", phase, f, err)
	}
	return nil, nil
}

func (svc *ExtProcessor) stop(procsrv extproc.ExternalProcessor_ProcessServer, immediateResponse *extproc.ProcessingResponse_ImmediateResponse, err error) error {
	if err != nil {
		return err
	}
	return procsrv.Send(&extproc.ProcessingResponse{
		Response: immediateResponse,
	})
}

func send(procsrv extproc.ExternalProcessor_ProcessServer, phase string, r *extproc.ProcessingResponse) error {
	if err := r.ValidateAll(); err != nil {
		return fmt.Errorf("%s: failed validating response: %w", phase, err)
	}
	if err := procsrv.Send(r); err != nil {
		return fmt.Errorf("%s: failed sending response: %w", phase, err)
	}
	return nil
}

// IgnoreCanceled returns nil if the error is a cancellation or an io.EOF error.
func IgnoreCanceled(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), status.Code(err) == grpcodes.Canceled:
		return nil
	}
	return err
}
