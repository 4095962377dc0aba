package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	extproc "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"github.com/getyourguide/onfinished-go/config"
	"github.com/getyourguide/onfinished-go/filter"
	"github.com/getyourguide/onfinished-go/finished"
	"github.com/getyourguide/onfinished-go/httpmsg"
	"github.com/getyourguide/onfinished-go/httptest/echo"
	"github.com/getyourguide/onfinished-go/service"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Server runs the ext_proc gRPC service and, when enabled, the HTTP echo
// upstream. Both observe their messages through the same finished.Observer.
type Server struct {
	ctx         context.Context
	cfg         config.Config
	log         *slog.Logger
	serviceOpts []service.Option
	httpOpts    []httpmsg.Option
	observer    *finished.Observer
	mux         *http.ServeMux

	mu           sync.Mutex
	grpcServer   *grpc.Server
	grpcListener net.Listener
	httpServer   *http.Server
	httpListener net.Listener
}

type Option func(*Server)

func New(ctx context.Context, opts ...Option) *Server {
	srv := &Server{
		ctx: ctx,
		cfg: config.Default(),
		log: slog.Default(),
	}
	srv.cfg.HTTP.Enabled = false
	for _, opt := range opts {
		opt(srv)
	}
	if srv.ctx == nil {
		srv.ctx = context.TODO()
	}
	return srv
}

// WithConfig replaces the default configuration.
func WithConfig(cfg config.Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

func WithFilters(f ...filter.Filter) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithFilters(f...))
	}
}

func WithStreamCallbacks(callbacks ...filter.Stream) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithStreamCallbacks(callbacks...))
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.serviceOpts = append(s.serviceOpts, service.WithTracer(tracer))
		s.httpOpts = append(s.httpOpts, httpmsg.WithTracer(tracer))
	}
}

// WithObserver sets the observer of both servers, finished.Default() when unset.
func WithObserver(o *finished.Observer) Option {
	return func(s *Server) {
		s.observer = o
	}
}

func WithGrpcServer(server *grpc.Server, network string, address string) Option {
	return func(s *Server) {
		s.grpcServer = server
		s.cfg.GRPC.Network = network
		s.cfg.GRPC.Address = address
	}
}

// WithEcho enables the echo upstream on the configured HTTP address.
func WithEcho() Option {
	return func(s *Server) {
		s.cfg.HTTP.Enabled = true
	}
}

// WithEchoServerMux serves the echo handlers on mux, next to the routes it
// already has.
func WithEchoServerMux(mux *http.ServeMux, address string) Option {
	return func(s *Server) {
		s.cfg.HTTP.Enabled = true
		s.cfg.HTTP.Address = address
		s.mux = mux
	}
}

func (s *Server) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	logger := logr.FromSlogHandler(s.log.Handler())
	if s.observer == nil {
		s.observer = finished.Default()
	}

	if s.cfg.GRPC.Network == "unix" {
		os.RemoveAll(s.cfg.GRPC.Address) // nolint:errcheck
	}
	lis, err := net.Listen(s.cfg.GRPC.Network, s.cfg.GRPC.Address)
	if err != nil {
		return fmt.Errorf("cannot listen: %w", err)
	}
	s.grpcListener = lis
	if s.grpcServer == nil {
		s.grpcServer = grpc.NewServer()
	}
	opts := append([]service.Option{
		service.WithLogger(logger.WithName("extproc")),
		service.WithObserver(s.observer),
	}, s.serviceOpts...)
	extproc.RegisterExternalProcessorServer(s.grpcServer, service.New(opts...))

	if !s.cfg.HTTP.Enabled {
		return nil
	}
	httpLis, err := net.Listen("tcp", s.cfg.HTTP.Address)
	if err != nil {
		lis.Close() // nolint:errcheck
		return fmt.Errorf("cannot listen: %w", err)
	}
	s.httpListener = httpmsg.NewListener(httpLis)
	if s.mux == nil {
		s.mux = http.NewServeMux()
	}
	echo.Register(s.mux)
	httpOpts := append([]httpmsg.Option{
		httpmsg.WithLogger(logger.WithName("http")),
		httpmsg.WithObserver(s.observer),
		httpmsg.WithMaxListeners(s.cfg.MaxListeners),
	}, s.httpOpts...)
	s.httpServer = &http.Server{
		Handler:           httpmsg.Handler(s.mux, httpOpts...),
		ConnContext:       httpmsg.ConnContext,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Serve listens on the configured addresses and blocks until a server fails,
// Stop is called or the context of the server is done.
func (s *Server) Serve() error {
	if err := s.listen(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("starting grpc server", "address", s.grpcListener.Addr().String())
		errCh <- s.grpcServer.Serve(s.grpcListener)
	}()
	if s.httpServer != nil {
		go func() {
			s.log.Info("starting http server", "address", s.httpListener.Addr().String())
			err := s.httpServer.Serve(s.httpListener)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errCh <- err
		}()
	}

	select {
	case <-s.ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop drains both servers, forcing the gRPC server down once the configured
// shutdown timeout elapsed.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.cfg.ShutdownTimeout.Duration
	if s.grpcServer != nil {
		s.log.Info("stopping grpc server")
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeout):
			s.log.Warn("grpc server did not drain in time", "timeout", timeout)
			s.grpcServer.Stop()
		}
	}
	if s.cfg.GRPC.Network == "unix" {
		os.RemoveAll(s.cfg.GRPC.Address) // nolint:errcheck
	}
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown error: %w", err)
	}
	return nil
}

// GRPCAddr returns the address the gRPC server listens on, nil before Serve.
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcListener == nil {
		return nil
	}
	return s.grpcListener.Addr()
}

// HTTPAddr returns the address of the echo server, nil when it is disabled
// or before Serve.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func IsReady(s *Server) bool {
	if s.GRPCAddr() == nil {
		return false
	}
	s.mu.Lock()
	echoEnabled := s.cfg.HTTP.Enabled
	s.mu.Unlock()
	if !echoEnabled {
		return true
	}
	addr := s.HTTPAddr()
	if addr == nil {
		return false
	}
	httpClient := http.Client{
		Timeout: 5 * time.Second,
	}
	res, err := httpClient.Get(fmt.Sprintf("http://%s/headers", addr))
	if err != nil {
		return false
	}
	res.Body.Close() // nolint:errcheck
	return res.StatusCode == http.StatusOK
}

func WaitReady(s *Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	tck := time.NewTicker(100 * time.Millisecond)
	defer tck.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tck.C:
			if IsReady(s) {
				return nil
			}
		}
	}
}
