// Package server serves candidate verification for a challenge bundle
// over Connect and gRPC, and an LSP for assembler sources.
package server

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tliron/commonlog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/chazu/dwexpr/dist"
	"github.com/chazu/dwexpr/store"
)

var log = commonlog.GetLogger("dwexpr.server")

// Procedure names shared by the Connect and gRPC transports.
const (
	VerifierServiceName  = "dwexpr.v1.Verifier"
	CheckProcedure       = "/" + VerifierServiceName + "/Check"
	DisassembleProcedure = "/" + VerifierServiceName + "/Disassemble"
)

// ErrInvalidCode is returned when code sent for disassembly does not decode.
var ErrInvalidCode = errors.New("invalid code")

// Server is the verifier service for one bundle. It serves both gRPC
// (binary protobuf) and Connect (HTTP/JSON) on the same port, plus
// Prometheus metrics.
type Server struct {
	worker  *Worker
	store   *store.Store
	metrics *metrics
	mux     *http.ServeMux
	grpc    *grpc.Server

	mu   sync.Mutex
	http *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	workers  int
	store    *store.Store
	registry *prometheus.Registry
	grpcOpts []grpc.ServerOption
}

// WithWorkers sets the number of concurrent evaluations. The default is
// GOMAXPROCS.
func WithWorkers(n int) ServerOption {
	return func(c *serverConfig) { c.workers = n }
}

// WithStore records every evaluated candidate in st. Without this,
// attempts are only counted in metrics.
func WithStore(st *store.Store) ServerOption {
	return func(c *serverConfig) { c.store = st }
}

// WithRegistry registers the service metrics on registry instead of a
// fresh registry carrying the Go and process collectors.
func WithRegistry(registry *prometheus.Registry) ServerOption {
	return func(c *serverConfig) { c.registry = registry }
}

// WithGRPCOptions passes options to the gRPC server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) { c.grpcOpts = append(c.grpcOpts, opts...) }
}

// New creates a Server for b. The bundle is verified first.
func New(b *dist.Bundle, opts ...ServerOption) (*Server, error) {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = defaultRegistry()
	}

	v, err := NewVerifier(b)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", b.Name, err)
	}

	s := &Server{
		worker:  NewWorker(v, cfg.workers),
		store:   cfg.store,
		metrics: newMetrics(cfg.registry),
		mux:     http.NewServeMux(),
		grpc:    grpc.NewServer(cfg.grpcOpts...),
	}

	// Register Connect/gRPC service handlers
	s.mux.Handle(CheckProcedure, connect.NewUnaryHandler(CheckProcedure, s.Check))
	s.mux.Handle(DisassembleProcedure, connect.NewUnaryHandler(DisassembleProcedure, s.Disassemble))
	s.mux.Handle(metricsPath, s.metrics.handler())

	RegisterVerifierServer(s.grpc, grpcVerifier{s})

	return s, nil
}

// Handler returns the HTTP handler serving Connect and metrics.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Bundle returns the bundle being served.
func (s *Server) Bundle() *dist.Bundle {
	return s.worker.Verifier().Bundle()
}

// Check is the Connect handler for CheckProcedure.
func (s *Server) Check(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.BoolValue], error) {
	v, err := s.check(ctx, req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(errorCode(err), err)
	}
	return connect.NewResponse(wrapperspb.Bool(v.Accepted)), nil
}

// Disassemble is the Connect handler for DisassembleProcedure.
func (s *Server) Disassemble(ctx context.Context, req *connect.Request[wrapperspb.BytesValue]) (*connect.Response[wrapperspb.StringValue], error) {
	listing, err := s.disassemble(req.Msg.GetValue())
	if err != nil {
		return nil, connect.NewError(errorCode(err), err)
	}
	return connect.NewResponse(wrapperspb.String(listing)), nil
}

func (s *Server) check(ctx context.Context, candidate []byte) (Verdict, error) {
	start := time.Now()
	v, err := s.worker.Do(ctx, candidate)
	if err != nil {
		if errorCode(err) == connect.CodeInvalidArgument {
			s.metrics.invalid()
		}
		return Verdict{}, err
	}
	s.metrics.observe(v, time.Since(start).Seconds())

	switch {
	case v.Err != nil:
		log.Infof("candidate failed after %d steps: %s", v.Steps, v.Err)
	case v.Accepted:
		log.Noticef("candidate accepted after %d steps", v.Steps)
	default:
		log.Debugf("candidate rejected after %d steps", v.Steps)
	}
	s.record(ctx, candidate, v)
	return v, nil
}

// record logs the attempt. A failed write is logged, not returned: the
// caller still gets its verdict.
func (s *Server) record(ctx context.Context, candidate []byte, v Verdict) {
	if s.store == nil {
		return
	}
	a := &store.Attempt{
		BundleHash:   s.Bundle().Hash,
		CandidateMD5: md5.Sum(candidate),
		Accepted:     v.Accepted,
		Steps:        v.Steps,
	}
	if v.Err != nil {
		a.Error = v.Err.Error()
	}
	if err := s.store.Record(ctx, a); err != nil {
		log.Errorf("recording attempt: %s", err)
	}
}

func (s *Server) disassemble(code []byte) (string, error) {
	listing, err := s.worker.Verifier().Disassemble(code)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCode, err)
	}
	return listing, nil
}

// errorCode maps a service error to a Connect code. Connect codes share
// their numeric values with gRPC codes.
func errorCode(err error) connect.Code {
	switch {
	case errors.Is(err, ErrEmptyCandidate), errors.Is(err, ErrCandidateTooLong), errors.Is(err, ErrInvalidCode):
		return connect.CodeInvalidArgument
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	case errors.Is(err, ErrWorkerStopped):
		return connect.CodeUnavailable
	}
	return connect.CodeInternal
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
// HTTP/2 without TLS is accepted so gRPC clients can use the Connect
// handlers on the same port.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	log.Noticef("verifier for %s listening on %s", s.Bundle().Name, addr)
	log.Noticef("  Connect (HTTP/JSON): http://%s%s", addr, CheckProcedure)
	log.Noticef("  gRPC (binary):       grpc://%s", addr)
	log.Noticef("  metrics:             http://%s%s", addr, metricsPath)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeGRPC serves the native gRPC server on lis until Stop.
func (s *Server) ServeGRPC(lis net.Listener) error {
	log.Noticef("verifier for %s serving gRPC on %s", s.Bundle().Name, lis.Addr())
	return s.grpc.Serve(lis)
}

// Stop shuts down the listeners and the evaluation workers.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warningf("http shutdown: %s", err)
		}
	}
	s.grpc.GracefulStop()
	s.worker.Stop()
}
