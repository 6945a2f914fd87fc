// Package admin implements the gRPC surface operators use to control a
// running sentrywatch instance: a graceful shutdown trigger and a
// point-in-time snapshot of alarm state. Bound to loopback by default
// (see internal/config.AdminConfig) since it carries no authentication
// of its own.
package admin

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sentrywatch/sentrywatch/internal/rpcutil"
)

// AlarmSnapshot is the wire shape of one alarm's current state, returned
// by the Status RPC.
type AlarmSnapshot struct {
	ID         string `json:"id"`
	IsAlarming bool   `json:"is_alarming"`
	Buckets    int    `json:"buckets"`
}

// StatusRequest carries no fields; present for wire-format symmetry and
// future filtering.
type StatusRequest struct{}

// StatusResponse reports a snapshot of every registered alarm.
type StatusResponse struct {
	Alarms []AlarmSnapshot `json:"alarms"`
}

// ShutdownRequest carries no fields.
type ShutdownRequest struct{}

// ShutdownResponse acknowledges a shutdown request was accepted.
type ShutdownResponse struct {
	Accepted bool `json:"accepted"`
}

// StatusProvider is the subset of alarmservice.AlarmService the admin
// server needs to answer Status.
type StatusProvider interface {
	Snapshot() []AlarmSnapshot
}

// Server implements the Admin gRPC service.
type Server struct {
	status   StatusProvider
	log      *zap.Logger
	shutdown chan struct{}
	once     sync.Once
}

// NewServer constructs an admin server. shutdown is closed exactly once,
// the first time Shutdown is called; callers select on it to begin
// graceful teardown.
func NewServer(status StatusProvider, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{status: status, log: log, shutdown: make(chan struct{})}
}

// ShutdownRequested returns a channel closed when an operator has
// requested shutdown via the admin RPC.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Status implements Admin.Status.
func (s *Server) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	return &StatusResponse{Alarms: s.status.Snapshot()}, nil
}

// Shutdown implements Admin.Shutdown: signals ShutdownRequested exactly
// once and acknowledges the request immediately, without waiting for
// teardown to complete.
func (s *Server) Shutdown(ctx context.Context, req *ShutdownRequest) (*ShutdownResponse, error) {
	s.once.Do(func() {
		close(s.shutdown)
		s.log.Info("shutdown requested via admin RPC")
	})
	return &ShutdownResponse{Accepted: true}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "sentrywatch.admin.v1.Admin",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(StatusRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.Status(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/sentrywatch.admin.v1.Admin/Status"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.Status(ctx, req.(*StatusRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "Shutdown",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(ShutdownRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.Shutdown(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/sentrywatch.admin.v1.Admin/Shutdown"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.Shutdown(ctx, req.(*ShutdownRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sentrywatch/admin.proto",
}

// Register attaches the admin service to grpcSrv.
func Register(grpcSrv *grpc.Server, s *Server) {
	grpcSrv.RegisterService(&serviceDesc, s)
}

// ListenAndServe starts the gRPC admin server on addr. Blocks until ctx
// is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server, log *zap.Logger) error {
	grpcSrv := grpc.NewServer(grpc.ForceServerCodec(encoding.GetCodec(rpcutil.Name)))
	Register(grpcSrv, s)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}

	log.Info("admin server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("admin grpc serve: %w", err)
	}
	return nil
}
