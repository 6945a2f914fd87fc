// Package ingestion implements the gRPC surface metrics arrive through.
// A single Put RPC carries a batch of metrics; the server funnels them
// through a bounded queue into one goroutine calling
// alarmservice.AlarmService.Consume, preserving the single-writer
// invariant the WAL depends on without forcing every caller's goroutine
// to contend on the service mutex directly.
package ingestion

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sentrywatch/sentrywatch/internal/metrictypes"
	"github.com/sentrywatch/sentrywatch/internal/rpcutil"
)

// Consumer is the subset of alarmservice.AlarmService the ingestion
// server needs.
type Consumer interface {
	Consume(metric *metrictypes.Metric, recoverMode bool) error
}

// PutRequest is the wire shape of a batch-put call.
type PutRequest struct {
	Metrics []metrictypes.Metric `json:"metrics"`
}

// PutResponse reports how many metrics the batch carried (Received) and
// how many of them Consume processed without error (Accepted). Accepted
// does not distinguish metrics that matched an alarm from metrics that
// matched none.
type PutResponse struct {
	Accepted int32 `json:"accepted"`
	Received int32 `json:"received"`
}

// Server implements the Ingestion gRPC service: a single Put method.
type Server struct {
	consumer Consumer
	log      *zap.Logger
	queue    chan job
	stopped  chan struct{}
}

type job struct {
	metric *metrictypes.Metric
	result chan error
}

// NewServer constructs an ingestion server with the given queue depth.
// Call Run in its own goroutine before serving traffic.
func NewServer(consumer Consumer, queueDepth int, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	return &Server{
		consumer: consumer,
		log:      log,
		queue:    make(chan job, queueDepth),
		stopped:  make(chan struct{}),
	}
}

// Run drains the queue into the consumer until ctx is cancelled. There is
// exactly one Run goroutine per Server: this is what keeps every write to
// the WAL single-threaded regardless of how many concurrent Put RPCs are
// in flight.
//
// On ctx.Done() it drains whatever is still buffered in the queue before
// returning, answering each with a shutdown error, then closes stopped.
// Without this a job that lost the race against ctx.Done() in the select
// below would sit in the queue forever with nobody to read its result —
// and since GracefulStop waits for the in-flight Put RPC to return rather
// than cancelling its context, that RPC would hang indefinitely. Ordering
// drain before closing stopped matters: it guarantees every job already
// accepted into the queue gets an answer before any caller can observe
// the service as stopped.
func (s *Server) Run(ctx context.Context) {
	defer close(s.stopped)
	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			j.result <- s.consumer.Consume(j.metric, false)
		}
	}
}

func (s *Server) drain() {
	for {
		select {
		case j := <-s.queue:
			j.result <- fmt.Errorf("ingestion: server shutting down, metric not consumed")
		default:
			return
		}
	}
}

// Put implements the Ingestion.Put RPC: enqueues every metric in the
// batch and waits for each to be consumed before responding. Once the
// ingress goroutine has stopped, pending calls still complete (any job
// already enqueued is drained with an explicit error) and new ones are
// rejected rather than blocked.
func (s *Server) Put(ctx context.Context, req *PutRequest) (*PutResponse, error) {
	resp := &PutResponse{Received: int32(len(req.Metrics))}

	for i := range req.Metrics {
		j := job{metric: &req.Metrics[i], result: make(chan error, 1)}
		select {
		case s.queue <- j:
		case <-s.stopped:
			return resp, fmt.Errorf("ingestion: server shutting down, metric %d not accepted", i)
		case <-ctx.Done():
			return resp, ctx.Err()
		}

		select {
		case err := <-j.result:
			if err != nil {
				s.log.Warn("consume failed", zap.Error(err))
				return resp, fmt.Errorf("ingestion: consume metric %d: %w", i, err)
			}
			resp.Accepted++
		case <-s.stopped:
			return resp, fmt.Errorf("ingestion: server shutting down, metric %d result unknown", i)
		case <-ctx.Done():
			return resp, ctx.Err()
		}
	}
	return resp, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "sentrywatch.ingestion.v1.Ingestion",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Put",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(PutRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				s := srv.(*Server)
				if interceptor == nil {
					return s.Put(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/sentrywatch.ingestion.v1.Ingestion/Put"}
				handler := func(ctx context.Context, req any) (any, error) {
					return s.Put(ctx, req.(*PutRequest))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sentrywatch/ingestion.proto",
}

// Register attaches the ingestion service to grpcSrv.
func Register(grpcSrv *grpc.Server, s *Server) {
	grpcSrv.RegisterService(&serviceDesc, s)
}

// ListenAndServe starts the gRPC ingestion server on addr, registering the
// json codec. Blocks until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, s *Server, log *zap.Logger) error {
	grpcSrv := grpc.NewServer(grpc.ForceServerCodec(encoding.GetCodec(rpcutil.Name)))
	Register(grpcSrv, s)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ingestion listen %s: %w", addr, err)
	}

	log.Info("ingestion server listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("ingestion grpc serve: %w", err)
	}
	return nil
}
