package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	coordinatorService = "iobench.group.Coordinator"
	barrierMethod      = "/" + coordinatorService + "/Barrier"
	abortMethod        = "/" + coordinatorService + "/Abort"
)

// DefaultStartupTimeout bounds how long a rank waits for the coordinator
// to accept connections before its first barrier.
const DefaultStartupTimeout = 30 * time.Second

// coordinatorServer is the server side of the coordination service.
type coordinatorServer interface {
	Barrier(context.Context, *wrapperspb.UInt32Value) (*emptypb.Empty, error)
	Abort(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Barrier", Handler: barrierHandler},
		{MethodName: "Abort", Handler: abortHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "iobench/group/coordinator.proto",
}

func barrierHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.UInt32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Barrier(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: barrierMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).Barrier(ctx, req.(*wrapperspb.UInt32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func abortHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: abortMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(coordinatorServer).Abort(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Coordinator serves the group barrier for size ranks. Rank 0 hosts it.
type Coordinator struct {
	b      *barrier
	logger *slog.Logger
}

// NewCoordinator creates a coordinator for a group of size ranks.
func NewCoordinator(size int, logger *slog.Logger) *Coordinator {
	return &Coordinator{b: newBarrier(size), logger: logger}
}

// Register adds the coordination service to s.
func (c *Coordinator) Register(s *grpc.Server) {
	s.RegisterService(&coordinatorServiceDesc, c)
}

// Barrier blocks the calling rank until all ranks have called it.
func (c *Coordinator) Barrier(ctx context.Context, req *wrapperspb.UInt32Value) (*emptypb.Empty, error) {
	if int(req.GetValue()) >= c.b.size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d outside group of size %d", req.GetValue(), c.b.size)
	}
	if err := c.b.wait(ctx); err != nil {
		if errors.Is(err, ErrAborted) {
			return nil, status.Error(codes.Aborted, err.Error())
		}
		return nil, status.FromContextError(err).Err()
	}
	return &emptypb.Empty{}, nil
}

// Abort fails all pending and future barriers.
func (c *Coordinator) Abort(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	c.logger.Warn("process group aborted", "reason", req.GetValue())
	c.b.abort(req.GetValue())
	return &emptypb.Empty{}, nil
}

// Remote is a group member that synchronizes through a Coordinator over gRPC.
type Remote struct {
	rank    int
	size    int
	logger  *slog.Logger
	startup time.Duration

	conn *grpc.ClientConn

	// rank 0 only
	coord    *Coordinator
	server   *grpc.Server
	listener net.Listener
	serveErr chan error

	mu        sync.Mutex
	connected bool
}

// JoinOption configures Join.
type JoinOption func(*Remote)

// WithStartupTimeout sets how long the first barrier waits for the
// coordinator to come up. Non-positive values keep the default.
func WithStartupTimeout(d time.Duration) JoinOption {
	return func(r *Remote) {
		if d > 0 {
			r.startup = d
		}
	}
}

// Join connects rank to the group coordinated at addr. Rank 0 starts the
// coordinator on addr before connecting to it.
func Join(rank, size int, addr string, logger *slog.Logger, opts ...JoinOption) (*Remote, error) {
	if size < 1 || rank < 0 || rank >= size {
		return nil, fmt.Errorf("invalid rank %d for group of size %d", rank, size)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Remote{rank: rank, size: size, logger: logger, startup: DefaultStartupTimeout}
	for _, opt := range opts {
		opt(r)
	}

	if rank == 0 {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on coordinator address %s: %w", addr, err)
		}
		r.listener = lis
		r.coord = NewCoordinator(size, logger)
		r.server = grpc.NewServer()
		r.coord.Register(r.server)
		r.serveErr = make(chan error, 1)
		go func() {
			r.serveErr <- r.server.Serve(lis)
		}()
		addr = lis.Addr().String()
		logger.Info("coordinator listening", "addr", addr, "size", size)
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create coordinator client for %s: %w", addr, err)
	}
	r.conn = conn
	return r, nil
}

func (r *Remote) Rank() int { return r.rank }
func (r *Remote) Size() int { return r.size }

// Addr returns the coordinator listen address on rank 0, or "".
func (r *Remote) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Barrier blocks until every rank has entered the barrier. The first
// barrier waits up to the startup timeout for the coordinator to come up.
// A coordinator that cannot be reached means rank 0 is gone, which is
// reported as an abort.
func (r *Remote) Barrier(ctx context.Context) error {
	r.mu.Lock()
	first := !r.connected
	r.mu.Unlock()

	if first {
		if err := r.awaitCoordinator(ctx); err != nil {
			return err
		}
	}

	err := r.conn.Invoke(ctx, barrierMethod, wrapperspb.UInt32(uint32(r.rank)), new(emptypb.Empty))
	if err != nil {
		switch status.Code(err) {
		case codes.Aborted:
			return fmt.Errorf("%w: %s", ErrAborted, status.Convert(err).Message())
		case codes.Unavailable:
			return fmt.Errorf("%w: coordinator unreachable: %s", ErrAborted, status.Convert(err).Message())
		}
		return fmt.Errorf("barrier failed: %w", err)
	}

	if first {
		r.mu.Lock()
		r.connected = true
		r.mu.Unlock()
	}
	return nil
}

// awaitCoordinator blocks until the client connection is ready or the
// startup timeout expires.
func (r *Remote) awaitCoordinator(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, r.startup)
	defer cancel()

	r.conn.Connect()
	for {
		state := r.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("barrier failed: coordinator connection closed")
		}
		if !r.conn.WaitForStateChange(wctx, state) {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("barrier failed: %w", err)
			}
			return fmt.Errorf("%w: coordinator %s not reachable within %s", ErrAborted, r.conn.Target(), r.startup)
		}
	}
}

// Abort tells the coordinator to fail every barrier. Errors reaching the
// coordinator are logged, not returned, since the caller is already failing.
func (r *Remote) Abort(ctx context.Context, reason string) error {
	reason = fmt.Sprintf("rank %d: %s", r.rank, reason)
	if r.coord != nil {
		r.coord.b.abort(reason)
		return nil
	}
	if err := r.conn.Invoke(ctx, abortMethod, wrapperspb.String(reason), new(emptypb.Empty)); err != nil {
		r.logger.Warn("failed to reach coordinator for abort", "error", err)
	}
	return nil
}

// Close releases the client connection and, on rank 0, stops the coordinator
// after in-flight barriers drain.
func (r *Remote) Close() error {
	var firstErr error
	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			firstErr = err
		}
	}
	if r.server != nil {
		r.server.GracefulStop()
		if err := <-r.serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
