package procgroup

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	rendezvousService = "ringtrain.Rendezvous"
	registerMethod    = "/ringtrain.Rendezvous/Register"
)

// A membership is the outcome of a rendezvous.
type membership struct {
	RunID string

	// Addrs holds each rank's data plane address.
	Addrs []string
}

type rendezvousServer interface {
	Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: rendezvousService,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler:    registerHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringtrain/rendezvous",
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvousServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: registerMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(rendezvousServer).Register(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// A registry collects the data plane address of every
// rank, then releases all of them at once.
type registry struct {
	size    int
	backend Backend
	runID   string
	logger  zerolog.Logger

	lock   sync.Mutex
	addrs  []string
	joined int
	done   chan struct{}
}

func newRegistry(size int, backend Backend, logger zerolog.Logger) *registry {
	return &registry{
		size:    size,
		backend: backend,
		runID:   uuid.NewString(),
		logger:  logger,
		addrs:   make([]string, size),
		done:    make(chan struct{}),
	}
}

// join records a rank and waits until every rank has
// joined.
func (r *registry) join(ctx context.Context, rank, size int, backend Backend,
	addr string) (*membership, error) {
	if size != r.size {
		return nil, status.Errorf(codes.InvalidArgument, "world size %d does not match %d", size, r.size)
	}
	if backend != r.backend {
		return nil, status.Errorf(codes.InvalidArgument, "backend %s does not match %s", backend, r.backend)
	}
	if rank < 0 || rank >= r.size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d out of range", rank)
	}

	r.lock.Lock()
	if r.addrs[rank] != "" {
		r.lock.Unlock()
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined", rank)
	}
	r.addrs[rank] = addr
	r.joined++
	r.logger.Debug().Int("peer", rank).Str("addr", addr).Int("joined", r.joined).
		Msg("rank joined rendezvous")
	if r.joined == r.size {
		close(r.done)
	}
	r.lock.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	return &membership{RunID: r.runID, Addrs: append([]string{}, r.addrs...)}, nil
}

func (r *registry) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	m, err := r.join(ctx,
		int(fields["rank"].GetNumberValue()),
		int(fields["world_size"].GetNumberValue()),
		Backend(fields["backend"].GetStringValue()),
		fields["addr"].GetStringValue())
	if err != nil {
		return nil, err
	}
	return m.proto()
}

func (m *membership) proto() (*structpb.Struct, error) {
	addrs := make([]interface{}, len(m.Addrs))
	for i, a := range m.Addrs {
		addrs[i] = a
	}
	return structpb.NewStruct(map[string]interface{}{
		"run_id": m.RunID,
		"addrs":  addrs,
	})
}

func membershipFromProto(s *structpb.Struct, size int) (*membership, error) {
	runID := s.GetFields()["run_id"].GetStringValue()
	if runID == "" {
		return nil, fmt.Errorf("%w: missing run ID", ErrRendezvous)
	}
	values := s.GetFields()["addrs"].GetListValue().GetValues()
	if len(values) != size {
		return nil, fmt.Errorf("%w: got %d addresses for %d ranks", ErrRendezvous, len(values), size)
	}
	m := &membership{RunID: runID, Addrs: make([]string, size)}
	for i, v := range values {
		m.Addrs[i] = v.GetStringValue()
	}
	return m, nil
}

// hostRendezvous serves the rendezvous on the master
// address, joins it as rank 0, and stops serving once
// every rank has its answer.
func hostRendezvous(ctx context.Context, opts Options, addr string,
	logger zerolog.Logger) (*membership, error) {
	listener, err := net.Listen("tcp", opts.masterTarget())
	if err != nil {
		return nil, err
	}
	reg := newRegistry(opts.WorldSize, opts.Backend, logger)

	server := grpc.NewServer()
	server.RegisterService(&rendezvousServiceDesc, reg)
	healthServer := health.NewServer()
	healthServer.SetServingStatus(rendezvousService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	go server.Serve(listener)
	logger.Info().Str("addr", listener.Addr().String()).Str("run", reg.runID).
		Msg("hosting rendezvous")

	m, err := reg.join(ctx, opts.Rank, opts.WorldSize, opts.Backend, addr)
	if err != nil {
		server.Stop()
		return nil, err
	}
	healthServer.Shutdown()
	server.GracefulStop()
	return m, nil
}

// joinRendezvous waits for the master's rendezvous to
// become ready, then registers this rank with it.
func joinRendezvous(ctx context.Context, opts Options, addr string,
	logger zerolog.Logger) (*membership, error) {
	target := opts.masterTarget()
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := waitServing(ctx, conn, rendezvousService, opts.Backoff); err != nil {
		return nil, fmt.Errorf("master %s not ready: %w", target, err)
	}
	logger.Debug().Str("master", target).Msg("rendezvous ready")

	req, err := structpb.NewStruct(map[string]interface{}{
		"rank":       opts.Rank,
		"world_size": opts.WorldSize,
		"backend":    string(opts.Backend),
		"addr":       addr,
	})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := conn.Invoke(ctx, registerMethod, req, resp, grpc.WaitForReady(true)); err != nil {
		if s, ok := status.FromError(err); ok && s.Code() != codes.Unavailable &&
			s.Code() != codes.DeadlineExceeded && s.Code() != codes.Canceled {
			return nil, fmt.Errorf("%w: %s", ErrRendezvous, s.Message())
		}
		return nil, err
	}
	return membershipFromProto(resp, opts.WorldSize)
}

// waitServing polls the health service on conn until
// service reports SERVING.
func waitServing(ctx context.Context, conn *grpc.ClientConn, service string, backoff BackoffConfig) error {
	client := healthpb.NewHealthClient(conn)
	return retry(ctx, backoff, func() (bool, error) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return false, err
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			return false, fmt.Errorf("service %s is %s", service, resp.GetStatus())
		}
		return false, nil
	})
}
