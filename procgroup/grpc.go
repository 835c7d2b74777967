package procgroup

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	transportService = "ringtrain.Transport"
	deliverMethod    = "/ringtrain.Transport/Deliver"

	mdSource = "ringtrain-source"
	mdRun    = "ringtrain-run"
	mdKind   = "ringtrain-kind"

	stopTimeout = time.Second
)

type transportServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportService,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ringtrain/transport",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// grpcPlane sends every frame as a unary Deliver call.
// Frames from one sender stay ordered because a sender
// waits for each call to finish before the next.
type grpcPlane struct {
	g      *Group
	server *grpc.Server
	health *health.Server
	conns  []*grpc.ClientConn
}

func newGRPCPlane() *grpcPlane {
	return &grpcPlane{}
}

func (p *grpcPlane) maxMessageSize() int {
	if p.g.opts.MaxMessageBytes > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(p.g.opts.MaxMessageBytes)
}

func (p *grpcPlane) serve(g *Group) error {
	p.g = g
	p.conns = make([]*grpc.ClientConn, g.Size())
	p.server = grpc.NewServer(grpc.MaxRecvMsgSize(p.maxMessageSize()))
	p.server.RegisterService(&transportServiceDesc, p)
	p.health = health.NewServer()
	p.health.SetServingStatus(transportService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(p.server, p.health)
	go func() {
		if err := p.server.Serve(g.listener); err != nil {
			g.logger.Error().Err(err).Msg("transport server stopped")
		}
	}()
	return nil
}

func (p *grpcPlane) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if run := firstValue(md, mdRun); run != p.g.runID {
		return nil, status.Errorf(codes.FailedPrecondition, "run %q is not %q", run, p.g.runID)
	}
	src, err := strconv.Atoi(firstValue(md, mdSource))
	if err != nil || src < 0 || src >= p.g.Size() || src == p.g.Rank() {
		return nil, status.Errorf(codes.InvalidArgument, "bad source rank %q", firstValue(md, mdSource))
	}
	var kind frameKind
	switch k := firstValue(md, mdKind); k {
	case frameTensor.String():
		kind = frameTensor
	case frameAbort.String():
		kind = frameAbort
	default:
		return nil, status.Errorf(codes.InvalidArgument, "bad frame kind %q", k)
	}
	p.g.deliver(src, kind, in.GetValue())
	return &emptypb.Empty{}, nil
}

func (p *grpcPlane) connect(ctx context.Context, g *Group) error {
	size := p.maxMessageSize()
	for peer, addr := range g.addrs {
		if peer == g.Rank() {
			continue
		}
		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(size), grpc.MaxCallRecvMsgSize(size)),
		)
		if err != nil {
			return fmt.Errorf("dial rank %d at %s: %w", peer, addr, err)
		}
		p.conns[peer] = conn
		if err := waitServing(ctx, conn, transportService, g.opts.Backoff); err != nil {
			return fmt.Errorf("rank %d at %s not ready: %w", peer, addr, err)
		}
		g.logger.Debug().Int("peer", peer).Str("addr", addr).Msg("connected to peer")
	}
	return nil
}

func (p *grpcPlane) send(ctx context.Context, dst int, kind frameKind, payload []byte) error {
	conn := p.conns[dst]
	if conn == nil {
		return ErrClosed
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		mdSource, strconv.Itoa(p.g.Rank()),
		mdRun, p.g.runID,
		mdKind, kind.String(),
	)
	return conn.Invoke(ctx, deliverMethod, &wrapperspb.BytesValue{Value: payload}, new(emptypb.Empty))
}

func (p *grpcPlane) close() error {
	var firstErr error
	for _, conn := range p.conns {
		if conn != nil {
			if err := conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if p.server == nil {
		return firstErr
	}
	p.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		p.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		p.server.Stop()
	}
	return firstErr
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
