package server

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hashring/internal/membership"
	"hashring/internal/router"
)

// Server implements the Router gRPC service over a router.Router.
type Server struct {
	router     *router.Router
	tracker    *membership.Tracker
	grpcServer *grpc.Server
	health     *health.Server
	stopOnce   sync.Once
}

// New creates a server for r with the Router, health and reflection services
// registered. Membership updates received over gRPC are merged by tracker; if
// tracker is nil one is created for r.
func New(r *router.Router, tracker *membership.Tracker, opts ...grpc.ServerOption) *Server {
	if tracker == nil {
		tracker = membership.NewTracker(r, 0, 0)
	}
	s := &Server{
		router:     r,
		tracker:    tracker,
		grpcServer: grpc.NewServer(opts...),
		health:     health.NewServer(),
	}
	RegisterRouterServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	// Enable gRPC reflection for grpcurl
	reflection.Register(s.grpcServer)
	return s
}

// Serve serves on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Printf("[server] Serving %s on %s", ServiceName, lis.Addr())
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop marks the service not serving and gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Printf("[server] Stopping")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	})
}

// AddNode registers the node described by req.
func (s *Server) AddNode(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	n := structToNode(req)
	err := s.router.AddNode(ctx, n.ID, n.Weight, n.Zone,
		router.WithAddr(n.Addr), router.WithMetadata(n.Metadata))
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// RemoveNode unregisters the node named by req.
func (s *Server) RemoveNode(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.router.RemoveNode(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Lookup returns the node owning the key in req.
func (s *Server) Lookup(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	n, err := s.router.LookupNode(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := nodeToStruct(n)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode node: %v", err)
	}
	return out, nil
}

// LookupReplicas returns the replica set for a key.
func (s *Server) LookupReplicas(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	key := f["key"].GetStringValue()
	n, err := replicaCount(f["n"].GetNumberValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var ids []string
	if f["zone_diverse"].GetBoolValue() {
		ids, err = s.router.LookupReplicasZoneDiverse(key, n)
	} else {
		ids, err = s.router.LookupReplicas(key, n)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"replicas": stringsToList(ids)})
}

// replicaCount converts a wire number to a replica count. It must be a
// non-negative integer no larger than MaxInt32.
func replicaCount(v float64) (int, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return 0, fmt.Errorf("replica count must be an integer (got %v)", v)
	}
	if v < 0 || v > math.MaxInt32 {
		return 0, fmt.Errorf("replica count out of range (got %v)", v)
	}
	return int(v), nil
}

// GetMetrics returns router metrics.
func (s *Server) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return metricsToStruct(s.router.GetMetrics())
}

// Rebalance runs one rebalance cycle and returns its report.
func (s *Server) Rebalance(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.router.Rebalance(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reportToStruct(report)
}

// Status returns the router status table.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return wrapperspb.String(s.router.Status()), nil
}

// ApplyMembership merges membership updates into the router. Updates that the
// router rejects are reported in the response's error field; the rest apply.
func (s *Server) ApplyMembership(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	values := req.GetFields()["members"].GetListValue().GetValues()
	updates := make([]membership.Member, 0, len(values))
	for i, v := range values {
		m, err := valueToMember(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "member %d: %v", i, err)
		}
		updates = append(updates, m)
	}

	changed, err := s.tracker.Apply(ctx, updates)
	msg := ""
	if err != nil {
		msg = err.Error()
		log.Printf("[server] Membership update partially applied: %v", err)
	}
	return structpb.NewStruct(map[string]any{
		"changed": changed,
		"error":   msg,
	})
}
