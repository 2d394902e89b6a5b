package server

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hashring/internal/config"
	"hashring/internal/membership"
	"hashring/internal/rebalance"
	"hashring/internal/registry"
	"hashring/internal/router"
)

// Client calls the Router service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr. Without options the connection is
// insecure.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return fromStatus(c.conn.Invoke(ctx, fullMethod(method), in, out))
}

// AddNode registers n on the remote router.
func (c *Client) AddNode(ctx context.Context, n config.Node) error {
	req, err := structpb.NewStruct(nodeFields(registry.PhysicalNode{
		ID: n.ID, Addr: n.Addr, Zone: n.Zone, Weight: n.Weight, Metadata: n.Metadata,
	}))
	if err != nil {
		return err
	}
	return c.invoke(ctx, "AddNode", req, &emptypb.Empty{})
}

// RemoveNode unregisters id on the remote router.
func (c *Client) RemoveNode(ctx context.Context, id string) error {
	return c.invoke(ctx, "RemoveNode", wrapperspb.String(id), &emptypb.Empty{})
}

// Lookup returns the node that owns key.
func (c *Client) Lookup(ctx context.Context, key string) (registry.PhysicalNode, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Lookup", wrapperspb.String(key), out); err != nil {
		return registry.PhysicalNode{}, err
	}
	n := structToNode(out)
	return registry.PhysicalNode{
		ID: n.ID, Addr: n.Addr, Zone: n.Zone, Weight: n.Weight, Metadata: n.Metadata,
	}, nil
}

// LookupReplicas returns up to n node IDs for key, optionally preferring
// distinct zones.
func (c *Client) LookupReplicas(ctx context.Context, key string, n int, zoneDiverse bool) ([]string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"key":          key,
		"n":            n,
		"zone_diverse": zoneDiverse,
	})
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "LookupReplicas", req, out); err != nil {
		return nil, err
	}
	return listToStrings(out.GetFields()["replicas"].GetListValue()), nil
}

// GetMetrics returns the remote router's metrics.
func (c *Client) GetMetrics(ctx context.Context) (router.Metrics, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "GetMetrics", &emptypb.Empty{}, out); err != nil {
		return router.Metrics{}, err
	}
	return structToMetrics(out), nil
}

// Rebalance runs one rebalance cycle on the remote router.
func (c *Client) Rebalance(ctx context.Context) (rebalance.Report, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Rebalance", &emptypb.Empty{}, out); err != nil {
		return rebalance.Report{}, err
	}
	return structToReport(out), nil
}

// Status returns the remote router's status table.
func (c *Client) Status(ctx context.Context) (string, error) {
	out := &wrapperspb.StringValue{}
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// ApplyMembership sends membership updates and returns how many changed the
// remote view. Updates the remote router rejected are described by the error.
func (c *Client) ApplyMembership(ctx context.Context, updates []membership.Member) (int, error) {
	members := make([]any, len(updates))
	for i, m := range updates {
		members[i] = memberToValue(m)
	}
	req, err := structpb.NewStruct(map[string]any{"members": members})
	if err != nil {
		return 0, err
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "ApplyMembership", req, out); err != nil {
		return 0, err
	}
	f := out.GetFields()
	changed := int(f["changed"].GetNumberValue())
	if msg := f["error"].GetStringValue(); msg != "" {
		return changed, errors.New(msg)
	}
	return changed, nil
}

// Healthy reports whether the remote Router service is serving.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}
