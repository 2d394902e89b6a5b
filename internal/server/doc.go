// Package server exposes a router over gRPC as the hashring.v1.Router service
// and provides a client for it.
//
// The service is described by a hand-written grpc.ServiceDesc whose messages
// are protobuf well-known types (Struct, StringValue, Empty), so no generated
// code is needed. Router errors travel as gRPC status codes and are turned
// back into the router's sentinel errors by the client.
package server
