package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"hashring/internal/placement"
	"hashring/internal/registry"
)

// toStatus converts a router error to a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, registry.ErrDuplicateNode):
		code = codes.AlreadyExists
	case errors.Is(err, registry.ErrUnknownNode):
		code = codes.NotFound
	case errors.Is(err, registry.ErrInvalidWeight), errors.Is(err, registry.ErrInvalidNode):
		code = codes.InvalidArgument
	case errors.Is(err, placement.ErrEmptyRing):
		code = codes.FailedPrecondition
	case errors.Is(err, registry.ErrLockContentionTimeout):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// sentinels lists, per code, the errors toStatus maps to it.
var sentinels = map[codes.Code][]error{
	codes.AlreadyExists:      {registry.ErrDuplicateNode},
	codes.NotFound:           {registry.ErrUnknownNode},
	codes.InvalidArgument:    {registry.ErrInvalidWeight, registry.ErrInvalidNode},
	codes.FailedPrecondition: {placement.ErrEmptyRing},
	codes.Unavailable:        {registry.ErrLockContentionTimeout},
	codes.Canceled:           {context.Canceled},
	codes.DeadlineExceeded:   {context.DeadlineExceeded},
}

// fromStatus converts a gRPC status error back to an error that matches the
// router's sentinel errors with errors.Is. Status errors not produced by
// toStatus, such as transport failures, are returned unchanged.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, sentinel := range sentinels[st.Code()] {
		if strings.Contains(st.Message(), sentinel.Error()) {
			return fmt.Errorf("%w (%s)", sentinel, st.Message())
		}
	}
	return err
}
