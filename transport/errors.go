package transport

import (
	"context"
	"errors"

	"github.com/INLOpen/nexusrepl/core"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, core.ErrSnapshotRequired):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, core.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps a gRPC error returned to a client back onto engine errors.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Aborted:
		return core.ErrSnapshotRequired
	case codes.FailedPrecondition:
		return core.ErrNotLeader
	case codes.NotFound:
		return core.ErrSessionNotFound
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	default:
		return err
	}
}
