package server

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/joshp123/pecronhub/internal/retry"
)

var (
	errUnknownAccount = errors.New("unknown account")
	errUnknownDevice  = errors.New("unknown device")
	errMissingValue   = errors.New("missing value")
)

// httpStatus maps coordinator errors onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, errUnknownAccount), errors.Is(err, errUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, retry.ErrDeviceUnavailable):
		return http.StatusConflict
	case errors.Is(err, retry.ErrValidation), errors.Is(err, errMissingValue):
		return http.StatusBadRequest
	case errors.Is(err, retry.ErrAuth):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retry.ErrConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errUnknownAccount), errors.Is(err, errUnknownDevice):
		return codes.NotFound
	case errors.Is(err, retry.ErrDeviceUnavailable):
		return codes.FailedPrecondition
	case errors.Is(err, retry.ErrValidation), errors.Is(err, errMissingValue):
		return codes.InvalidArgument
	case errors.Is(err, retry.ErrAuth):
		return codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retry.ErrConnection):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
