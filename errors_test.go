package pscompat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifyRetriableCodes(t *testing.T) {
	for _, code := range []codes.Code{codes.DeadlineExceeded, codes.Internal, codes.Canceled, codes.ResourceExhausted} {
		assert.Equal(t, KindRetriable, classify(status.Error(code, "transient")), code.String())
	}
}

func TestClassifyUnavailableIsRetriableUnlessShuttingDown(t *testing.T) {
	assert.Equal(t, KindRetriable, classify(status.Error(codes.Unavailable, "connection reset")))
	assert.Equal(t, KindTerminal, classify(status.Error(codes.Unavailable, "Server shutdownNow invoked")))
}

func TestClassifyNotFound(t *testing.T) {
	assert.Equal(t, KindNotFound, classify(status.Error(codes.NotFound, "no such subscription")))
}

func TestClassifyPermissionFailuresAreTerminal(t *testing.T) {
	assert.Equal(t, KindTerminal, classify(status.Error(codes.PermissionDenied, "denied")))
	assert.Equal(t, KindTerminal, classify(status.Error(codes.Unauthenticated, "bad creds")))
	assert.Equal(t, KindTerminal, classify(status.Error(codes.InvalidArgument, "bad request")))
}

func TestClassifyNonStatusErrorIsRetriable(t *testing.T) {
	assert.Equal(t, KindRetriable, classify(context.DeadlineExceeded))
}

func TestErrorUnwrap(t *testing.T) {
	inner := status.Error(codes.Internal, "boom")
	wrapped := wrapErr(KindRetriable, "Pull", inner)
	assert.ErrorIs(t, wrapped, inner)
}
