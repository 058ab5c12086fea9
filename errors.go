package pscompat

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies a failure the way §7 of the design groups them,
// so callers can decide whether to retry, fail fast, or just log.
type ErrorKind int

const (
	KindRetriable ErrorKind = iota
	KindNotFound
	KindUnparsableOffset
	KindCapacityExceeded
	KindTerminal
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetriable:
		return "retriable"
	case KindNotFound:
		return "not_found"
	case KindUnparsableOffset:
		return "unparsable_offset"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindTerminal:
		return "terminal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps a subsystem failure and includes the kind and operation
// that produced it. It plays the role ConsumerError plays for sarama's
// PartitionConsumer.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pscompat: %s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrCapacityExceeded is returned by PendingLedger.Admit when admitting
// a batch would exceed max_pull_records*2 outstanding messages.
var ErrCapacityExceeded = errors.New("pscompat: ledger capacity exceeded")

// ErrSubscriptionNotFound is returned by subscription resolution when
// the named subscription does not exist and creation is not allowed. A
// failed creation returns the CreateSubscription error instead.
var ErrSubscriptionNotFound = errors.New("pscompat: subscription not found")

// classify maps an RPC error into an ErrorKind following the same
// status-code triage cloud.google.com/go/pubsub uses internally
// (see isRetryable in its vendored service.go): DeadlineExceeded,
// Internal, Canceled and ResourceExhausted are retried; Unavailable is
// retried unless the server told us it is shutting down for good.
func classify(err error) ErrorKind {
	if err == nil {
		return KindRetriable
	}
	s, ok := status.FromError(err)
	if !ok {
		// includes io.EOF and similar transport hiccups: treat as
		// retriable, matching the "includes io.EOF" comment in the
		// reference implementation.
		return KindRetriable
	}
	switch s.Code() {
	case codes.DeadlineExceeded, codes.Internal, codes.Canceled, codes.ResourceExhausted, codes.Unavailable:
		if s.Code() == codes.Unavailable && strings.Contains(s.Message(), "Server shutdownNow invoked") {
			return KindTerminal
		}
		return KindRetriable
	case codes.NotFound:
		return KindNotFound
	case codes.PermissionDenied, codes.Unauthenticated, codes.InvalidArgument:
		return KindTerminal
	default:
		return KindTerminal
	}
}
