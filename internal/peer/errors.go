package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// ErrUnreachable reports a partition: the other controller did not answer.
// Callers treat it as expected and retry later.
var ErrUnreachable = errors.New("peer unreachable")

// RemoteError is returned when the peer answered but the operation failed
// on its side.
type RemoteError struct {
	Op          string
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer %s failed (%s): %s", e.Op, e.Code, e.Description)
}

// IsUnreachable reports whether err is a partition rather than a rejection.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsRemote reports whether err carries a peer-side failure.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// classify maps transport errors onto the partition sentinel, leaving
// everything else untouched.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrInvalidConnection):
		return fmt.Errorf("%s: %w: %w", op, ErrUnreachable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
