package dht

import "github.com/pkg/errors"

// Sentinel errors surfaced to callers, per spec §7.
var (
	// ErrChannelNotAvailable is returned when a send is attempted with no
	// channel bound to the Node.
	ErrChannelNotAvailable = errors.New("dht: no channel available")

	// ErrUnknownAddress is logged (not returned) when an error or response
	// message's transaction id is known but arrives from a different
	// address than the one the query was sent to; the message is dropped.
	ErrUnknownAddress = errors.New("dht: response from unknown address")

	// ErrUnexpectedNodeID is logged (not returned) when a response's source
	// address matches the registered remote but its advertised node ID
	// differs from the one previously known for that remote.
	ErrUnexpectedNodeID = errors.New("dht: response node id does not match expected id")

	// ErrMalformedMessage names a structurally invalid query. The built-in
	// handlers do not return it: find_node without a target is answered
	// with a KRPC protocol error instead.
	ErrMalformedMessage = errors.New("dht: malformed query message")

	// ErrTimeout names a query deadline elapsing. Transactions themselves
	// complete with the TimedOut outcome rather than this error.
	ErrTimeout = errors.New("dht: query timed out")

	// ErrCancelled is the Lookup completion error for a caller-initiated
	// cancellation; cancelled transactions complete with OpCancelled.
	ErrCancelled = errors.New("dht: cancelled")

	errNameHostNoBEP42     = errors.New("dht: name hosts cannot hold a BEP 42 node id")
	errUnresolvableAddress = errors.New("dht: address cannot be used to derive a BEP 42 node id")
)

// ErrorResponse wraps a KRPC error message ("e": [code, message]) returned
// by a remote in reply to one of our queries.
type ErrorResponse struct {
	Code    int
	Message string
}

func (e *ErrorResponse) Error() string {
	return errors.Errorf("dht: remote error %d: %s", e.Code, e.Message).Error()
}
