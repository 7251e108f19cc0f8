package collcomm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Fatal error classes for gradient synchronization.
//
// Concrete errors wrap one of these with context, so use
// errors.Is to classify them.
var (
	// ErrConfiguration means the cluster or variable set
	// can never be synchronized, e.g. there are fewer
	// variables than workers.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport means a message could not be sent or a
	// peer is unreachable.
	ErrTransport = errors.New("transport error")

	// ErrProtocolViolation means a message arrived that
	// the ring protocol should never produce, such as a
	// duplicate or a message for the wrong stage.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrAggregationTimeout means the parameter service
	// could not complete a round in time.
	ErrAggregationTimeout = errors.New("aggregation timeout")
)

// ConfigError creates an error wrapping ErrConfiguration.
func ConfigError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// TransportError wraps err as an ErrTransport.
func TransportError(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrTransport, "%s: %v", fmt.Sprintf(format, args...), err)
}

// ProtocolError creates an error wrapping
// ErrProtocolViolation.
func ProtocolError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}
