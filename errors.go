package binlog

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrTruncatedRecord is returned when a record declares more bytes
	// than are available. It always faults the stream.
	ErrTruncatedRecord = errors.ConstError("truncated record")

	// ErrUnknownFieldType is returned when a column type cannot be sized.
	ErrUnknownFieldType = errors.ConstError("unknown field type")

	// ErrUnresolvedTable is returned by RowsEvent.Rows when no TableMapEvent
	// was seen for the referenced table id. It never faults the stream.
	ErrUnresolvedTable = errors.ConstError("unresolved table reference")

	// ErrChecksum is returned when an event's CRC32 trailer does not match.
	ErrChecksum = errors.ConstError("event checksum mismatch")

	// ErrMalformedPacket used to indicate malformed packet.
	ErrMalformedPacket = errors.ConstError("malformed packet")

	// ErrNotConnected is returned by NextEvent before Connect.
	ErrNotConnected = errors.ConstError("driver not connected")

	// ErrClosed is returned by drivers used after Close or after
	// a fatal error has already been reported.
	ErrClosed = errors.ConstError("driver closed")
)

// TransportError wraps an I/O failure on the connection to the server.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("binlog: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is an ERR packet sent by the server.
type ServerError struct {
	Code     uint16
	SQLState string
	Message  string
}

func (e *ServerError) Error() string {
	if e.SQLState == "" {
		return fmt.Sprintf("Error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("Error %d (%s): %s", e.Code, e.SQLState, e.Message)
}

func isTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
