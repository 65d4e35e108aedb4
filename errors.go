package precursors

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/Zereker/precursors/cbc"
	"github.com/Zereker/precursors/netstring"
)

// Errors returned by connection and transport operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected is returned by sends issued before Connect or after
	// the connection has ended.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by a second Connect on a live transport.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrTransportClosed is returned by Connect on a torn down transport.
	// Construct a new Transport to reconnect.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNoTransport is returned when a Channel has no link for the chosen Via.
	ErrNoTransport = errors.New("no transport bound for selection")

	// ErrMalformedPayload is returned for a single frame whose contents are
	// not a valid envelope. It does not end the connection.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrRequestDenied matches every *DeniedError.
	ErrRequestDenied = errors.New("request denied")
)

// Fatal errors on the read path. Both leave the byte stream unusable.
var (
	ErrFraming = netstring.ErrMalformed
	ErrDesync  = cbc.ErrDesync
)

// DeniedError is returned by Channel.Request when the response carries
// confirm=false.
type DeniedError struct {
	Reason   string
	Contents json.RawMessage
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return ErrRequestDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrRequestDenied, e.Reason)
}

// Is reports ErrRequestDenied as a match.
func (e *DeniedError) Is(target error) bool {
	return target == ErrRequestDenied
}
