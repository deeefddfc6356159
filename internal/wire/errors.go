package wire

import "errors"

var (
	// ErrMalformedMessage covers unknown tags and length mismatches.
	ErrMalformedMessage = errors.New("wire: malformed message")
	// ErrIntegrity is returned when a CRC trailer does not match.
	ErrIntegrity = errors.New("wire: integrity check failed")
	// ErrTooLarge is returned by Encode when a message would not fit the MTU
	// or its counts exceed the wire fields.
	ErrTooLarge = errors.New("wire: message too large")
)
