package wire

import "errors"

var (
	// ErrUnexpectedEOF is returned when a message ends before a field is complete.
	ErrUnexpectedEOF = errors.New("wire: unexpected end of message")

	// ErrStringTooLong is returned when a length prefix exceeds the remaining bytes.
	ErrStringTooLong = errors.New("wire: string length exceeds message")

	// ErrNegativeMPInt is returned when an mpint would decode as a negative number.
	ErrNegativeMPInt = errors.New("wire: negative mpint")

	// ErrTrailingBytes is returned when a message carries bytes past its last field.
	ErrTrailingBytes = errors.New("wire: trailing bytes after message")

	// ErrInvalidMessage is returned when a message body contradicts its type.
	ErrInvalidMessage = errors.New("wire: invalid message")
)
