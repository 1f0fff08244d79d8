package serialization

import (
	"fmt"
	"time"
)

// EncodingError reports a body or envelope that could not be serialized.
type EncodingError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("serialization: %s: %v", e.Op, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// DecodingError reports bytes that are not a valid envelope or payload.
type DecodingError struct {
	Op          string
	Destination string
	Err         error
	Timestamp   time.Time
}

func (e *DecodingError) Error() string {
	if e.Destination != "" {
		return fmt.Sprintf("serialization: %s %s: %v", e.Op, e.Destination, e.Err)
	}
	return fmt.Sprintf("serialization: %s: %v", e.Op, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

func newEncodingError(op string, err error) *EncodingError {
	return &EncodingError{Op: op, Err: err, Timestamp: time.Now()}
}

func newDecodingError(op, destination string, err error) *DecodingError {
	return &DecodingError{Op: op, Destination: destination, Err: err, Timestamp: time.Now()}
}
