package stream

import (
	"errors"
	"fmt"
)

var (
	ErrWrongExpectedVersion   = errors.New("wrong expected version")
	ErrStreamNotFound         = errors.New("stream not found")
	ErrMessageNotFound        = errors.New("message not found")
	ErrInvalidStreamID        = errors.New("invalid stream id")
	ErrReservedStream         = errors.New("stream id is in the reserved $ namespace")
	ErrInvalidExpectedVersion = errors.New("invalid expected version")
	ErrInvalidMessage         = errors.New("invalid message")
	ErrStoreClosed            = errors.New("store is closed")
	ErrInvalidMaxCount        = errors.New("max count must be positive")
)

// WrongExpectedVersionError is returned when an append or delete precondition
// does not hold and the request is not an idempotent replay.
type WrongExpectedVersionError struct {
	StreamID ID
	Expected ExpectedVersion
}

func NewWrongExpectedVersion(id ID, expected ExpectedVersion) error {
	return &WrongExpectedVersionError{
		StreamID: id,
		Expected: expected,
	}
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("%s: stream=%s expected=%s", ErrWrongExpectedVersion, e.StreamID, e.Expected)
}

func (e *WrongExpectedVersionError) Is(target error) bool {
	return target == ErrWrongExpectedVersion
}
