package domain

import "errors"

// Domain errors
var (
	// ErrConcurrencyConflict is returned when an append or save sees a newer version.
	// Recovered by reloading and re-applying the command.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrInvalidStageTransition is returned when a message arrives while the
	// aggregate or process is in a state that does not accept it
	ErrInvalidStageTransition = errors.New("invalid stage transition")

	// ErrNotFound is returned when a stream or process does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest is returned for requests that can never succeed
	ErrInvalidRequest = errors.New("invalid request")

	// Order errors
	ErrOrderAlreadyPlaced = errors.New("order already placed")

	// Messaging errors
	ErrUnknownMessage = errors.New("unknown message type")
)

// IsConcurrencyConflict checks if err is a concurrency conflict
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsInvalidStageTransition checks if err is an invalid stage transition
func IsInvalidStageTransition(err error) bool {
	return errors.Is(err, ErrInvalidStageTransition)
}

// IsNotFound checks if err is a not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidRequest checks if err is an invalid request
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsPermanent reports whether redelivering the message can never succeed
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidStageTransition) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrOrderAlreadyPlaced) ||
		errors.Is(err, ErrUnknownMessage)
}
