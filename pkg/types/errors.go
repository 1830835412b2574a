package types

import "errors"

// Enum parsing errors
var (
	// ErrUnknownDirection is returned when an io_type is neither write nor read
	ErrUnknownDirection = errors.New("unknown io direction")

	// ErrUnknownFilter is returned when a filter name has no registered codec
	ErrUnknownFilter = errors.New("unknown filter")

	// ErrUnknownParticipation is returned for participation modes other than collective/independent
	ErrUnknownParticipation = errors.New("unknown io participation")
)
