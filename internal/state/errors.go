package state

import "errors"

var (
	// ErrTerminal is returned when a transition targets an entity that has
	// already reached a final state.
	ErrTerminal = errors.New("entity is in a terminal state")
	// ErrInvalidTransition is returned for edges outside the entity's machine.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrUnknownState is returned when a wire value is not a state of the kind.
	ErrUnknownState = errors.New("unknown state")
)
