package coop

import "errors"

// Domain errors for the coop bridge package.
var (
	// ErrInvalidTopic is returned when an inbound topic is outside the bridge's tree.
	ErrInvalidTopic = errors.New("coop: invalid topic")

	// ErrInvalidMessage is returned when an inbound payload cannot be decoded.
	ErrInvalidMessage = errors.New("coop: invalid message")
)
