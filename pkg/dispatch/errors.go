package dispatch

import "errors"

var (
	ErrInvalidResult = errors.New("task returned an empty result")
	ErrTaskPanicked  = errors.New("task panicked")
	ErrExhausted     = errors.New("task retries exhausted")
)
