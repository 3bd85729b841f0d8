package models

import "errors"

// Error taxonomy for one evaluation. Callers classify with errors.Is;
// wrapped variants carry the phase context.
var (
	// ErrTransportFailure: the send/receive primitive failed. Retry is
	// the caller's policy, never the core's.
	ErrTransportFailure = errors.New("transport failure")

	// ErrResponseTimeout: no reply within the bound. A zero-credit
	// outcome for the phase, not a fatal error for a batch.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrMalformedResponse: a reply could not be parsed into the
	// expected shape. Scores zero for the affected dimensions with an
	// explicit reason; never silently defaulted to a pass.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInvalidCost: negative or non-finite cost. Fatal for the
	// task's evaluation; never clamped.
	ErrInvalidCost = errors.New("invalid cost")

	// ErrDuplicateAwait: two overlapping waits on the same agent and
	// phase. A caller bug, fatal.
	ErrDuplicateAwait = errors.New("duplicate await")
)
