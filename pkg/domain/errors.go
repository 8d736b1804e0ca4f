package domain

// ErrorKind classifies failures surfaced by the session core.
type ErrorKind string

const (
	KindRequestFailed      ErrorKind = "request_failed"
	KindMalformedResponse  ErrorKind = "malformed_response"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindUserInputRejected  ErrorKind = "user_input_rejected"
)
