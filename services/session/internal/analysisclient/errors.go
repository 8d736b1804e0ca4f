package analysisclient

import (
	"errors"
	"fmt"

	"docintel/pkg/domain"
)

const (
	OpAnalyze = "analyze"
	OpChat    = "chat"
)

// TransportError is the uniform failure returned by both remote calls.
// Error() is safe to show to a user; Detail and Err carry the cause.
type TransportError struct {
	Kind   domain.ErrorKind
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Kind == domain.KindMalformedResponse {
		return "The analysis service returned an unreadable response."
	}
	if e.Op == OpChat {
		return "Failed to get chat response. Please try again."
	}
	return "Failed to analyze the document. Please try again."
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Describe renders the full cause for logs.
func (e *TransportError) Describe() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Detail != "" {
		msg += " detail=" + e.Detail
	}
	if e.Err != nil {
		msg += " err=" + e.Err.Error()
	}
	return msg
}

// KindOf reports the transport error kind, or "" for other errors.
func KindOf(err error) domain.ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// ErrInvalidInput is returned before any request is made.
var ErrInvalidInput = errors.New("invalid transport input")

func requestFailed(op string, status int, detail string, err error) *TransportError {
	return &TransportError{Kind: domain.KindRequestFailed, Op: op, Status: status, Detail: detail, Err: err}
}

func malformed(op string, status int, err error) *TransportError {
	return &TransportError{Kind: domain.KindMalformedResponse, Op: op, Status: status, Err: err}
}
