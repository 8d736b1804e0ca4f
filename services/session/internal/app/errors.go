package app

import (
	"errors"
	"fmt"

	"docintel/pkg/domain"
	"docintel/services/session/internal/analysisclient"
	"docintel/services/session/internal/store"
)

var (
	// ErrUserInputRejected marks guard no-ops. The session is left unchanged.
	ErrUserInputRejected = errors.New("user input rejected")

	ErrNoDocument    = fmt.Errorf("%w: %s", ErrUserInputRejected, msgNoDocument)
	ErrEmptyQuestion = fmt.Errorf("%w: question is empty", ErrUserInputRejected)
	ErrNotAnalyzed   = fmt.Errorf("%w: document has not been analyzed", ErrUserInputRejected)
	ErrBusy          = fmt.Errorf("%w: a request is already in flight", ErrUserInputRejected)

	// ErrStaleResponse reports a completed call whose result was discarded
	// because the session moved on while it was in flight.
	ErrStaleResponse = errors.New("stale response discarded")

	ErrSessionNotFound = errors.New("session not found")

	ErrTranscriptNotFound  = errors.New("transcript not found")
	ErrTranscriptsDisabled = errors.New("transcript archive is not configured")
)

const msgNoDocument = "Please upload a document first."

func rejectInput(err error) error {
	return fmt.Errorf("%w: %w", ErrUserInputRejected, err)
}

// KindOf classifies err, or returns "" for errors outside the taxonomy
// such as ErrStaleResponse and ErrSessionNotFound.
func KindOf(err error) domain.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserInputRejected):
		return domain.KindUserInputRejected
	case errors.Is(err, store.ErrInvariantViolation):
		return domain.KindInvariantViolation
	}
	return analysisclient.KindOf(err)
}
