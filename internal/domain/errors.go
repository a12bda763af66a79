// Package domain defines the error taxonomy shared by the orchestrator,
// the HTTP surface and the schedulers.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound — the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized — the actor lacks rights over the deal or channel.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrLockBusy — another process holds the lease for this operation.
	ErrLockBusy = errors.New("operation lock busy")
)

// InvalidTransitionError is returned when a precondition is violated by
// the deal's current status. Current carries the live status so the
// caller can resynchronize.
type InvalidTransitionError struct {
	Current   string
	Attempted string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition to %s: deal is %s", e.Attempted, e.Current)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError
// and returns the current status if so.
func IsInvalidTransition(err error) (*InvalidTransitionError, bool) {
	var e *InvalidTransitionError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// VerificationError is returned when the settlement network or the
// messaging platform could not confirm payment, identity or publication.
// Retryable reports a "not yet" condition rather than a terminal failure.
type VerificationError struct {
	Reason    string
	Retryable bool
}

func (e *VerificationError) Error() string { return e.Reason }

// ErrPaymentNotDetected — the expected deposit has not reached the
// escrow address yet. Retryable.
func ErrPaymentNotDetected() error {
	return &VerificationError{Reason: "payment not detected yet", Retryable: true}
}

// IsRetryableVerification reports whether err is a retryable
// verification failure.
func IsRetryableVerification(err error) bool {
	var e *VerificationError
	return errors.As(err, &e) && e.Retryable
}
