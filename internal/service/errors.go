package service

import (
	"errors"
	"fmt"

	"account-recovery-service/internal/models"
)

// Sentinel errors for the recovery and enrollment flows. Handlers map
// these onto HTTP status codes; nothing below the handler layer knows
// about HTTP.
var (
	// ErrInvalidToken covers every token rejection: unknown, already
	// consumed, superseded, or belonging to a terminal request. Callers
	// get no further detail about which.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrTooEarly means the grant was attempted before the waiting
	// period elapsed.
	ErrTooEarly = errors.New("waiting period has not elapsed")

	// ErrAlreadyGranted means the request was granted previously;
	// granting is not idempotent.
	ErrAlreadyGranted = errors.New("request already granted")

	// ErrInvalidCode means the submitted one-time code did not verify
	// against the candidate secret.
	ErrInvalidCode = errors.New("invalid verification code")

	// ErrProofingGateBlocked means the identity is verified to the
	// assurance level that forbids self-service reset.
	ErrProofingGateBlocked = errors.New("identity verification level forbids reset")

	// ErrRequestConflict means a concurrent writer won the race on the
	// same identity's request row.
	ErrRequestConflict = errors.New("concurrent modification of reset request")

	// ErrPersistenceFailure wraps storage errors so callers can tell
	// infrastructure trouble from domain rejections.
	ErrPersistenceFailure = errors.New("persistence failure")

	ErrIdentityNotFound  = errors.New("identity not found")
	ErrFactorNotFound    = errors.New("factor not found")
	ErrCandidateNotFound = errors.New("enrollment candidate not found")
)

// PolicyViolationError carries the violations and the factor census
// taken at evaluation time. It unwraps to ErrPolicyViolation so callers
// can match either way.
type PolicyViolationError struct {
	Violations   map[string][]string
	CountsByKind map[models.FactorKind]int
}

var ErrPolicyViolation = errors.New("policy violation")

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %v", e.Violations)
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrPolicyViolation
}

func persistence(err error) error {
	return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
}
