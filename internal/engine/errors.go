package engine

import "fmt"

// ValidationError is a rejected input: missing or malformed fields.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is a missing token, appointment, or visit.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// DuplicateActiveTokenError rejects a second active token for the same
// patient, doctor, and day.
type DuplicateActiveTokenError struct {
	PatientID       string
	DoctorID        string
	ExistingTokenID string
	ExistingNumber  int
}

func (e *DuplicateActiveTokenError) Error() string {
	return fmt.Sprintf("patient %s already holds active token #%d for doctor %s",
		e.PatientID, e.ExistingNumber, e.DoctorID)
}

// InvalidTransitionError rejects a lifecycle move the state machine does not
// allow.
type InvalidTransitionError struct {
	TokenID string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("token %s cannot move from %s to %s", e.TokenID, e.From, e.To)
}

// ConsultationInProgressError rejects a call or start while the doctor is
// already serving someone.
type ConsultationInProgressError struct {
	DoctorID       string
	ServingTokenID string
}

func (e *ConsultationInProgressError) Error() string {
	return fmt.Sprintf("doctor %s already has a consultation in progress", e.DoctorID)
}

// CapacityExceededError rejects a walk-in the shift cannot absorb. Decision
// carries the full explanation for the caller to render.
type CapacityExceededError struct {
	Decision WalkInDecision
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("walk-in rejected for doctor %s: %s", e.Decision.DoctorID, e.Decision.Reason)
}

// CollaboratorUnavailableError wraps a failed call to an external
// collaborator that the operation cannot proceed without.
type CollaboratorUnavailableError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorUnavailableError) Unwrap() error { return e.Err }
