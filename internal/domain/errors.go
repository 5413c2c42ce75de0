package domain

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError describes a single failing field within a draft.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError reports every failing field of a malformed draft, never
// only the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a failing field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Err returns the error itself when at least one field failed, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// MaterialNotFoundError signals an unknown material reference.
type MaterialNotFoundError struct {
	MaterialID string
}

func (e *MaterialNotFoundError) Error() string {
	return fmt.Sprintf("material %q not found", e.MaterialID)
}

// PartyNotFoundError signals an unknown party reference.
type PartyNotFoundError struct {
	PartyID string
}

func (e *PartyNotFoundError) Error() string {
	return fmt.Sprintf("party %q not found", e.PartyID)
}

// InvalidTransitionError signals a lifecycle event applied outside the
// transition graph, including lost compare-and-swap races.
type InvalidTransitionError struct {
	Current TransactionStatus
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot apply %q while %q", e.Event, e.Current)
}

// UnauthorizedActorError signals a transition requested by an actor the
// table does not authorize.
type UnauthorizedActorError struct {
	ActorID string
	Event   Event
}

func (e *UnauthorizedActorError) Error() string {
	return fmt.Sprintf("actor %q is not authorized to %q", e.ActorID, e.Event)
}

// ReceiptNotReadyError signals a receipt request before the transaction
// reached an accepting state.
type ReceiptNotReadyError struct {
	TransactionID string
	Status        TransactionStatus
}

func (e *ReceiptNotReadyError) Error() string {
	return fmt.Sprintf("receipt for transaction %q not available while %q", e.TransactionID, e.Status)
}

// PersistenceError wraps a ledger failure. Transient failures may be
// retried by the caller; permanent ones must surface immediately.
type PersistenceError struct {
	Op            string
	TransactionID string
	Transient     bool
	Err           error
}

func (e *PersistenceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.TransactionID == "" {
		return fmt.Sprintf("%s: %s persistence failure: %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("%s (transaction %s): %s persistence failure: %v", e.Op, e.TransactionID, kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable persistence failure.
func IsTransient(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Transient
}
