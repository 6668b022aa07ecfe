package clinic

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is the machine-distinguishable category of a domain rejection. The
// HTTP layer maps kinds to status codes and never inspects messages.
type Kind string

const (
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindValidation      Kind = "validation"
	KindConflict        Kind = "conflict"
	KindInvalidState    Kind = "invalid_state"
)

// Conflict codes.
const (
	ConflictScheduleOverlap   = "schedule_overlap"
	ConflictDuplicateLicense  = "duplicate_license"
	ConflictDuplicateNational = "duplicate_national_id"
	ConflictBookingInProgress = "booking_in_progress"
)

// Error is the single typed error returned for every rejected operation.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on kind and code, so a sentinel such as ErrPatientNotFound equals
// any NotFound("patient", id) value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Unauthenticated rejects a missing or invalid credential.
func Unauthenticated(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Code: "unauthenticated", Message: message}
}

// Unauthorized rejects an authenticated caller lacking a role or ownership.
func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Code: "forbidden", Message: reason}
}

// NotFound reports a missing entity; its code is entity + "_not_found".
func NotFound(entity string, id uuid.UUID) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    entity + "_not_found",
		Field:   entity,
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

// Validation reports a field breaking rule.
func Validation(field, rule, message string) *Error {
	return &Error{Kind: KindValidation, Code: rule, Field: field, Message: message}
}

// Conflict reports a clash with existing records.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// InvalidState reports an operation the record's current state forbids.
func InvalidState(code, message string) *Error {
	return &Error{Kind: KindInvalidState, Code: code, Message: message}
}

// KindOf returns the kind of a domain error, or "" for anything else
// (storage, connectivity, programming errors).
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err is a domain error of kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
