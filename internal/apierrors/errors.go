// Package apierrors is the structured error type returned across the
// trigger-function boundary named in §6 (CreateService, TriggerRollout,
// TriggerMigration, ...), modeled on internal/shared/errors.Error from the
// teacher but trimmed to the dispositions §7's error table actually uses —
// this engine has no user-facing HTTP layer of its own, so the
// unauthorized/forbidden/rate-limit variants built for the teacher's API
// server have no caller here and are dropped rather than carried dead.
package apierrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Type classifies an Error the way §7 classifies failure dispositions.
type Type string

const (
	TypeValidation  Type = "validation"
	TypeNotFound    Type = "not_found"
	TypeConflict    Type = "conflict"
	TypeUnavailable Type = "unavailable"
	TypeInternal    Type = "internal"
)

// Error is the structured error returned by trigger functions for
// precondition failures (§7), distinct from the fmt.Errorf-wrapped errors
// used for unexpected internal failures within component code.
type Error struct {
	Type    Type                   `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// StatusCode maps Type to the HTTP status an operator-facing API would use
// to surface this error, kept for parity with the teacher's Error type
// even though nothing in this engine writes an Error over HTTP today.
func (e *Error) StatusCode() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	json.NewEncoder(w).Encode(e)
}

func NewValidation(message string, details map[string]interface{}) *Error {
	return &Error{Type: TypeValidation, Message: message, Code: "VALIDATION_ERROR", Details: details}
}

func NewNotFound(resource string) *Error {
	return &Error{
		Type:    TypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Code:    "RESOURCE_NOT_FOUND",
		Details: map[string]interface{}{"resource": resource},
	}
}

// NewConflict reports a precondition failure such as a rollout already in
// progress for a service (§7: "rollout already in progress").
func NewConflict(message string, details map[string]interface{}) *Error {
	return &Error{Type: TypeConflict, Message: message, Code: "CONFLICT", Details: details}
}

// NewUnavailable reports that an operation cannot proceed because a
// dependency is down, e.g. no healthy hosts for placement (§7).
func NewUnavailable(message string) *Error {
	if message == "" {
		message = "service temporarily unavailable"
	}
	return &Error{Type: TypeUnavailable, Message: message, Code: "SERVICE_UNAVAILABLE"}
}

func NewInternal(message string) *Error {
	if message == "" {
		message = "an internal error occurred"
	}
	return &Error{Type: TypeInternal, Message: message, Code: "INTERNAL_ERROR"}
}

// HandleError writes err as JSON, mapping *Error to its own status code and
// anything else to a generic internal error.
func HandleError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*Error); ok {
		apiErr.WriteJSON(w)
		return
	}
	NewInternal("").WriteJSON(w)
}
