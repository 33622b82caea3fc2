package domain

import "fmt"

// Error types for consistent error handling across the ingestion service.

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in an external service call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrUpstream is a structured error reported by the account aggregator.
type ErrUpstream struct {
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
}

func (e *ErrUpstream) Error() string {
	return fmt.Sprintf("aggregator error %s (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// ErrTimeout indicates an operation exceeded its deadline.
type ErrTimeout struct {
	Operation string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrDuplicate indicates a duplicate record.
type ErrDuplicate struct {
	Key string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("duplicate record: %s", e.Key)
}

// ErrConflict indicates a resource already exists.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrInvalidTransition indicates a review action not allowed from the current status.
type ErrInvalidTransition struct {
	ID     string
	From   StagingStatus
	Action string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("cannot %s staged transaction %s in status %s", e.Action, e.ID, e.From)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// RowError describes one input row that was skipped. Bulk imports identify
// the row by sheet and row number; aggregator records by RecordID.
type RowError struct {
	Sheet    string `json:"sheet"`
	Row      int    `json:"row"`
	RecordID string `json:"record_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

func (e RowError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("record %s: %s", e.RecordID, e.Message)
	}
	return fmt.Sprintf("%s row %d: %s", e.Sheet, e.Row, e.Message)
}
