package types

import "fmt"

// ValidationError reports a malformed or policy-violating order. Such
// orders are rejected synchronously at submission and never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PermissionError reports a market-closed or position-limit rejection.
// The reason is human readable and carries the context needed to
// reconstruct the decision.
type PermissionError struct {
	Market Market
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Market == "" {
		return "not permitted: " + e.Reason
	}
	return fmt.Sprintf("not permitted (%s): %s", e.Market, e.Reason)
}

func NewPermissionError(market Market, format string, args ...interface{}) *PermissionError {
	return &PermissionError{Market: market, Reason: fmt.Sprintf(format, args...)}
}
