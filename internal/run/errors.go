package run

import (
	"errors"
	"fmt"
)

// ErrOperatorAbort is returned up the loops when the stop flag is observed.
var ErrOperatorAbort = errors.New("operator requested stop")

// NetworkError covers navigation failures and capture timeouts. Local to a
// date: the loop records the date as an error and continues.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network error during %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// DataShapeError covers unrecognizable or unusable sensor payloads. Local to
// a date.
type DataShapeError struct {
	Err error
}

func (e *DataShapeError) Error() string { return fmt.Sprintf("sensor payload unusable: %v", e.Err) }
func (e *DataShapeError) Unwrap() error { return e.Err }

// DomContractError reports a required selector missing from the page. Farm
// scoped errors fail the farm; the rest are fatal for the run.
type DomContractError struct {
	Selector  string
	FarmLevel bool
	Err       error
}

func (e *DomContractError) Error() string {
	return fmt.Sprintf("required selector %q missing: %v", e.Selector, e.Err)
}
func (e *DomContractError) Unwrap() error { return e.Err }

// AuthError is fatal: login rejected or post-login confirmation timed out.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}
func (e *AuthError) Unwrap() error { return e.Err }

// ClickVerificationError reports a table still empty after click and retry.
type ClickVerificationError struct {
	Farm string
	Date string
}

func (e *ClickVerificationError) Error() string {
	return fmt.Sprintf("table still empty after click retry for %s %s", e.Farm, e.Date)
}

// ValidationError reports unmet report-sending preconditions. Non-fatal; the
// date is skipped with the reason.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("report validation failed: %s", e.Reason) }
