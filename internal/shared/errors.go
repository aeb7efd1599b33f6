package shared

import (
	"context"
	"errors"
)

// Failure taxonomy shared by the kernel, the market and the lifecycle manager.
var (
	ErrCapabilityMismatch    = errors.New("capability mismatch")
	ErrToolFailure           = errors.New("tool failure")
	ErrConstitutionViolation = errors.New("constitution violation")
	ErrBudgetExhausted       = errors.New("budget exhausted")
	ErrMarketTimeout         = errors.New("market timeout")
	ErrConcurrencyConflict   = errors.New("concurrency conflict")
)

// ErrorClass names a taxonomy bucket for logs, metrics and reason codes.
type ErrorClass string

const (
	ClassCapabilityMismatch    ErrorClass = "CAPABILITY_MISMATCH"
	ClassToolFailure           ErrorClass = "TOOL_FAILURE"
	ClassConstitutionViolation ErrorClass = "CONSTITUTION_VIOLATION"
	ClassBudgetExhausted       ErrorClass = "BUDGET_EXHAUSTED"
	ClassMarketTimeout         ErrorClass = "MARKET_TIMEOUT"
	ClassConcurrencyConflict   ErrorClass = "CONCURRENCY_CONFLICT"
	ClassTimeout               ErrorClass = "TIMEOUT"
	ClassUnknown               ErrorClass = "UNKNOWN"
)

// Classify maps an error onto the taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrCapabilityMismatch):
		return ClassCapabilityMismatch
	case errors.Is(err, ErrToolFailure):
		return ClassToolFailure
	case errors.Is(err, ErrConstitutionViolation):
		return ClassConstitutionViolation
	case errors.Is(err, ErrBudgetExhausted):
		return ClassBudgetExhausted
	case errors.Is(err, ErrMarketTimeout):
		return ClassMarketTimeout
	case errors.Is(err, ErrConcurrencyConflict):
		return ClassConcurrencyConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassUnknown
	}
}

// Deterministic reason codes attached to terminal task outcomes.
const (
	ReasonCompleted             = "COMPLETED"
	ReasonFailedNoBidders       = "FAILED_NO_BIDDERS"
	ReasonRetriesExhausted      = "RETRIES_EXHAUSTED"
	ReasonConstitutionViolation = "CONSTITUTION_VIOLATION"
	ReasonDeadlineExceeded      = "DEADLINE_EXCEEDED"
	ReasonUnverifiedSource      = "UNVERIFIED_SOURCE"
	ReasonMarketHalted          = "MARKET_HALTED"
)
