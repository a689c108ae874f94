package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSequenceNotFound = errors.New("sequence not found")
	ErrSequenceInactive = errors.New("sequence is not active")
	ErrInvoiceNotFound  = errors.New("invoice not found")
)

// ValidationError rejects malformed sequence or trigger input. Always
// surfaced synchronously to the caller.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Issues, "; ")
}

// ConflictError means a start() collided with an existing runnable
// execution; it carries the winner's ID so the caller can adopt it.
type ConflictError struct {
	ExistingExecutionID uint
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("execution %d is already running for this sequence and invoice", e.ExistingExecutionID)
}

// IneligibleInvoiceError means the invoice may not enter a sequence:
// already settled, cancelled, or without a usable recipient.
type IneligibleInvoiceError struct {
	Reason string
}

func (e *IneligibleInvoiceError) Error() string {
	return "invoice is not eligible: " + e.Reason
}

// NotRunningError is the idempotent answer to stopping (or pausing)
// something that is not running.
type NotRunningError struct {
	Status string
}

func (e *NotRunningError) Error() string {
	if e.Status == "" {
		return "no execution is running for this sequence and invoice"
	}
	return "execution is not running, current status: " + e.Status
}
