package models

import (
	"time"

	"gorm.io/gorm"
)

// Execution tracks one sequence run against one invoice
type Execution struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index:idx_executions_seq_inv" json:"sequence_id"`
	InvoiceID  uint `gorm:"not null;index:idx_executions_seq_inv" json:"invoice_id"`

	// Current state
	Status           string     `gorm:"default:'pending';index" json:"status"`
	CurrentStepIndex int        `gorm:"default:0" json:"current_step_index"` // 0 means no step sent yet
	NextRunAt        *time.Time `gorm:"index" json:"next_run_at"`
	StartedAt        *time.Time `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at"`
	StopReason       string     `json:"stop_reason,omitempty"`

	// Stop signal raised by engagement events or invoice state changes;
	// consumed by the scheduler at the next tick boundary.
	StopRequested     bool   `gorm:"default:false;index" json:"stop_requested"`
	StopRequestReason string `json:"stop_request_reason,omitempty"`

	// Dispatch attempts for the step currently being tried, reset on advance
	AttemptCount int `gorm:"default:0" json:"attempt_count"`

	TriggerType   string `json:"trigger_type"`
	TriggerReason string `json:"trigger_reason"`

	// Bumped on every mutation, drives the optimistic compare-and-set
	Version int64 `gorm:"default:1" json:"version"`
}

const (
	ExecutionStatusPending   = "pending"
	ExecutionStatusActive    = "active"
	ExecutionStatusPaused    = "paused"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusStopped   = "stopped"
	ExecutionStatusFailed    = "failed"
)

// Terminal states are final, no transition ever leaves them.
func (e *Execution) Terminal() bool {
	switch e.Status {
	case ExecutionStatusCompleted, ExecutionStatusStopped, ExecutionStatusFailed:
		return true
	}
	return false
}

func (e *Execution) Runnable() bool {
	return e.Status == ExecutionStatusPending || e.Status == ExecutionStatusActive
}

// Stop reasons recorded on terminated executions
const (
	StopReasonPaymentReceived = "payment_received"
	StopReasonDisputeOpened   = "dispute_opened"
	StopReasonInvoiceClosed   = "invoice_closed"
	StopReasonManual          = "manual"
	StopReasonHardBounce      = "hard_bounce"
	StopReasonSpamComplaint   = "spam_complaint"
	StopReasonRecipientReply  = "recipient_replied"
)
