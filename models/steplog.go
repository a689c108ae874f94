package models

import (
	"time"

	"gorm.io/gorm"
)

// StepLog is the append-only record of one attempted/sent step.
// There is at most one row per (execution, step); retries update the
// existing row, keyed by the deterministic dispatch token.
type StepLog struct {
	gorm.Model
	ExecutionID uint `gorm:"not null;uniqueIndex:idx_steplogs_exec_step" json:"execution_id"`
	StepNumber  int  `gorm:"not null;uniqueIndex:idx_steplogs_exec_step" json:"step_number"`

	DispatchToken string `gorm:"not null;uniqueIndex" json:"dispatch_token"`
	DispatchRef   string `gorm:"index" json:"dispatch_ref,omitempty"` // reference returned by the dispatch collaborator

	// Snapshot of what went out, so later sequence edits cannot rewrite history
	Subject  string `json:"subject"`
	Language string `json:"language"`
	Tone     string `json:"tone"`

	SentAt         *time.Time `json:"sent_at"`
	DeliveryStatus string     `gorm:"default:'queued'" json:"delivery_status"`

	// Engagement annotations, filled asynchronously
	OpenedAt   *time.Time `json:"opened_at"`
	ClickedAt  *time.Time `json:"clicked_at"`
	RepliedAt  *time.Time `json:"replied_at"`
	OpenCount  int        `gorm:"default:0" json:"open_count"`
	ClickCount int        `gorm:"default:0" json:"click_count"`

	AttemptCount    int    `gorm:"default:0" json:"attempt_count"`
	LastErrorReason string `json:"last_error_reason,omitempty"`
}

const (
	DeliveryStatusQueued    = "queued"
	DeliveryStatusSent      = "sent"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusBounced   = "bounced"
	DeliveryStatusFailed    = "failed"
)
