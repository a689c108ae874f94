package store

import (
	"context"
	"errors"
	"time"

	"dunner/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict means a compare-and-set lost the race; callers
	// re-read and retry, it is never surfaced outside the engine.
	ErrVersionConflict = errors.New("execution version conflict")

	// ErrDuplicateActive means another pending/active execution already
	// exists for the same (sequence, invoice) pair.
	ErrDuplicateActive = errors.New("active execution already exists")
)

type SequenceStore interface {
	CreateSequence(ctx context.Context, seq *models.SequenceDefinition) error
	GetSequence(ctx context.Context, id uint) (*models.SequenceDefinition, error)
	ListSequences(ctx context.Context, tenantID uint) ([]models.SequenceDefinition, error)
	SetSequenceActive(ctx context.Context, id uint, active bool) error
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	GetInvoice(ctx context.Context, id uint) (*models.Invoice, error)
}

type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uint) (*models.Tenant, error)
}

type CalendarStore interface {
	SaveCalendar(ctx context.Context, cfg *models.CalendarConfig) error
	// GetCalendar returns ErrNotFound when the tenant never configured
	// one; callers fall back to the service default.
	GetCalendar(ctx context.Context, tenantID uint) (*models.CalendarConfig, error)
}

type ExecutionStore interface {
	// CreateExecution fails with ErrDuplicateActive when a pending or
	// active execution for the same (sequence, invoice) already exists.
	CreateExecution(ctx context.Context, e *models.Execution) error
	GetExecution(ctx context.Context, id uint) (*models.Execution, error)
	// FindRunnableExecution returns the pending/active execution for the
	// pair, or ErrNotFound.
	FindRunnableExecution(ctx context.Context, sequenceID, invoiceID uint) (*models.Execution, error)
	// FindLatestExecution returns the most recent execution regardless
	// of status, or ErrNotFound.
	FindLatestExecution(ctx context.Context, sequenceID, invoiceID uint) (*models.Execution, error)
	// ListDue returns runnable executions whose NextRunAt has passed,
	// plus any carrying an unconsumed stop request.
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.Execution, error)
	// UpdateExecutionCAS writes e only if the stored version still equals
	// expectedVersion, bumping Version by one; ErrVersionConflict otherwise.
	UpdateExecutionCAS(ctx context.Context, e *models.Execution, expectedVersion int64) error
	// RequestStop flags a runnable execution for termination at its next
	// tick. It bumps Version so racing CAS writers re-read the flag.
	RequestStop(ctx context.Context, executionID uint, reason string) error
}

type StepLogStore interface {
	// UpsertStepLog creates the row for (execution, step) or, when a
	// retry already created it, updates it in place. Never duplicates.
	UpsertStepLog(ctx context.Context, log *models.StepLog) error
	GetStepLog(ctx context.Context, executionID uint, stepNumber int) (*models.StepLog, error)
	GetStepLogByRef(ctx context.Context, dispatchRef string) (*models.StepLog, error)
	ListStepLogs(ctx context.Context, executionID uint) ([]models.StepLog, error)
}

// Store is everything the engine needs from persistence.
type Store interface {
	SequenceStore
	InvoiceStore
	TenantStore
	CalendarStore
	ExecutionStore
	StepLogStore
}
