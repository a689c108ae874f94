package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/badoux/checkmail"

	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

// TriggerType is a closed set; adding one means extending the switch in
// Evaluate, which the default case makes a loud failure instead of a
// silent string mismatch.
type TriggerType string

const (
	TriggerManual            TriggerType = "manual"
	TriggerInvoiceOverdue    TriggerType = "invoice_overdue"
	TriggerInvoiceAgeExceeds TriggerType = "invoice_age_exceeds"
)

// TriggerCondition decides whether an invoice should enter a sequence.
type TriggerCondition struct {
	Type     TriggerType `json:"type"`
	Operator string      `json:"operator,omitempty"` // only ">=" is meaningful today
	Value    int         `json:"value,omitempty"`    // days, for age triggers
}

// Evaluate reports whether the condition currently holds for the invoice.
func (c TriggerCondition) Evaluate(inv *models.Invoice, now time.Time) (bool, error) {
	switch c.Type {
	case TriggerManual:
		return true, nil
	case TriggerInvoiceOverdue:
		return inv.Status == models.InvoiceStatusOpen && now.After(inv.DueDate), nil
	case TriggerInvoiceAgeExceeds:
		if c.Value < 0 {
			return false, fmt.Errorf("invoice_age_exceeds requires a non-negative day count")
		}
		return inv.Status == models.InvoiceStatusOpen && inv.DaysOverdue(now) >= c.Value, nil
	default:
		return false, fmt.Errorf("unsupported trigger type %q", c.Type)
	}
}

// StartOptions mirror the start() surface of the control API.
type StartOptions struct {
	StartImmediately bool
	CustomStartTime  *time.Time
	// SkipValidation bypasses the trigger condition and recipient checks
	// for operator-driven starts. Terminal invoices stay ineligible.
	SkipValidation bool
	TriggerReason  string
}

// Evaluator owns execution creation and the synchronous control calls
// (stop, pause, resume, status). Ticking belongs to the Scheduler.
type Evaluator struct {
	Store         store.Store
	DefaultWindow utils.WindowConfig
	Logger        *log.Logger
	Now           func() time.Time
}

func NewEvaluator(st store.Store, defaultWindow utils.WindowConfig, logger *log.Logger) *Evaluator {
	return &Evaluator{
		Store:         st,
		DefaultWindow: defaultWindow,
		Logger:        logger,
		Now:           time.Now,
	}
}

// Start creates a new execution for (sequence, invoice) or fails with a
// typed error. Preconditions are checked in order: sequence active,
// invoice eligible, no runnable execution yet.
func (ev *Evaluator) Start(ctx context.Context, sequenceID, invoiceID uint, cond TriggerCondition, opts StartOptions) (uint, error) {
	now := ev.Now()

	seq, err := ev.Store.GetSequence(ctx, sequenceID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrSequenceNotFound
	}
	if err != nil {
		return 0, err
	}
	if !seq.Active {
		return 0, ErrSequenceInactive
	}
	if len(seq.Steps) == 0 {
		return 0, &ValidationError{Issues: []string{"sequence has no steps"}}
	}

	inv, err := ev.Store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrInvoiceNotFound
	}
	if err != nil {
		return 0, err
	}
	if inv.Terminal() {
		return 0, &IneligibleInvoiceError{Reason: "invoice status is " + inv.Status}
	}
	if !opts.SkipValidation {
		if err := checkmail.ValidateFormat(inv.RecipientEmail); err != nil {
			return 0, &IneligibleInvoiceError{Reason: "no eligible recipient: " + err.Error()}
		}
		ok, err := cond.Evaluate(inv, now)
		if err != nil {
			return 0, &ValidationError{Issues: []string{err.Error()}}
		}
		if !ok {
			return 0, &IneligibleInvoiceError{Reason: "trigger condition not met"}
		}
	}

	if existing, err := ev.Store.FindRunnableExecution(ctx, sequenceID, invoiceID); err == nil {
		return 0, &ConflictError{ExistingExecutionID: existing.ID}
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	window, err := ev.windowFor(ctx, seq.TenantID)
	if err != nil {
		return 0, err
	}

	exec := &models.Execution{
		SequenceID:    sequenceID,
		InvoiceID:     invoiceID,
		Status:        models.ExecutionStatusPending,
		TriggerType:   string(cond.Type),
		TriggerReason: opts.TriggerReason,
	}

	if opts.StartImmediately {
		runAt, err := utils.NextValidInstant(now, window)
		if err != nil {
			return 0, err
		}
		exec.Status = models.ExecutionStatusActive
		exec.StartedAt = utils.Pointer(now)
		exec.NextRunAt = utils.Pointer(runAt)
	} else {
		base := now.Add(time.Duration(seq.Steps[0].DelayDays) * 24 * time.Hour)
		if opts.CustomStartTime != nil {
			base = *opts.CustomStartTime
		}
		runAt, err := utils.NextValidInstant(base, window)
		if err != nil {
			return 0, err
		}
		exec.NextRunAt = utils.Pointer(runAt)
	}

	if err := ev.Store.CreateExecution(ctx, exec); err != nil {
		// Lost the creation race: hand back the winner's ID.
		if errors.Is(err, store.ErrDuplicateActive) {
			if existing, ferr := ev.Store.FindRunnableExecution(ctx, sequenceID, invoiceID); ferr == nil {
				return 0, &ConflictError{ExistingExecutionID: existing.ID}
			}
			return 0, err
		}
		return 0, err
	}

	ev.Logger.Printf("execution %d created for sequence %d invoice %d (next run %s)",
		exec.ID, sequenceID, invoiceID, exec.NextRunAt.Format(time.RFC3339))
	return exec.ID, nil
}

// Stop terminates the runnable execution for the pair. A second call
// returns NotRunningError instead of erroring, per the control contract.
func (ev *Evaluator) Stop(ctx context.Context, sequenceID, invoiceID uint, reason string) error {
	if reason == "" {
		reason = models.StopReasonManual
	}
	return ev.transition(ctx, sequenceID, invoiceID, func(e *models.Execution) error {
		if !e.Runnable() {
			return &NotRunningError{Status: e.Status}
		}
		now := ev.Now()
		e.Status = models.ExecutionStatusStopped
		e.StopReason = reason
		e.CompletedAt = utils.Pointer(now)
		e.NextRunAt = nil
		return nil
	})
}

// Pause suspends ticking without terminating. Only ACTIVE pauses.
func (ev *Evaluator) Pause(ctx context.Context, sequenceID, invoiceID uint) error {
	return ev.transition(ctx, sequenceID, invoiceID, func(e *models.Execution) error {
		if e.Status != models.ExecutionStatusActive {
			return &NotRunningError{Status: e.Status}
		}
		e.Status = models.ExecutionStatusPaused
		return nil
	})
}

// Resume re-activates a paused execution and re-plans its next run so
// the window invariant holds again.
func (ev *Evaluator) Resume(ctx context.Context, sequenceID, invoiceID uint) error {
	return ev.transition(ctx, sequenceID, invoiceID, func(e *models.Execution) error {
		if e.Status != models.ExecutionStatusPaused {
			return &NotRunningError{Status: e.Status}
		}
		seq, err := ev.Store.GetSequence(ctx, e.SequenceID)
		if err != nil {
			return err
		}
		window, err := ev.windowFor(ctx, seq.TenantID)
		if err != nil {
			return err
		}
		runAt, err := utils.NextValidInstant(ev.Now(), window)
		if err != nil {
			return err
		}
		e.Status = models.ExecutionStatusActive
		e.NextRunAt = utils.Pointer(runAt)
		return nil
	})
}

// Status returns the latest execution for the pair with its step logs.
// A nil execution means the pair never ran.
func (ev *Evaluator) Status(ctx context.Context, sequenceID, invoiceID uint) (*models.Execution, []models.StepLog, error) {
	exec, err := ev.Store.FindLatestExecution(ctx, sequenceID, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	logs, err := ev.Store.ListStepLogs(ctx, exec.ID)
	if err != nil {
		return nil, nil, err
	}
	return exec, logs, nil
}

const transitionRetries = 5

// transition applies mutate under the optimistic CAS, re-reading on a
// version conflict. A pair without any execution yields NotRunningError.
func (ev *Evaluator) transition(ctx context.Context, sequenceID, invoiceID uint, mutate func(*models.Execution) error) error {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		exec, err := ev.Store.FindLatestExecution(ctx, sequenceID, invoiceID)
		if errors.Is(err, store.ErrNotFound) {
			return &NotRunningError{}
		}
		if err != nil {
			return err
		}
		expected := exec.Version
		if err := mutate(exec); err != nil {
			return err
		}
		err = ev.Store.UpdateExecutionCAS(ctx, exec, expected)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return store.ErrVersionConflict
}

func (ev *Evaluator) windowFor(ctx context.Context, tenantID uint) (utils.WindowConfig, error) {
	cfg, err := ev.Store.GetCalendar(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return ev.DefaultWindow, nil
	}
	if err != nil {
		return utils.WindowConfig{}, err
	}
	return utils.WindowFromModel(*cfg)
}
