package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

// SchedulerConfig bundles the tick-time knobs.
type SchedulerConfig struct {
	MaxAttempts        int           // dispatch attempts per step before FAILED
	BackoffBase        time.Duration // first retry delay, doubled per attempt
	BackoffCap         time.Duration
	ComplianceCooldown time.Duration // deferral after a gate rejection
	DispatchTimeout    time.Duration
	DefaultWindow      utils.WindowConfig
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 4 * time.Hour
	}
	if c.ComplianceCooldown <= 0 {
		c.ComplianceCooldown = time.Hour
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

// Scheduler advances executions one compare-and-set mutation at a time.
// It holds no per-execution state, so any number of worker instances can
// tick the same rows; the version column picks the single winner.
type Scheduler struct {
	Store      store.Store
	Dispatcher utils.Dispatcher
	Notifier   *Notifier
	Logger     *log.Logger
	Config     SchedulerConfig
	Now        func() time.Time
}

func NewScheduler(st store.Store, dispatcher utils.Dispatcher, notifier *Notifier, logger *log.Logger, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{
		Store:      st,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Logger:     logger,
		Config:     cfg.withDefaults(),
		Now:        time.Now,
	}
}

const tickIterations = 6

// Tick processes one execution: at most one dispatch, possibly preceded
// by an activation, ending at the first CAS that sticks. Version
// conflicts mean another worker won this cycle; we re-read and either
// find nothing left to do or pick up where the winner crashed.
func (s *Scheduler) Tick(ctx context.Context, executionID uint) error {
	for i := 0; i < tickIterations; i++ {
		exec, err := s.Store.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}

		again, err := s.step(ctx, exec)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil || !again {
			return err
		}
	}
	return nil
}

// step performs the next single transition for exec. It returns true
// when the tick should re-read and continue (activation happened, or a
// dispatch completed and the advance must be confirmed).
func (s *Scheduler) step(ctx context.Context, exec *models.Execution) (bool, error) {
	if exec.Terminal() || exec.Status == models.ExecutionStatusPaused {
		return false, nil
	}
	now := s.Now()

	// Stop signals win over everything, checked before any dispatch.
	if reason, stopped := s.pendingStopReason(ctx, exec); stopped {
		return false, s.terminate(ctx, exec, models.ExecutionStatusStopped, reason, now)
	}

	if exec.NextRunAt == nil || exec.NextRunAt.After(now) {
		return false, nil
	}

	if exec.Status == models.ExecutionStatusPending {
		expected := exec.Version
		exec.Status = models.ExecutionStatusActive
		if exec.StartedAt == nil {
			exec.StartedAt = utils.Pointer(now)
		}
		if err := s.Store.UpdateExecutionCAS(ctx, exec, expected); err != nil {
			return false, err
		}
		return true, nil
	}

	return s.fireStep(ctx, exec, now)
}

// fireStep runs the due step of an ACTIVE execution through render,
// gate, dispatch and advance.
func (s *Scheduler) fireStep(ctx context.Context, exec *models.Execution, now time.Time) (bool, error) {
	seq, err := s.Store.GetSequence(ctx, exec.SequenceID)
	if err != nil {
		return false, err
	}
	inv, err := s.Store.GetInvoice(ctx, exec.InvoiceID)
	if err != nil {
		return false, err
	}
	tenant, err := s.Store.GetTenant(ctx, seq.TenantID)
	if err != nil {
		return false, err
	}
	window, err := s.windowFor(ctx, seq.TenantID)
	if err != nil {
		return false, err
	}

	if exec.CurrentStepIndex >= len(seq.Steps) {
		// Nothing left to send; close out.
		return false, s.complete(ctx, exec, now)
	}
	step := seq.Steps[exec.CurrentStepIndex]

	// NextRunAt was inside the window when planned, but a slow poll can
	// cross the closing hour. Re-plan instead of sending after hours.
	if !utils.IsWithinWindow(now, window) {
		runAt, werr := utils.NextValidInstant(now, window)
		if werr != nil {
			return false, werr
		}
		expected := exec.Version
		exec.NextRunAt = utils.Pointer(runAt)
		return false, s.Store.UpdateExecutionCAS(ctx, exec, expected)
	}

	// A sent StepLog for this index means a previous tick crashed after
	// dispatch: confirm the advance without sending again.
	if prior, lerr := s.Store.GetStepLog(ctx, exec.ID, step.StepNumber); lerr == nil &&
		(prior.DeliveryStatus == models.DeliveryStatusSent || prior.DeliveryStatus == models.DeliveryStatusDelivered) {
		return false, s.advance(ctx, exec, seq, window, step.StepNumber, now)
	}

	messages, err := utils.RenderStep(step, inv, now)
	if err != nil {
		// Broken template is not retryable.
		return false, s.fail(ctx, exec, fmt.Sprintf("step %d render: %v", step.StepNumber, err), now)
	}

	gate := utils.NewGate(tenant.RequiredLanguages)
	if verdict := gate.Validate(step.Tone, messages); !verdict.Allowed {
		return false, s.deferForCompliance(ctx, exec, step, verdict, window, now)
	}

	msg, err := utils.PickLanguage(messages, inv.Language)
	if err != nil {
		return false, s.fail(ctx, exec, err.Error(), now)
	}

	token := utils.DispatchToken(exec.ID, step.StepNumber)
	stepLog := &models.StepLog{
		ExecutionID:   exec.ID,
		StepNumber:    step.StepNumber,
		DispatchToken: token,
		Subject:       msg.Subject,
		Language:      msg.Language,
		Tone:          step.Tone,
		AttemptCount:  exec.AttemptCount + 1,
	}
	if err := s.Store.UpsertStepLog(ctx, stepLog); err != nil {
		return false, err
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.Config.DispatchTimeout)
	ref, sendErr := s.Dispatcher.Send(sendCtx, utils.Dispatch{
		Token:     token,
		Recipient: inv.RecipientEmail,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Language:  msg.Language,
	})
	cancel()

	if sendErr != nil {
		return false, s.handleSendFailure(ctx, exec, stepLog, window, sendErr, now)
	}

	stepLog.DispatchRef = ref
	stepLog.SentAt = utils.Pointer(now)
	stepLog.DeliveryStatus = models.DeliveryStatusSent
	stepLog.LastErrorReason = ""
	if err := s.Store.UpsertStepLog(ctx, stepLog); err != nil {
		return false, err
	}

	return false, s.advance(ctx, exec, seq, window, step.StepNumber, now)
}

// advance moves past stepNumber: either plans the next step or completes
// the execution.
func (s *Scheduler) advance(ctx context.Context, exec *models.Execution, seq *models.SequenceDefinition, window utils.WindowConfig, stepNumber int, now time.Time) error {
	expected := exec.Version
	exec.CurrentStepIndex++
	exec.AttemptCount = 0

	finished := exec.CurrentStepIndex >= len(seq.Steps)
	if finished {
		exec.Status = models.ExecutionStatusCompleted
		exec.CompletedAt = utils.Pointer(now)
		exec.NextRunAt = nil
	} else {
		next := seq.Steps[exec.CurrentStepIndex]
		runAt, err := utils.NextValidInstant(now.Add(time.Duration(next.DelayDays)*24*time.Hour), window)
		if err != nil {
			return err
		}
		exec.NextRunAt = utils.Pointer(runAt)
	}

	if err := s.Store.UpdateExecutionCAS(ctx, exec, expected); err != nil {
		return err
	}

	s.Logger.Printf("execution %d step %d dispatched", exec.ID, stepNumber)
	s.Notifier.Publish(Notification{
		Type:        NotifyStepCompleted,
		ExecutionID: exec.ID,
		SequenceID:  exec.SequenceID,
		InvoiceID:   exec.InvoiceID,
		StepNumber:  stepNumber,
		Status:      exec.Status,
		At:          now,
	})
	if finished {
		s.Notifier.Publish(Notification{
			Type:        NotifyExecutionFinished,
			ExecutionID: exec.ID,
			SequenceID:  exec.SequenceID,
			InvoiceID:   exec.InvoiceID,
			Status:      exec.Status,
			At:          now,
		})
	}
	return nil
}

func (s *Scheduler) deferForCompliance(ctx context.Context, exec *models.Execution, step models.SequenceStep, verdict utils.GateResult, window utils.WindowConfig, now time.Time) error {
	runAt, err := utils.NextValidInstant(now.Add(s.Config.ComplianceCooldown), window)
	if err != nil {
		return err
	}
	expected := exec.Version
	exec.NextRunAt = utils.Pointer(runAt)
	if err := s.Store.UpdateExecutionCAS(ctx, exec, expected); err != nil {
		return err
	}
	for _, issue := range verdict.Issues {
		s.Logger.Printf("execution %d step %d held by compliance gate: %s (%s)",
			exec.ID, step.StepNumber, issue.Message, issue.Code)
	}
	return nil
}

func (s *Scheduler) handleSendFailure(ctx context.Context, exec *models.Execution, stepLog *models.StepLog, window utils.WindowConfig, sendErr error, now time.Time) error {
	stepLog.LastErrorReason = sendErr.Error()
	stepLog.DeliveryStatus = models.DeliveryStatusFailed
	if err := s.Store.UpsertStepLog(ctx, stepLog); err != nil {
		return err
	}

	var se *utils.SendError
	retryable := errors.As(sendErr, &se) && se.Retryable

	logrus.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"step_number":  stepLog.StepNumber,
		"attempt":      exec.AttemptCount + 1,
		"retryable":    retryable,
	}).Warnf("dispatch failed: %v", sendErr)

	if !retryable {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("execution_id", fmt.Sprint(exec.ID))
			scope.SetTag("step_number", fmt.Sprint(stepLog.StepNumber))
			sentry.CaptureException(sendErr)
		})
		return s.fail(ctx, exec, sendErr.Error(), now)
	}

	attempts := exec.AttemptCount + 1
	if attempts >= s.Config.MaxAttempts {
		reason := fmt.Sprintf("step %d failed after %d attempts: %v", stepLog.StepNumber, attempts, sendErr)
		return s.fail(ctx, exec, reason, now)
	}

	backoff := s.Config.BackoffBase << (attempts - 1)
	if backoff > s.Config.BackoffCap {
		backoff = s.Config.BackoffCap
	}
	runAt, err := utils.NextValidInstant(now.Add(backoff), window)
	if err != nil {
		return err
	}

	expected := exec.Version
	exec.AttemptCount = attempts
	exec.NextRunAt = utils.Pointer(runAt)
	return s.Store.UpdateExecutionCAS(ctx, exec, expected)
}

func (s *Scheduler) complete(ctx context.Context, exec *models.Execution, now time.Time) error {
	expected := exec.Version
	exec.Status = models.ExecutionStatusCompleted
	exec.CompletedAt = utils.Pointer(now)
	exec.NextRunAt = nil
	return s.Store.UpdateExecutionCAS(ctx, exec, expected)
}

func (s *Scheduler) fail(ctx context.Context, exec *models.Execution, reason string, now time.Time) error {
	if err := s.terminate(ctx, exec, models.ExecutionStatusFailed, reason, now); err != nil {
		return err
	}
	s.Logger.Printf("execution %d failed: %s", exec.ID, reason)
	return nil
}

func (s *Scheduler) terminate(ctx context.Context, exec *models.Execution, status, reason string, now time.Time) error {
	expected := exec.Version
	exec.Status = status
	exec.StopReason = reason
	exec.CompletedAt = utils.Pointer(now)
	exec.NextRunAt = nil
	exec.StopRequested = false
	if err := s.Store.UpdateExecutionCAS(ctx, exec, expected); err != nil {
		return err
	}
	s.Notifier.Publish(Notification{
		Type:        NotifyExecutionFinished,
		ExecutionID: exec.ID,
		SequenceID:  exec.SequenceID,
		InvoiceID:   exec.InvoiceID,
		Status:      status,
		At:          now,
	})
	return nil
}

// pendingStopReason folds the two stop sources together: the flag the
// engagement tracker raises, and invoice state changes observed at the
// tick boundary.
func (s *Scheduler) pendingStopReason(ctx context.Context, exec *models.Execution) (string, bool) {
	if exec.StopRequested {
		reason := exec.StopRequestReason
		if reason == "" {
			reason = models.StopReasonManual
		}
		return reason, true
	}

	inv, err := s.Store.GetInvoice(ctx, exec.InvoiceID)
	if err != nil {
		return "", false
	}
	switch inv.Status {
	case models.InvoiceStatusPaid:
		return models.StopReasonPaymentReceived, true
	case models.InvoiceStatusDisputed:
		return models.StopReasonDisputeOpened, true
	case models.InvoiceStatusWrittenOff, models.InvoiceStatusCancelled:
		return models.StopReasonInvoiceClosed, true
	}
	return "", false
}

func (s *Scheduler) windowFor(ctx context.Context, tenantID uint) (utils.WindowConfig, error) {
	cfg, err := s.Store.GetCalendar(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return s.Config.DefaultWindow, nil
	}
	if err != nil {
		return utils.WindowConfig{}, err
	}
	return utils.WindowFromModel(*cfg)
}
