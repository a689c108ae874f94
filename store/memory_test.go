package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dunner/models"
	"dunner/utils"
)

func seedExecution(t *testing.T, s *MemoryStore, seqID, invID uint, status string, nextRunAt *time.Time) *models.Execution {
	t.Helper()
	e := &models.Execution{
		SequenceID: seqID,
		InvoiceID:  invID,
		Status:     status,
		NextRunAt:  nextRunAt,
	}
	require.NoError(t, s.CreateExecution(context.Background(), e))
	return e
}

func TestCreateExecutionRefusesSecondRunnable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := seedExecution(t, s, 1, 1, models.ExecutionStatusPending, nil)

	err := s.CreateExecution(ctx, &models.Execution{
		SequenceID: 1, InvoiceID: 1, Status: models.ExecutionStatusPending,
	})
	assert.True(t, errors.Is(err, ErrDuplicateActive))

	// A different invoice is an independent pair.
	require.NoError(t, s.CreateExecution(ctx, &models.Execution{
		SequenceID: 1, InvoiceID: 2, Status: models.ExecutionStatusPending,
	}))

	// Once the first is terminal the pair is free again.
	first.Status = models.ExecutionStatusStopped
	require.NoError(t, s.UpdateExecutionCAS(ctx, first, first.Version))
	require.NoError(t, s.CreateExecution(ctx, &models.Execution{
		SequenceID: 1, InvoiceID: 1, Status: models.ExecutionStatusPending,
	}))
}

func TestUpdateExecutionCASDetectsStaleVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := seedExecution(t, s, 1, 1, models.ExecutionStatusActive, nil)
	stale := *e

	e.CurrentStepIndex = 1
	require.NoError(t, s.UpdateExecutionCAS(ctx, e, stale.Version))
	assert.Equal(t, stale.Version+1, e.Version)

	// The loser writes against the old version and must be told.
	stale.CurrentStepIndex = 2
	err := s.UpdateExecutionCAS(ctx, &stale, stale.Version)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	fresh, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.CurrentStepIndex, "loser's write discarded")
}

func TestRequestStopBumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := seedExecution(t, s, 1, 1, models.ExecutionStatusActive, nil)
	before := e.Version

	require.NoError(t, s.RequestStop(ctx, e.ID, models.StopReasonHardBounce))

	fresh, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, fresh.StopRequested)
	assert.Equal(t, models.StopReasonHardBounce, fresh.StopRequestReason)
	assert.Equal(t, before+1, fresh.Version, "in-flight CAS writers must lose")

	// Terminal executions no longer accept the signal.
	fresh.Status = models.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecutionCAS(ctx, fresh, fresh.Version))
	err = s.RequestStop(ctx, e.ID, models.StopReasonHardBounce)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListDueSelection(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	due := seedExecution(t, s, 1, 1, models.ExecutionStatusActive, utils.Pointer(now.Add(-time.Minute)))
	later := seedExecution(t, s, 1, 2, models.ExecutionStatusActive, utils.Pointer(now.Add(time.Hour)))
	paused := seedExecution(t, s, 1, 3, models.ExecutionStatusPaused, utils.Pointer(now.Add(-time.Hour)))

	// Stop-requested executions surface even before their run time.
	flagged := seedExecution(t, s, 1, 4, models.ExecutionStatusActive, utils.Pointer(now.Add(time.Hour)))
	require.NoError(t, s.RequestStop(ctx, flagged.ID, models.StopReasonPaymentReceived))

	got, err := s.ListDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	ids := []uint{got[0].ID, got[1].ID}
	assert.Contains(t, ids, due.ID)
	assert.Contains(t, ids, flagged.ID)
	assert.NotContains(t, ids, later.ID)
	assert.NotContains(t, ids, paused.ID)

	limited, err := s.ListDue(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFindRunnableAndLatest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := seedExecution(t, s, 1, 1, models.ExecutionStatusActive, nil)
	first.Status = models.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecutionCAS(ctx, first, first.Version))

	_, err := s.FindRunnableExecution(ctx, 1, 1)
	assert.True(t, errors.Is(err, ErrNotFound))

	second := seedExecution(t, s, 1, 1, models.ExecutionStatusPending, nil)

	runnable, err := s.FindRunnableExecution(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, runnable.ID)

	latest, err := s.FindLatestExecution(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestUpsertStepLogKeyedByExecutionAndStep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	log := &models.StepLog{
		ExecutionID:    7,
		StepNumber:     1,
		DispatchToken:  "tok-1",
		DispatchRef:    "ref-1",
		DeliveryStatus: models.DeliveryStatusQueued,
		AttemptCount:   1,
	}
	require.NoError(t, s.UpsertStepLog(ctx, log))
	firstID := log.ID

	// A retry updates the same row instead of inserting a sibling.
	log.AttemptCount = 2
	log.DeliveryStatus = models.DeliveryStatusSent
	require.NoError(t, s.UpsertStepLog(ctx, log))
	assert.Equal(t, firstID, log.ID)

	logs, err := s.ListStepLogs(ctx, 7)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].AttemptCount)
	assert.Equal(t, models.DeliveryStatusSent, logs[0].DeliveryStatus)

	byRef, err := s.GetStepLogByRef(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, firstID, byRef.ID)

	_, err = s.GetStepLogByRef(ctx, "ref-unknown")
	assert.True(t, errors.Is(err, ErrNotFound))
}
