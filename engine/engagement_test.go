package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dunner/models"
)

// firstDispatchRef starts the seeded pair, fires step one and returns
// the dispatch reference recorded on its step log.
func firstDispatchRef(t *testing.T, env *testEnv) (uint, string) {
	t.Helper()
	id := env.startImmediate(t)
	env.tickUntilDue(t, id)

	logs, err := env.store.ListStepLogs(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotEmpty(t, logs[0].DispatchRef)
	return id, logs[0].DispatchRef
}

func TestTrackerAnnotatesSoftSignals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, ref := firstDispatchRef(t, env)

	at := env.clock().Add(20 * time.Minute)
	require.NoError(t, env.tracker.OnEvent(ctx, Event{DispatchRef: ref, Type: EventDelivered, Timestamp: at}))
	require.NoError(t, env.tracker.OnEvent(ctx, Event{DispatchRef: ref, Type: EventOpen, Timestamp: at.Add(time.Minute)}))
	require.NoError(t, env.tracker.OnEvent(ctx, Event{DispatchRef: ref, Type: EventClick, Timestamp: at.Add(2 * time.Minute)}))

	stepLog, err := env.store.GetStepLog(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusDelivered, stepLog.DeliveryStatus)
	require.NotNil(t, stepLog.OpenedAt)
	assert.Equal(t, 1, stepLog.OpenCount)
	require.NotNil(t, stepLog.ClickedAt)
	assert.Equal(t, 1, stepLog.ClickCount)

	// Soft signals never raise a stop.
	exec, err := env.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.False(t, exec.StopRequested)
	assert.Equal(t, models.ExecutionStatusActive, exec.Status)
}

func TestTrackerDeduplicatesRedeliveredEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, ref := firstDispatchRef(t, env)

	at := env.clock().Add(5 * time.Minute)
	ev := Event{DispatchRef: ref, Type: EventOpen, Timestamp: at}
	require.NoError(t, env.tracker.OnEvent(ctx, ev))
	require.NoError(t, env.tracker.OnEvent(ctx, ev)) // transport redelivery

	stepLog, err := env.store.GetStepLog(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stepLog.OpenCount, "redelivered event counted once")

	// A later open is a genuinely new event.
	require.NoError(t, env.tracker.OnEvent(ctx, Event{DispatchRef: ref, Type: EventOpen, Timestamp: at.Add(time.Hour)}))
	stepLog, err = env.store.GetStepLog(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, stepLog.OpenCount)
	assert.Equal(t, at.Unix(), stepLog.OpenedAt.Unix(), "first-open timestamp kept")
}

func TestTrackerHardBounceStopsExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, ref := firstDispatchRef(t, env)

	require.NoError(t, env.tracker.OnEvent(ctx, Event{
		DispatchRef: ref, Type: EventHardBounce, Timestamp: env.clock(),
	}))

	exec, err := env.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.True(t, exec.StopRequested)
	assert.Equal(t, models.StopReasonHardBounce, exec.StopRequestReason)
	assert.Equal(t, models.ExecutionStatusActive, exec.Status, "tracker raises the signal, the scheduler consumes it")

	stepLog, err := env.store.GetStepLog(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusBounced, stepLog.DeliveryStatus)
	assert.Equal(t, string(EventHardBounce), stepLog.LastErrorReason)

	// Next tick consumes the signal before any further send.
	exec = env.tickUntilDue(t, id)
	assert.Equal(t, models.ExecutionStatusStopped, exec.Status)
	assert.Equal(t, models.StopReasonHardBounce, exec.StopReason)
	assert.Len(t, env.disp.sent(), 1, "no step two after the bounce")
}

func TestTrackerReplyStopsFollowUps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, ref := firstDispatchRef(t, env)

	require.NoError(t, env.tracker.OnEvent(ctx, Event{
		DispatchRef: ref, Type: EventReply, Timestamp: env.clock(),
	}))

	stepLog, err := env.store.GetStepLog(ctx, id, 1)
	require.NoError(t, err)
	require.NotNil(t, stepLog.RepliedAt)

	exec := env.tickUntilDue(t, id)
	assert.Equal(t, models.ExecutionStatusStopped, exec.Status)
	assert.Equal(t, models.StopReasonRecipientReply, exec.StopReason)
}

func TestTrackerDropsUnknownRefQuietly(t *testing.T) {
	env := newTestEnv(t)

	err := env.tracker.OnEvent(context.Background(), Event{
		DispatchRef: "ref-nobody-home", Type: EventOpen, Timestamp: env.clock(),
	})
	assert.NoError(t, err)
}

func TestTrackerRejectsUnknownEventType(t *testing.T) {
	env := newTestEnv(t)

	err := env.tracker.OnEvent(context.Background(), Event{
		DispatchRef: "ref-whatever", Type: "forwarded", Timestamp: env.clock(),
	})
	assert.Error(t, err)
}

func TestTrackerLateEventOnFinishedExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id, ref := firstDispatchRef(t, env)

	require.NoError(t, env.evaluator.Stop(ctx, env.sequenceID, env.invoiceID, models.StopReasonPaymentReceived))

	// The bounce arrives after the fact: annotate only, keep the
	// original terminal state.
	require.NoError(t, env.tracker.OnEvent(ctx, Event{
		DispatchRef: ref, Type: EventHardBounce, Timestamp: env.clock(),
	}))

	exec, err := env.store.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusStopped, exec.Status)
	assert.Equal(t, models.StopReasonPaymentReceived, exec.StopReason)
	assert.False(t, exec.StopRequested)

	stepLog, err := env.store.GetStepLog(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryStatusBounced, stepLog.DeliveryStatus)
}

func TestSeenStoreMarksOnce(t *testing.T) {
	seen := NewMemorySeenStore()
	ctx := context.Background()

	dup, err := seen.SeenOnce(ctx, "ref|open|1")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = seen.SeenOnce(ctx, "ref|open|1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = seen.SeenOnce(ctx, "ref|open|2")
	require.NoError(t, err)
	assert.False(t, dup)
}
