package worker

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dunner/engine"
	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

type countingDispatcher struct {
	mu    sync.Mutex
	count int
}

func (c *countingDispatcher) Send(_ context.Context, d utils.Dispatch) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return "ref-" + d.Token[:12], nil
}

func (c *countingDispatcher) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func allWeekWindow() utils.WindowConfig {
	days := map[time.Weekday]bool{}
	for d := time.Sunday; d <= time.Saturday; d++ {
		days[d] = true
	}
	return utils.WindowConfig{
		WorkingDays: days,
		StartHour:   0,
		EndHour:     24,
		Location:    time.UTC,
		Holidays:    map[string]struct{}{},
	}
}

func newWorkerEnv(t *testing.T) (*SchedulerWorker, *store.MemoryStore, *countingDispatcher, time.Time) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	disp := &countingDispatcher{}
	quiet := log.New(io.Discard, "", 0)
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)

	scheduler := engine.NewScheduler(st, disp, engine.NewNotifier(), quiet, engine.SchedulerConfig{
		DefaultWindow: allWeekWindow(),
	})
	scheduler.Now = func() time.Time { return now }

	tenant := &models.Tenant{Name: "acme", Timezone: "UTC"}
	require.NoError(t, st.CreateTenant(ctx, tenant))

	seq := &models.SequenceDefinition{
		TenantID: tenant.ID,
		Name:     "single-reminder",
		Active:   true,
		Steps: []models.SequenceStep{{
			StepNumber: 1,
			DelayDays:  0,
			Tone:       models.ToneFriendly,
			Subject:    map[string]string{"en": "Invoice {{.InvoiceNumber}} is due"},
			Content:    map[string]string{"en": "Hello {{.RecipientName}}, a gentle reminder."},
		}},
	}
	require.NoError(t, st.CreateSequence(ctx, seq))

	for i := 0; i < 3; i++ {
		inv := &models.Invoice{
			TenantID:       tenant.ID,
			Number:         "INV-" + string(rune('A'+i)),
			RecipientEmail: "billing@example.com",
			RecipientName:  "Accounts",
			AmountCents:    12500,
			Currency:       "EUR",
			DueDate:        now.AddDate(0, -1, 0),
			Status:         models.InvoiceStatusOpen,
			Language:       "en",
		}
		require.NoError(t, st.CreateInvoice(ctx, inv))
		require.NoError(t, st.CreateExecution(ctx, &models.Execution{
			SequenceID: seq.ID,
			InvoiceID:  inv.ID,
			Status:     models.ExecutionStatusActive,
			StartedAt:  utils.Pointer(now.Add(-time.Hour)),
			NextRunAt:  utils.Pointer(now.Add(-time.Minute)),
		}))
	}

	w := NewSchedulerWorker(st, scheduler, quiet, time.Second, 2, 50)
	w.Now = func() time.Time { return now }
	return w, st, disp, now
}

func TestRunOnceDrainsDueExecutions(t *testing.T) {
	w, st, disp, now := newWorkerEnv(t)
	ctx := context.Background()

	w.RunOnce(ctx)

	assert.Equal(t, 3, disp.sent())

	due, err := st.ListDue(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "single-step executions completed on the first pass")
}

func TestRunOnceIsIdempotentWhenNothingDue(t *testing.T) {
	w, _, disp, _ := newWorkerEnv(t)
	ctx := context.Background()

	w.RunOnce(ctx)
	first := disp.sent()

	w.RunOnce(ctx)
	assert.Equal(t, first, disp.sent(), "second pass finds nothing to do")
}

func TestNewSchedulerWorkerDefaults(t *testing.T) {
	w := NewSchedulerWorker(store.NewMemoryStore(), nil, log.New(io.Discard, "", 0), 0, 0, 0)
	assert.Equal(t, 15*time.Second, w.Interval)
	assert.Equal(t, 4, w.Workers)
	assert.Equal(t, 100, w.BatchSize)
}
