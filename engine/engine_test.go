package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dunner/models"
	"dunner/store"
	"dunner/utils"
)

// fakeDispatcher records sends and fails on demand.
type fakeDispatcher struct {
	mu    sync.Mutex
	sends []utils.Dispatch
	fail  func(d utils.Dispatch) error
}

func (f *fakeDispatcher) Send(_ context.Context, d utils.Dispatch) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(d); err != nil {
			return "", err
		}
	}
	f.sends = append(f.sends, d)
	return "ref-" + d.Token[:12], nil
}

func (f *fakeDispatcher) sent() []utils.Dispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]utils.Dispatch(nil), f.sends...)
}

func testWindow() utils.WindowConfig {
	return utils.WindowConfig{
		WorkingDays: map[time.Weekday]bool{
			time.Monday:    true,
			time.Tuesday:   true,
			time.Wednesday: true,
			time.Thursday:  true,
			time.Friday:    true,
		},
		StartHour: 8,
		EndHour:   18,
		Location:  time.UTC,
		Holidays:  map[string]struct{}{},
	}
}

type testEnv struct {
	store     *store.MemoryStore
	disp      *fakeDispatcher
	notifier  *Notifier
	scheduler *Scheduler
	evaluator *Evaluator
	tracker   *Tracker

	mu  sync.Mutex
	now time.Time

	tenantID   uint
	invoiceID  uint
	sequenceID uint
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advanceTo(t time.Time) {
	e.mu.Lock()
	e.now = t
	e.mu.Unlock()
}

// newTestEnv seeds a tenant, an open invoice and an active sequence with
// delays [0, 3, 7] days, the clock parked on Tuesday 2026-03-03 10:00 UTC.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    store.NewMemoryStore(),
		disp:     &fakeDispatcher{},
		notifier: NewNotifier(),
		now:      time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC),
	}
	quiet := log.New(io.Discard, "", 0)

	env.scheduler = NewScheduler(env.store, env.disp, env.notifier, quiet, SchedulerConfig{
		MaxAttempts:        3,
		BackoffBase:        5 * time.Minute,
		BackoffCap:         time.Hour,
		ComplianceCooldown: time.Hour,
		DispatchTimeout:    5 * time.Second,
		DefaultWindow:      testWindow(),
	})
	env.scheduler.Now = env.clock

	env.evaluator = NewEvaluator(env.store, testWindow(), quiet)
	env.evaluator.Now = env.clock

	env.tracker = NewTracker(env.store, NewMemorySeenStore(), quiet)

	ctx := context.Background()

	tenant := &models.Tenant{Name: "acme", Timezone: "UTC"}
	require.NoError(t, env.store.CreateTenant(ctx, tenant))
	env.tenantID = tenant.ID

	invoice := &models.Invoice{
		TenantID:       tenant.ID,
		Number:         "INV-1001",
		RecipientEmail: "mia@example.com",
		RecipientName:  "Mia Holt",
		AmountCents:    48000,
		Currency:       "EUR",
		DueDate:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Status:         models.InvoiceStatusOpen,
		Language:       "en",
	}
	require.NoError(t, env.store.CreateInvoice(ctx, invoice))
	env.invoiceID = invoice.ID

	seq := &models.SequenceDefinition{
		TenantID: tenant.ID,
		Name:     "standard-dunning",
		Active:   true,
		Steps: []models.SequenceStep{
			step(1, 0, models.ToneFriendly, "A friendly nudge on invoice {{.InvoiceNumber}}"),
			step(2, 3, models.ToneFirm, "Invoice {{.InvoiceNumber}} remains unpaid"),
			step(3, 7, models.ToneFinal, "Final notice for invoice {{.InvoiceNumber}}"),
		},
	}
	require.NoError(t, env.store.CreateSequence(ctx, seq))
	env.sequenceID = seq.ID

	return env
}

func step(number, delayDays int, tone, subject string) models.SequenceStep {
	return models.SequenceStep{
		StepNumber: number,
		DelayDays:  delayDays,
		Tone:       tone,
		Subject:    map[string]string{"en": subject},
		Content:    map[string]string{"en": fmt.Sprintf("Hello {{.RecipientName}}, please settle {{.Currency}} {{.AmountDue}}. (step %d)", number)},
	}
}

// startImmediate starts the seeded pair with startImmediately=true and
// returns the execution ID.
func (e *testEnv) startImmediate(t *testing.T) uint {
	t.Helper()
	id, err := e.evaluator.Start(context.Background(), e.sequenceID, e.invoiceID,
		TriggerCondition{Type: TriggerManual},
		StartOptions{StartImmediately: true, TriggerReason: "test"})
	require.NoError(t, err)
	return id
}

// tickUntilDue advances the clock to the execution's NextRunAt (when it
// is in the future) and ticks once.
func (e *testEnv) tickUntilDue(t *testing.T, executionID uint) *models.Execution {
	t.Helper()
	ctx := context.Background()

	exec, err := e.store.GetExecution(ctx, executionID)
	require.NoError(t, err)
	if exec.NextRunAt != nil && exec.NextRunAt.After(e.clock()) {
		e.advanceTo(*exec.NextRunAt)
	}
	require.NoError(t, e.scheduler.Tick(ctx, executionID))

	exec, err = e.store.GetExecution(ctx, executionID)
	require.NoError(t, err)
	return exec
}
