package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dunner/models"
)

func TestRenderStepFillsInvoiceFields(t *testing.T) {
	step := models.SequenceStep{
		StepNumber: 1,
		Subject:    map[string]string{"en": "Invoice {{.InvoiceNumber}} is overdue"},
		Content:    map[string]string{"en": "Dear {{.RecipientName}}, {{.Currency}} {{.AmountDue}} was due on {{.DueDate}} ({{.DaysOverdue}} days ago)."},
	}
	invoice := &models.Invoice{
		Number:        "INV-2026-0042",
		RecipientName: "Avery Crane",
		AmountCents:   125050,
		Currency:      "EUR",
		DueDate:       time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		Status:        models.InvoiceStatusOpen,
	}
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	msgs, err := RenderStep(step, invoice, now)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Invoice INV-2026-0042 is overdue", msgs[0].Subject)
	assert.Contains(t, msgs[0].Body, "Avery Crane")
	assert.Contains(t, msgs[0].Body, "EUR 1250.50")
	assert.Contains(t, msgs[0].Body, "2026-02-20")
	assert.Contains(t, msgs[0].Body, "10 days ago")
}

func TestRenderStepBadTemplate(t *testing.T) {
	step := models.SequenceStep{
		StepNumber: 2,
		Subject:    map[string]string{"en": "Reminder"},
		Content:    map[string]string{"en": "Hello {{.NoSuchField}}"},
	}
	_, err := RenderStep(step, &models.Invoice{}, time.Now())
	assert.Error(t, err)
}

func TestPickLanguagePrefersRecipient(t *testing.T) {
	msgs := []RenderedMessage{
		{Language: "en", Subject: "Reminder"},
		{Language: "de", Subject: "Erinnerung"},
	}

	got, err := PickLanguage(msgs, "de")
	require.NoError(t, err)
	assert.Equal(t, "de", got.Language)

	// Unknown preference falls back to English.
	got, err = PickLanguage(msgs, "nl")
	require.NoError(t, err)
	assert.Equal(t, "en", got.Language)
}

func TestPickLanguageEmpty(t *testing.T) {
	_, err := PickLanguage(nil, "en")
	assert.Error(t, err)
}
