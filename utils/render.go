package utils

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"dunner/models"
)

// RenderedMessage is one language variant of a step, ready for the gate
// and the dispatcher.
type RenderedMessage struct {
	Language string
	Subject  string
	Body     string
}

// templateData is what step templates may reference.
type templateData struct {
	InvoiceNumber string
	RecipientName string
	AmountDue     string
	Currency      string
	DueDate       string
	DaysOverdue   int
}

// RenderStep fills every language variant of the step from the invoice.
// Full content rendering lives outside this engine; this covers the
// closed set of invoice fields a reminder template may reference.
func RenderStep(step models.SequenceStep, invoice *models.Invoice, now time.Time) ([]RenderedMessage, error) {
	data := templateData{
		InvoiceNumber: invoice.Number,
		RecipientName: invoice.RecipientName,
		AmountDue:     fmt.Sprintf("%d.%02d", invoice.AmountCents/100, invoice.AmountCents%100),
		Currency:      invoice.Currency,
		DueDate:       invoice.DueDate.Format("2006-01-02"),
		DaysOverdue:   invoice.DaysOverdue(now),
	}

	messages := make([]RenderedMessage, 0, len(step.Content))
	for lang, body := range step.Content {
		subject, err := renderTemplate(step.Subject[lang], data)
		if err != nil {
			return nil, fmt.Errorf("step %d subject (%s): %w", step.StepNumber, lang, err)
		}
		rendered, err := renderTemplate(body, data)
		if err != nil {
			return nil, fmt.Errorf("step %d body (%s): %w", step.StepNumber, lang, err)
		}
		messages = append(messages, RenderedMessage{Language: lang, Subject: subject, Body: rendered})
	}
	return messages, nil
}

// PickLanguage selects the variant matching the recipient's preference,
// falling back to English, then to any variant the step carries.
func PickLanguage(messages []RenderedMessage, preferred string) (RenderedMessage, error) {
	if len(messages) == 0 {
		return RenderedMessage{}, fmt.Errorf("step has no content variants")
	}
	for _, m := range messages {
		if m.Language == preferred {
			return m, nil
		}
	}
	for _, m := range messages {
		if m.Language == "en" {
			return m, nil
		}
	}
	return messages[0], nil
}

func renderTemplate(text string, data templateData) (string, error) {
	tmpl, err := template.New("step").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
