package models

import (
	"time"

	"gorm.io/gorm"
)

// Invoice is supplied by the surrounding system; whether it is overdue
// is decided upstream, the engine only checks eligibility for follow-up.
type Invoice struct {
	gorm.Model
	TenantID uint `gorm:"not null;index" json:"tenant_id"`

	Number         string `gorm:"not null;index" json:"number"`
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name"`

	AmountCents int64     `gorm:"default:0" json:"amount_cents"`
	Currency    string    `gorm:"default:'EUR'" json:"currency"`
	DueDate     time.Time `json:"due_date"`

	Status   string `gorm:"default:'open';index" json:"status"`
	Language string `gorm:"default:'en'" json:"language"` // recipient's preferred language
}

const (
	InvoiceStatusOpen       = "open"
	InvoiceStatusPaid       = "paid"
	InvoiceStatusWrittenOff = "written_off"
	InvoiceStatusCancelled  = "cancelled"
	InvoiceStatusDisputed   = "disputed"
)

// Terminal reports whether the invoice left the follow-up lifecycle.
// Disputed invoices are not terminal but still stop a running sequence.
func (i *Invoice) Terminal() bool {
	switch i.Status {
	case InvoiceStatusPaid, InvoiceStatusWrittenOff, InvoiceStatusCancelled:
		return true
	}
	return false
}

// DaysOverdue is measured against the invoice due date in UTC days.
func (i *Invoice) DaysOverdue(now time.Time) int {
	days := int(now.Sub(i.DueDate).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
