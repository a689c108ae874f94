package models

import "gorm.io/gorm"

// Tenant owns sequences, invoices and a dispatch calendar
type Tenant struct {
	gorm.Model
	Name     string `gorm:"not null;uniqueIndex" json:"name"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	// Languages every outbound message must carry a variant for.
	// Empty means single-language sending is fine.
	RequiredLanguages []string `gorm:"type:jsonb;serializer:json" json:"required_languages"`
}
