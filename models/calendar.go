package models

import "gorm.io/gorm"

// CalendarConfig is the per-tenant business window: dispatch is only
// permitted on the listed weekdays, inside [StartHour, EndHour) local
// time, and never on a holiday.
type CalendarConfig struct {
	gorm.Model
	TenantID uint `gorm:"not null;uniqueIndex" json:"tenant_id"`

	WorkingDays []int  `gorm:"type:jsonb;serializer:json" json:"working_days"` // 0=Sunday .. 6=Saturday
	StartHour   int    `gorm:"default:9" json:"start_hour"`
	EndHour     int    `gorm:"default:17" json:"end_hour"`
	Timezone    string `gorm:"default:'UTC'" json:"timezone"`

	Holidays []string `gorm:"type:jsonb;serializer:json" json:"holidays"` // YYYY-MM-DD, local dates
}
