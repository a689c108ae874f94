package models

import "gorm.io/gorm"

// SequenceDefinition is an ordered set of templated follow-up steps
type SequenceDefinition struct {
	gorm.Model
	TenantID uint `gorm:"not null;index;uniqueIndex:idx_sequences_tenant_name" json:"tenant_id"`

	Name        string `gorm:"not null;uniqueIndex:idx_sequences_tenant_name" json:"name"`
	Description string `json:"description"`
	Active      bool   `gorm:"default:false" json:"active"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep is one templated communication within a sequence.
// Subject and Content are keyed by language code so a step can carry
// bilingual variants of the same message.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber int `gorm:"not null" json:"step_number"` // 1-based, strictly increasing
	DelayDays  int `gorm:"not null" json:"delay_days"`  // offset from the previous step's completion

	Subject map[string]string `gorm:"type:jsonb;serializer:json" json:"subject"`
	Content map[string]string `gorm:"type:jsonb;serializer:json" json:"content"`

	Tone           string            `gorm:"not null" json:"tone"`
	StopConditions []string          `gorm:"type:jsonb;serializer:json" json:"stop_conditions,omitempty"`
	Metadata       map[string]string `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
}

// Tone tags a step may declare. Escalation phrasing is only permitted
// under the harsher tones, see utils.Gate.
const (
	ToneFriendly = "friendly"
	ToneNeutral  = "neutral"
	ToneFirm     = "firm"
	ToneFinal    = "final"
)

func ValidTone(tone string) bool {
	switch tone {
	case ToneFriendly, ToneNeutral, ToneFirm, ToneFinal:
		return true
	}
	return false
}
