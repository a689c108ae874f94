package utils

import (
	"fmt"
	"strings"

	"dunner/models"
)

// GateIssue is one concrete compliance finding.
type GateIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GateResult carries the verdict plus every issue found, not just the first.
type GateResult struct {
	Allowed bool        `json:"allowed"`
	Issues  []GateIssue `json:"issues,omitempty"`
}

// Gate validates rendered step content against tone rules and the
// tenant's bilingual pairing requirement. It is stateless and knows
// nothing about scheduling.
type Gate struct {
	RequiredLanguages []string
}

func NewGate(requiredLanguages []string) *Gate {
	return &Gate{RequiredLanguages: requiredLanguages}
}

// Phrases that have no place in a payment reminder under any tone.
// The rule tables are business configuration frozen here as defaults;
// the day-boundary/tone escalation mapping stays with the sequence
// author, not the engine.
var bannedAlways = []string{
	"we will sue",
	"criminal charges",
	"you will be blacklisted",
	"report you to the authorities",
	"seize your assets",
}

// Escalation phrasing only permitted once a step declares a hard tone.
var escalationPhrases = []string{
	"final notice",
	"last warning",
	"debt collection",
	"collections agency",
	"legal action",
}

// Softer tones must not carry pressure phrasing at all; only the final
// tone may escalate.
var toneAllowsEscalation = map[string]bool{
	models.ToneFriendly: false,
	models.ToneNeutral:  false,
	models.ToneFirm:     false,
	models.ToneFinal:    true,
}

// Validate checks one step's rendered variants. A rejection here is
// non-fatal at tick time (the step is deferred); at creation time the
// caller turns it into a validation error.
func (g *Gate) Validate(tone string, messages []RenderedMessage) GateResult {
	var issues []GateIssue

	if !models.ValidTone(tone) {
		issues = append(issues, GateIssue{
			Code:    "unknown_tone",
			Message: fmt.Sprintf("tone %q is not recognized", tone),
		})
	}

	seenLangs := make(map[string]bool, len(messages))
	for _, msg := range messages {
		seenLangs[msg.Language] = true
		issues = append(issues, g.validateMessage(tone, msg)...)
	}

	for _, lang := range g.RequiredLanguages {
		if !seenLangs[lang] {
			issues = append(issues, GateIssue{
				Code:    "missing_language",
				Message: fmt.Sprintf("required language %q has no content variant", lang),
			})
		}
	}

	return GateResult{Allowed: len(issues) == 0, Issues: issues}
}

func (g *Gate) validateMessage(tone string, msg RenderedMessage) []GateIssue {
	var issues []GateIssue

	if strings.TrimSpace(msg.Subject) == "" {
		issues = append(issues, GateIssue{
			Code:    "empty_subject",
			Message: fmt.Sprintf("subject for language %q is empty", msg.Language),
		})
	}
	if strings.TrimSpace(msg.Body) == "" {
		issues = append(issues, GateIssue{
			Code:    "empty_body",
			Message: fmt.Sprintf("body for language %q is empty", msg.Language),
		})
	}

	haystack := strings.ToLower(msg.Subject + "\n" + msg.Body)

	for _, phrase := range bannedAlways {
		if strings.Contains(haystack, phrase) {
			issues = append(issues, GateIssue{
				Code:    "banned_phrase",
				Message: fmt.Sprintf("content contains prohibited phrase %q", phrase),
			})
		}
	}

	if !toneAllowsEscalation[tone] {
		for _, phrase := range escalationPhrases {
			if strings.Contains(haystack, phrase) {
				issues = append(issues, GateIssue{
					Code:    "tone_mismatch",
					Message: fmt.Sprintf("escalation phrase %q is not allowed under tone %q", phrase, tone),
				})
			}
		}
	}

	if isShouting(msg.Subject) {
		issues = append(issues, GateIssue{
			Code:    "shouting_subject",
			Message: fmt.Sprintf("subject for language %q is entirely upper case", msg.Language),
		})
	}

	return issues
}

// isShouting flags all-caps subjects with at least one letter in them.
func isShouting(s string) bool {
	hasLetter := false
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			hasLetter = true
		}
	}
	return hasLetter
}
