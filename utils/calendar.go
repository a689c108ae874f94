package utils

import (
	"errors"
	"fmt"
	"time"

	"dunner/models"
)

// WindowConfig is the resolved form of a tenant's CalendarConfig, ready
// for window arithmetic.
type WindowConfig struct {
	WorkingDays map[time.Weekday]bool
	StartHour   int
	EndHour     int
	Location    *time.Location
	Holidays    map[string]struct{} // local dates, YYYY-MM-DD
}

var (
	ErrNoWorkingDays = errors.New("calendar permits no working days")
	ErrEmptyWindow   = errors.New("calendar start hour must be before end hour")
)

const holidayDateLayout = "2006-01-02"

// WindowFromModel resolves a persisted CalendarConfig. Invalid timezone
// names and malformed holiday dates are configuration errors.
func WindowFromModel(cfg models.CalendarConfig) (WindowConfig, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return WindowConfig{}, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	w := WindowConfig{
		WorkingDays: make(map[time.Weekday]bool, len(cfg.WorkingDays)),
		StartHour:   cfg.StartHour,
		EndHour:     cfg.EndHour,
		Location:    loc,
		Holidays:    make(map[string]struct{}, len(cfg.Holidays)),
	}
	for _, d := range cfg.WorkingDays {
		if d < 0 || d > 6 {
			return WindowConfig{}, fmt.Errorf("invalid weekday index %d", d)
		}
		w.WorkingDays[time.Weekday(d)] = true
	}
	for _, h := range cfg.Holidays {
		if _, err := time.ParseInLocation(holidayDateLayout, h, loc); err != nil {
			return WindowConfig{}, fmt.Errorf("invalid holiday date %q: %w", h, err)
		}
		w.Holidays[h] = struct{}{}
	}
	return w, w.Validate()
}

func (w WindowConfig) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return ErrEmptyWindow
	}
	hasDay := false
	for _, ok := range w.WorkingDays {
		if ok {
			hasDay = true
			break
		}
	}
	if !hasDay {
		return ErrNoWorkingDays
	}
	return nil
}

func (w WindowConfig) workingDate(t time.Time) bool {
	if !w.WorkingDays[t.Weekday()] {
		return false
	}
	_, holiday := w.Holidays[t.Format(holidayDateLayout)]
	return !holiday
}

// IsWithinWindow reports whether t is a permitted dispatch instant.
func IsWithinWindow(t time.Time, w WindowConfig) bool {
	if w.Validate() != nil {
		return false
	}
	local := t.In(w.Location)
	if !w.workingDate(local) {
		return false
	}
	return local.Hour() >= w.StartHour && local.Hour() < w.EndHour
}

// NextValidInstant returns candidate unchanged when it is already inside
// the window, otherwise the earliest later instant that is: at exactly
// StartHour local time on the first permitted day. It never moves
// backward and fails instead of looping when the calendar excludes
// every day.
func NextValidInstant(candidate time.Time, w WindowConfig) (time.Time, error) {
	if err := w.Validate(); err != nil {
		return time.Time{}, err
	}

	local := candidate.In(w.Location)
	if IsWithinWindow(candidate, w) {
		return candidate, nil
	}

	// Same day, before the window opens: today at StartHour still works.
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, w.Location)
	if w.workingDate(day) && local.Hour() < w.StartHour {
		return openingInstant(day, w), nil
	}

	// Otherwise walk forward a day at a time. Two years of holidays on
	// top of the weekday filter is already a broken calendar.
	for i := 1; i <= 2*366; i++ {
		day = day.AddDate(0, 0, 1)
		if w.workingDate(day) {
			return openingInstant(day, w), nil
		}
	}
	return time.Time{}, ErrNoWorkingDays
}

// openingInstant builds StartHour on the given local date. Constructed
// with time.Date rather than duration addition so DST transitions keep
// the local clock hour correct.
func openingInstant(day time.Time, w WindowConfig) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, 0, 0, 0, w.Location)
}
