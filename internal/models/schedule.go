package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidDayOfWeek = errors.New("day of week must be between 0 (Sunday) and 6 (Saturday)")
	ErrInvalidTimeOfDay = errors.New("time must be HH:MM in 24-hour format")
	ErrInvalidTimezone  = errors.New("unknown timezone")
)

// ScheduleConfig is the singleton describing when the weekly backup runs.
type ScheduleConfig struct {
	Enabled   bool      `json:"enabled"`
	DayOfWeek int       `json:"day_of_week"`
	Time      string    `json:"time"`
	Timezone  string    `json:"timezone,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clock parses Time into hour and minute.
func (c ScheduleConfig) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", c.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, c.Time)
	}
	return t.Hour(), t.Minute(), nil
}

// Location resolves Timezone, defaulting to UTC.
func (c ScheduleConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, c.Timezone)
	}
	return loc, nil
}

// Validate checks every field regardless of Enabled.
func (c ScheduleConfig) Validate() error {
	if c.DayOfWeek < 0 || c.DayOfWeek > 6 {
		return ErrInvalidDayOfWeek
	}
	if _, _, err := c.Clock(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
