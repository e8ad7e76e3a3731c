package models

import (
	"fmt"
	"time"
)

// Shift is one working block of a doctor's day, in minutes from midnight
// clinic-local time.
type Shift struct {
	DoctorID     string `json:"doctor_id"`
	Weekday      int    `json:"weekday"`
	StartMinutes int    `json:"start_minutes"`
	EndMinutes   int    `json:"end_minutes"`
}

// Contains reports whether the clock time of t falls inside the shift.
func (s Shift) Contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= s.StartMinutes && minutes < s.EndMinutes
}

// RemainingMinutes returns the minutes left in the shift at t, zero if the
// shift is over.
func (s Shift) RemainingMinutes(t time.Time) int {
	minutes := t.Hour()*60 + t.Minute()
	if minutes >= s.EndMinutes {
		return 0
	}
	return s.EndMinutes - minutes
}

func (s Shift) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d",
		s.StartMinutes/60, s.StartMinutes%60, s.EndMinutes/60, s.EndMinutes%60)
}

// Visit is the consultation record linked to a token. Creation and completion
// are side effects of the queue lifecycle and must never block it.
type Visit struct {
	VisitID     string     `json:"visit_id"`
	PatientID   string     `json:"patient_id"`
	DoctorID    string     `json:"doctor_id"`
	TokenID     string     `json:"token_id"`
	Status      string     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	VisitOpen      = "open"
	VisitCompleted = "completed"
)
