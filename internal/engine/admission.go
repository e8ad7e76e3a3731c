package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinicflow/queue-service/internal/models"
)

// WalkInDecision is the full admission-control verdict for one walk-in
// request, with enough detail for the caller to explain a rejection.
type WalkInDecision struct {
	DoctorID         string `json:"doctor_id"`
	Accept           bool   `json:"accept"`
	Reason           string `json:"reason"`
	ActiveCount      int    `json:"active_count"`
	RemainingMinutes int    `json:"remaining_minutes"`
	NeededMinutes    int    `json:"needed_minutes"`
	WorkingHours     string `json:"working_hours,omitempty"`
}

// CanAcceptWalkIn decides whether the doctor's current shift has room for one
// more walk-in: (active+1) consultations at the configured average must fit in
// the minutes left.
func (e *Engine) CanAcceptWalkIn(ctx context.Context, doctorID string) (WalkInDecision, error) {
	now := e.now()
	day := dateOf(now)

	shifts, err := e.oracle.ShiftsForDay(ctx, doctorID, day)
	if err != nil {
		return WalkInDecision{}, &CollaboratorUnavailableError{Collaborator: "availability oracle", Err: err}
	}

	var current *models.Shift
	for i := range shifts {
		if shifts[i].Contains(now) {
			current = &shifts[i]
			break
		}
	}
	if current == nil {
		return WalkInDecision{
			DoctorID:     doctorID,
			Accept:       false,
			Reason:       "doctor is not on shift right now",
			WorkingHours: formatShifts(shifts),
		}, nil
	}

	active, err := e.tokens.CountTokensByStatus(ctx, doctorID, day, models.ConsultingStatuses)
	if err != nil {
		return WalkInDecision{}, err
	}

	remaining := current.RemainingMinutes(now)
	needed := (active + 1) * e.cfg.AvgConsultMinutes

	decision := WalkInDecision{
		DoctorID:         doctorID,
		ActiveCount:      active,
		RemainingMinutes: remaining,
		NeededMinutes:    needed,
		WorkingHours:     current.String(),
	}
	if needed > remaining {
		decision.Reason = fmt.Sprintf(
			"queue is full: %d patients ahead need %d minutes, only %d left in shift",
			active, needed, remaining)
		return decision, nil
	}
	decision.Accept = true
	decision.Reason = "capacity available"
	return decision, nil
}

func formatShifts(shifts []models.Shift) string {
	if len(shifts) == 0 {
		return "no shifts today"
	}
	parts := make([]string, 0, len(shifts))
	for _, shift := range shifts {
		parts = append(parts, shift.String())
	}
	return strings.Join(parts, ", ")
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
