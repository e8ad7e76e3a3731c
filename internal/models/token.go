package models

import "time"

// Token is one patient's place in one doctor's queue for one calendar day.
// Terminal tokens are never deleted, only reached.
type Token struct {
	TokenID        string     `json:"token_id"`
	DoctorID       string     `json:"doctor_id"`
	PatientID      string     `json:"patient_id"`
	AppointmentID  *string    `json:"appointment_id,omitempty"`
	VisitID        *string    `json:"visit_id,omitempty"`
	TokenNumber    int        `json:"token_number"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	IssuedDate     time.Time  `json:"issued_date"`
	CreatedAt      time.Time  `json:"created_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	ServedAt       *time.Time `json:"served_at,omitempty"`
	DoneAt         *time.Time `json:"done_at,omitempty"`
	LateAt         *time.Time `json:"late_at,omitempty"`
	DelayedAt      *time.Time `json:"delayed_at,omitempty"`
	UndelayedAt    *time.Time `json:"undelayed_at,omitempty"`
	ReadyAt        *time.Time `json:"ready_at,omitempty"`
	DelayReason    string     `json:"delay_reason,omitempty"`
	PreviousStatus string     `json:"previous_status,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusDelayed   = "delayed"
	StatusCompleted = "completed"
	StatusMissed    = "missed"
	StatusCancelled = "cancelled"
)

const (
	PriorityMin = 1
	PriorityMax = 5
)

// ActiveStatuses are the statuses that count as "in the queue" for the
// one-active-token-per-patient rule.
var ActiveStatuses = []string{StatusWaiting, StatusCalled, StatusServing, StatusDelayed}

// ConsultingStatuses are the statuses counted by walk-in admission control.
var ConsultingStatuses = []string{StatusWaiting, StatusCalled, StatusServing}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusMissed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WalkIn reports whether the token was issued without an appointment.
func (t Token) WalkIn() bool {
	return t.AppointmentID == nil || *t.AppointmentID == ""
}
