package models

import "time"

// AppointmentQueueEntry is the scheduled-appointment analogue of a Token,
// tracked by queue position. It is kept loosely synchronized with its paired
// token; mirror writes are best-effort, never transactional.
type AppointmentQueueEntry struct {
	EntryID       string     `json:"entry_id"`
	AppointmentID string     `json:"appointment_id"`
	TokenID       *string    `json:"token_id,omitempty"`
	DoctorID      string     `json:"doctor_id"`
	PatientID     string     `json:"patient_id"`
	QueueDate     time.Time  `json:"queue_date"`
	QueuePosition int        `json:"queue_position"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

const (
	EntryQueued     = "queued"
	EntryInProgress = "in_progress"
	EntryDelayed    = "delayed"
	EntryCompleted  = "completed"
	EntrySkipped    = "skipped"
	EntryCancelled  = "cancelled"
)

// Appointment carries only the fields the queue needs; full appointment
// records live with an external scheduling system.
type Appointment struct {
	AppointmentID string    `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id"`
	PatientID     string    `json:"patient_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
	Status        string    `json:"status"`
}

const (
	AppointmentScheduled = "scheduled"
	AppointmentWaiting   = "waiting"
	AppointmentCompleted = "completed"
	AppointmentNoShow    = "no_show"
	AppointmentCancelled = "cancelled"
)
