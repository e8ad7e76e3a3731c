package store

import (
	"context"
	"time"

	"clinicflow/queue-service/internal/models"
)

type IssueTokenInput struct {
	RequestID     string
	DoctorID      string
	PatientID     string
	AppointmentID string // empty means walk-in
	Priority      int
	IssuedDate    time.Time
	CreatedAt     time.Time
}

// UpdateStatusInput is a conditional status change: the update applies only
// if the token is still in From when the row is written.
type UpdateStatusInput struct {
	TokenID     string
	From        string
	To          string
	OccurredAt  time.Time
	DelayReason string // recorded when To is delayed
	StampReady  bool   // mark-ready also records ready_at
}

// TokenStore is the durable token repository. Implementations must provide
// single-row atomicity for every conditional update and an atomic
// per-(doctor, day) sequence for token numbers.
type TokenStore interface {
	InsertToken(ctx context.Context, input IssueTokenInput) (models.Token, bool, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	FindActiveTokenForPatient(ctx context.Context, doctorID, patientID string, day time.Time) (models.Token, bool, error)
	ListTokensByDoctorDay(ctx context.Context, doctorID string, day time.Time, statuses []string) ([]models.Token, error)
	CountTokensByStatus(ctx context.Context, doctorID string, day time.Time, statuses []string) (int, error)
	FindServingToken(ctx context.Context, doctorID string, day time.Time) (models.Token, bool, error)

	// CallNextWaiting atomically claims the next waiting token for the doctor
	// (token_number ascending, priority as tie-break) and moves it to called.
	// Returns ErrNoToken when the queue is empty.
	CallNextWaiting(ctx context.Context, doctorID string, day time.Time, calledAt time.Time) (models.Token, error)

	UpdateTokenStatus(ctx context.Context, input UpdateStatusInput) (models.Token, error)
	ForceStatus(ctx context.Context, tokenID, to string, at time.Time) (models.Token, error)

	// StartConsultationAtomic serializes consultation start per doctor:
	// re-verifies the token is called and no other token for the doctor is
	// serving, then flips called to serving in the same critical section.
	StartConsultationAtomic(ctx context.Context, tokenID, doctorID string, day time.Time, at time.Time) (models.Token, error)

	// UndelayToken moves a delayed token back to waiting and reassigns its
	// token number from the same sequence used at issuance, so the patient
	// rejoins at the back of the line.
	UndelayToken(ctx context.Context, tokenID string, day time.Time, at time.Time) (models.Token, error)

	SetTokenPriority(ctx context.Context, tokenID string, priority int, lateAt time.Time) (models.Token, error)
	LinkVisit(ctx context.Context, tokenID, visitID string) error
	CancelRemainingForDoctor(ctx context.Context, doctorID string, day time.Time, at time.Time) ([]models.Token, error)
}

type AppendEntryInput struct {
	AppointmentID string
	TokenID       string
	DoctorID      string
	PatientID     string
	QueueDate     time.Time
	Priority      int
	CreatedAt     time.Time
}

// AppointmentQueueStore tracks the scheduled-appointment side of the queue.
// Writes here mirror token state best-effort; callers treat failures as
// non-fatal.
type AppointmentQueueStore interface {
	AppendEntry(ctx context.Context, input AppendEntryInput) (models.AppointmentQueueEntry, error)
	UpdateEntryStatusByToken(ctx context.Context, tokenID, status string, at time.Time) error
	SetEntryPriorityByToken(ctx context.Context, tokenID string, priority int) error
	ListEntriesByDoctorDay(ctx context.Context, doctorID string, day time.Time) ([]models.AppointmentQueueEntry, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	SetAppointmentStatus(ctx context.Context, appointmentID, status string) error
}

// AvailabilityOracle answers shift and availability questions. The queue
// engine never inlines unavailability logic; it always asks the oracle.
type AvailabilityOracle interface {
	ShiftsForDay(ctx context.Context, doctorID string, day time.Time) ([]models.Shift, error)
	IsCurrentlyAvailable(ctx context.Context, doctorID string, at time.Time) (bool, error)

	// SweepAndMarkMissed marks tokens missed for doctors unavailable on the
	// given day and returns how many tokens it touched.
	SweepAndMarkMissed(ctx context.Context, day time.Time, at time.Time) (int, error)
}

// VisitStore is the visit collaborator. Every call is a side effect of a
// queue transition and must never roll one back.
type VisitStore interface {
	CreateVisit(ctx context.Context, patientID, doctorID, tokenID string) (models.Visit, error)
	StartVisit(ctx context.Context, visitID string, at time.Time) error
	CompleteVisit(ctx context.Context, visitID string, at time.Time) error
	FindActiveVisit(ctx context.Context, tokenID string) (models.Visit, bool, error)
}
