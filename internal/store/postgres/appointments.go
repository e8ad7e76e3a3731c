package postgres

import (
	"context"
	"errors"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const entryColumns = `entry_id, appointment_id, token_id, doctor_id, patient_id,
	queue_date, queue_position, priority, status, created_at, updated_at`

func (s *Store) AppendEntry(ctx context.Context, input store.AppendEntryInput) (models.AppointmentQueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.AppointmentQueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	position, err := nextEntryPosition(ctx, tx, input.DoctorID, input.QueueDate)
	if err != nil {
		return models.AppointmentQueueEntry{}, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointment_queue (
			entry_id, appointment_id, token_id, doctor_id, patient_id,
			queue_date, queue_position, priority, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+entryColumns,
		uuid.NewString(), input.AppointmentID, nullIfEmpty(input.TokenID),
		input.DoctorID, input.PatientID, input.QueueDate, position,
		input.Priority, models.EntryQueued, createdAt)

	entry, err := scanEntry(row)
	if err != nil {
		return models.AppointmentQueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.AppointmentQueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) UpdateEntryStatusByToken(ctx context.Context, tokenID, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointment_queue
		SET status = $1,
			updated_at = $2
		WHERE token_id = $3
	`, status, at, tokenID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (s *Store) SetEntryPriorityByToken(ctx context.Context, tokenID string, priority int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointment_queue
		SET priority = $1,
			updated_at = $2
		WHERE token_id = $3
	`, priority, time.Now().UTC(), tokenID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListEntriesByDoctorDay(ctx context.Context, doctorID string, day time.Time) ([]models.AppointmentQueueEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM appointment_queue
		WHERE doctor_id = $1 AND queue_date = $2
		ORDER BY queue_position ASC
	`, doctorID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AppointmentQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	var appt models.Appointment
	row := s.pool.QueryRow(ctx, `
		SELECT appointment_id, doctor_id, patient_id, scheduled_at, status
		FROM appointments
		WHERE appointment_id = $1
	`, appointmentID)
	if err := row.Scan(&appt.AppointmentID, &appt.DoctorID, &appt.PatientID,
		&appt.ScheduledAt, &appt.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) SetAppointmentStatus(ctx context.Context, appointmentID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE appointments
		SET status = $1
		WHERE appointment_id = $2
	`, status, appointmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAppointmentNotFound
	}
	return nil
}

// nextEntryPosition hands out queue positions per (doctor, day) through the
// same upsert-returning pattern as token numbers, so concurrent appends
// cannot mint the same position.
func nextEntryPosition(ctx context.Context, tx pgx.Tx, doctorID string, day time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO appointment_positions (doctor_id, queue_date, next_position)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, queue_date)
		DO UPDATE SET next_position = appointment_positions.next_position + 1
		RETURNING next_position
	`, doctorID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func scanEntry(row pgx.Row) (models.AppointmentQueueEntry, error) {
	var entry models.AppointmentQueueEntry
	var tokenID *string
	var updatedAt *time.Time
	if err := row.Scan(
		&entry.EntryID, &entry.AppointmentID, &tokenID, &entry.DoctorID,
		&entry.PatientID, &entry.QueueDate, &entry.QueuePosition,
		&entry.Priority, &entry.Status, &entry.CreatedAt, &updatedAt,
	); err != nil {
		return models.AppointmentQueueEntry{}, err
	}
	entry.TokenID = tokenID
	entry.UpdatedAt = updatedAt
	return entry, nil
}
