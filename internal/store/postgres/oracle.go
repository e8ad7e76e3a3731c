package postgres

import (
	"context"
	"time"

	"clinicflow/queue-service/internal/models"
)

func (s *Store) ShiftsForDay(ctx context.Context, doctorID string, day time.Time) ([]models.Shift, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doctor_id, weekday, start_minutes, end_minutes
		FROM doctor_shifts
		WHERE doctor_id = $1 AND weekday = $2
		ORDER BY start_minutes ASC
	`, doctorID, int(day.Weekday()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []models.Shift
	for rows.Next() {
		var shift models.Shift
		if err := rows.Scan(&shift.DoctorID, &shift.Weekday,
			&shift.StartMinutes, &shift.EndMinutes); err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return shifts, nil
}

func (s *Store) IsCurrentlyAvailable(ctx context.Context, doctorID string, at time.Time) (bool, error) {
	var blocked bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM doctor_unavailability
			WHERE doctor_id = $1 AND starts_at <= $2 AND ends_at > $2
		)
	`, doctorID, at)
	if err := row.Scan(&blocked); err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}

	shifts, err := s.ShiftsForDay(ctx, doctorID, at)
	if err != nil {
		return false, err
	}
	for _, shift := range shifts {
		if shift.Contains(at) {
			return true, nil
		}
	}
	return false, nil
}

// SweepAndMarkMissed marks active tokens missed for every doctor inside an
// unavailability window at the given instant. One statement so a crashed
// sweeper never leaves a doctor half-swept.
func (s *Store) SweepAndMarkMissed(ctx context.Context, day time.Time, at time.Time) (int, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tokens
		SET status = 'missed',
			previous_status = status
		WHERE issued_date = $1
			AND status IN ('waiting', 'called', 'delayed')
			AND doctor_id IN (
				SELECT doctor_id
				FROM doctor_unavailability
				WHERE starts_at <= $2 AND ends_at > $2
			)
	`, day, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
