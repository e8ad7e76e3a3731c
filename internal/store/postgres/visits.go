package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateVisit(ctx context.Context, patientID, doctorID, tokenID string) (models.Visit, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO visits (visit_id, patient_id, doctor_id, token_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING visit_id, patient_id, doctor_id, token_id, status, started_at, completed_at
	`, uuid.NewString(), patientID, doctorID, tokenID, models.VisitOpen)
	return scanVisit(row)
}

func (s *Store) StartVisit(ctx context.Context, visitID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE visits
		SET started_at = $1
		WHERE visit_id = $2
	`, at, visitID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrVisitNotFound
	}
	return nil
}

func (s *Store) CompleteVisit(ctx context.Context, visitID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE visits
		SET status = $1,
			completed_at = $2
		WHERE visit_id = $3
	`, models.VisitCompleted, at, visitID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrVisitNotFound
	}
	return nil
}

func (s *Store) FindActiveVisit(ctx context.Context, tokenID string) (models.Visit, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT visit_id, patient_id, doctor_id, token_id, status, started_at, completed_at
		FROM visits
		WHERE token_id = $1 AND status = $2
		LIMIT 1
	`, tokenID, models.VisitOpen)
	visit, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visit{}, false, nil
		}
		return models.Visit{}, false, err
	}
	return visit, true, nil
}

func scanVisit(row pgx.Row) (models.Visit, error) {
	var visit models.Visit
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&visit.VisitID, &visit.PatientID, &visit.DoctorID,
		&visit.TokenID, &visit.Status, &startedAt, &completedAt); err != nil {
		return models.Visit{}, err
	}
	visit.StartedAt = nullTimePtr(startedAt)
	visit.CompletedAt = nullTimePtr(completedAt)
	return visit, nil
}
