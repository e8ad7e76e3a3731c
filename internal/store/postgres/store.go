package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tokenColumns = `token_id, doctor_id, patient_id, appointment_id, visit_id, token_number,
	priority, status, issued_date, created_at, called_at, served_at, done_at, late_at,
	delayed_at, undelayed_at, ready_at, delay_reason, previous_status`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InsertToken(ctx context.Context, input store.IssueTokenInput) (models.Token, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTokenByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Token{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Token{}, false, err
		}
		return existing, false, nil
	}

	seq, err := nextTokenNumber(ctx, tx, input.DoctorID, input.IssuedDate)
	if err != nil {
		return models.Token{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	priority := input.Priority
	if priority < models.PriorityMin {
		priority = models.PriorityMin
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, request_id, doctor_id, patient_id, appointment_id,
			token_number, priority, status, issued_date, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+tokenColumns,
		uuid.NewString(), input.RequestID, input.DoctorID, input.PatientID,
		nullIfEmpty(input.AppointmentID), seq, priority, models.StatusWaiting,
		input.IssuedDate, createdAt)

	token, scanErr := scanToken(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			// Lost a race on request_id; the committed row wins.
			_ = tx.Rollback(ctx)
			winner, found, lookupErr := findTokenByRequestID(ctx, s.pool, input.RequestID)
			if lookupErr != nil {
				return models.Token{}, false, lookupErr
			}
			if !found {
				return models.Token{}, false, scanErr
			}
			return winner, false, nil
		}
		// The partial unique index on (doctor, patient, day) rejects a second
		// active token issued under a different request_id.
		var pgErr *pgconn.PgError
		if errors.As(scanErr, &pgErr) && pgErr.Code == "23505" {
			err = store.ErrDuplicateToken
			return models.Token{}, false, err
		}
		err = scanErr
		return models.Token{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1
	`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) FindActiveTokenForPatient(ctx context.Context, doctorID, patientID string, day time.Time) (models.Token, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE doctor_id = $1 AND patient_id = $2 AND issued_date = $3
			AND status = ANY($4)
		ORDER BY created_at DESC
		LIMIT 1
	`, doctorID, patientID, day, models.ActiveStatuses)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) ListTokensByDoctorDay(ctx context.Context, doctorID string, day time.Time, statuses []string) ([]models.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE doctor_id = $1 AND issued_date = $2
	`
	args := []interface{}{doctorID, day}
	if len(statuses) > 0 {
		query += " AND status = ANY($3)"
		args = append(args, statuses)
	}
	query += " ORDER BY token_number ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) CountTokensByStatus(ctx context.Context, doctorID string, day time.Time, statuses []string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM tokens
		WHERE doctor_id = $1 AND issued_date = $2 AND status = ANY($3)
	`, doctorID, day, statuses)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) FindServingToken(ctx context.Context, doctorID string, day time.Time) (models.Token, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE doctor_id = $1 AND issued_date = $2 AND status = $3
		LIMIT 1
	`, doctorID, day, models.StatusServing)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) CallNextWaiting(ctx context.Context, doctorID string, day time.Time, calledAt time.Time) (models.Token, error) {
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		WITH next_token AS (
			SELECT token_id
			FROM tokens
			WHERE doctor_id = $1 AND issued_date = $2 AND status = 'waiting'
			ORDER BY token_number ASC, priority DESC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens
		SET status = 'called',
			called_at = $3
		FROM next_token
		WHERE tokens.token_id = next_token.token_id
		RETURNING `+qualifiedTokenColumns("tokens"),
		doctorID, day, calledAt)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrNoToken
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) UpdateTokenStatus(ctx context.Context, input store.UpdateStatusInput) (models.Token, error) {
	if !store.CanTransition(input.From, input.To) {
		return models.Token{}, store.ErrInvalidState
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	query := `
		UPDATE tokens
		SET status = $1
	`
	args := []interface{}{input.To}
	argPos := 2

	switch input.To {
	case models.StatusCalled:
		query += fmt.Sprintf(", called_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
		if input.StampReady {
			query += fmt.Sprintf(", ready_at = $%d", argPos)
			args = append(args, occurredAt)
			argPos++
		}
	case models.StatusWaiting:
		query += ", called_at = NULL"
	case models.StatusServing:
		query += fmt.Sprintf(", served_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	case models.StatusCompleted:
		query += fmt.Sprintf(", done_at = $%d", argPos)
		args = append(args, occurredAt)
		argPos++
	case models.StatusDelayed:
		query += fmt.Sprintf(", delayed_at = $%d, delay_reason = $%d, previous_status = $%d", argPos, argPos+1, argPos+2)
		args = append(args, occurredAt, input.DelayReason, input.From)
		argPos += 3
	}

	query += fmt.Sprintf(" WHERE token_id = $%d AND status = $%d RETURNING ", argPos, argPos+1) + tokenColumns
	args = append(args, input.TokenID, input.From)

	row := s.pool.QueryRow(ctx, query, args...)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, s.classifyMiss(ctx, input.TokenID)
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) ForceStatus(ctx context.Context, tokenID, to string, at time.Time) (models.Token, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := `
		UPDATE tokens
		SET status = $1,
			previous_status = status
	`
	args := []interface{}{to}
	argPos := 2

	switch to {
	case models.StatusCalled:
		query += fmt.Sprintf(", called_at = $%d", argPos)
		args = append(args, at)
		argPos++
	case models.StatusWaiting:
		query += ", called_at = NULL"
	case models.StatusServing:
		query += fmt.Sprintf(", served_at = $%d", argPos)
		args = append(args, at)
		argPos++
	case models.StatusCompleted:
		query += fmt.Sprintf(", done_at = $%d", argPos)
		args = append(args, at)
		argPos++
	case models.StatusDelayed:
		query += fmt.Sprintf(", delayed_at = $%d", argPos)
		args = append(args, at)
		argPos++
	}

	query += fmt.Sprintf(" WHERE token_id = $%d RETURNING ", argPos) + tokenColumns
	args = append(args, tokenID)

	row := s.pool.QueryRow(ctx, query, args...)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

// StartConsultationAtomic serializes consultation start per doctor with a
// transaction-scoped advisory lock, then re-verifies both sides of the
// exclusivity invariant before flipping called to serving.
func (s *Store) StartConsultationAtomic(ctx context.Context, tokenID, doctorID string, day time.Time, at time.Time) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, doctorID); err != nil {
		return models.Token{}, err
	}

	var serving int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM tokens
		WHERE doctor_id = $1 AND issued_date = $2 AND status = 'serving'
	`, doctorID, day)
	if err = row.Scan(&serving); err != nil {
		return models.Token{}, err
	}
	if serving > 0 {
		err = store.ErrDoctorBusy
		return models.Token{}, err
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	row = tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = 'serving',
			served_at = $1
		WHERE token_id = $2 AND doctor_id = $3 AND status = 'called'
		RETURNING `+tokenColumns,
		at, tokenID, doctorID)
	token, scanErr := scanToken(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			err = s.classifyMissTx(ctx, tx, tokenID)
			return models.Token{}, err
		}
		err = scanErr
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

// UndelayToken reassigns the token number from the issuance sequence in the
// same transaction as the status flip, so the new number is strictly greater
// than every number handed out before it.
func (s *Store) UndelayToken(ctx context.Context, tokenID string, day time.Time, at time.Time) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	seq, err := nextTokenNumberByToken(ctx, tx, tokenID, day)
	if err != nil {
		return models.Token{}, err
	}

	if at.IsZero() {
		at = time.Now().UTC()
	}
	row := tx.QueryRow(ctx, `
		UPDATE tokens
		SET status = 'waiting',
			token_number = $1,
			undelayed_at = $2,
			called_at = NULL
		WHERE token_id = $3 AND status = 'delayed'
		RETURNING `+tokenColumns,
		seq, at, tokenID)
	token, scanErr := scanToken(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			err = s.classifyMissTx(ctx, tx, tokenID)
			return models.Token{}, err
		}
		err = scanErr
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) SetTokenPriority(ctx context.Context, tokenID string, priority int, lateAt time.Time) (models.Token, error) {
	if priority > models.PriorityMax {
		priority = models.PriorityMax
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE tokens
		SET priority = $1,
			late_at = $2
		WHERE token_id = $3
		RETURNING `+tokenColumns,
		priority, nullIfZeroTime(lateAt), tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) LinkVisit(ctx context.Context, tokenID, visitID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tokens
		SET visit_id = $1
		WHERE token_id = $2
	`, visitID, tokenID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTokenNotFound
	}
	return nil
}

func (s *Store) CancelRemainingForDoctor(ctx context.Context, doctorID string, day time.Time, at time.Time) ([]models.Token, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE tokens
		SET status = 'cancelled',
			previous_status = status
		WHERE doctor_id = $1 AND issued_date = $2
			AND status IN ('waiting', 'called', 'delayed')
		RETURNING `+tokenColumns,
		doctorID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cancelled []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		cancelled = append(cancelled, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *Store) classifyMiss(ctx context.Context, tokenID string) error {
	var status string
	row := s.pool.QueryRow(ctx, `SELECT status FROM tokens WHERE token_id = $1`, tokenID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return err
	}
	return store.ErrInvalidState
}

func (s *Store) classifyMissTx(ctx context.Context, tx pgx.Tx, tokenID string) error {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tokens WHERE token_id = $1`, tokenID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTokenNotFound
		}
		return err
	}
	return store.ErrInvalidState
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx, doctorID string, day time.Time) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (doctor_id, queue_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, queue_date)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, doctorID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func nextTokenNumberByToken(ctx context.Context, tx pgx.Tx, tokenID string, day time.Time) (int, error) {
	var doctorID string
	row := tx.QueryRow(ctx, `SELECT doctor_id FROM tokens WHERE token_id = $1`, tokenID)
	if err := row.Scan(&doctorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrTokenNotFound
		}
		return 0, err
	}
	return nextTokenNumber(ctx, tx, doctorID, day)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findTokenByRequestID(ctx context.Context, q rowQuerier, requestID string) (models.Token, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE request_id = $1
	`, requestID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}
	return token, true, nil
}

func qualifiedTokenColumns(table string) string {
	return table + ".token_id, " + table + ".doctor_id, " + table + ".patient_id, " +
		table + ".appointment_id, " + table + ".visit_id, " + table + ".token_number, " +
		table + ".priority, " + table + ".status, " + table + ".issued_date, " +
		table + ".created_at, " + table + ".called_at, " + table + ".served_at, " +
		table + ".done_at, " + table + ".late_at, " + table + ".delayed_at, " +
		table + ".undelayed_at, " + table + ".ready_at, " + table + ".delay_reason, " +
		table + ".previous_status"
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var appointmentID sql.NullString
	var visitID sql.NullString
	var calledAt, servedAt, doneAt, lateAt, delayedAt, undelayedAt, readyAt sql.NullTime
	var delayReason, previousStatus sql.NullString

	if err := row.Scan(
		&token.TokenID, &token.DoctorID, &token.PatientID, &appointmentID, &visitID,
		&token.TokenNumber, &token.Priority, &token.Status, &token.IssuedDate,
		&token.CreatedAt, &calledAt, &servedAt, &doneAt, &lateAt,
		&delayedAt, &undelayedAt, &readyAt, &delayReason, &previousStatus,
	); err != nil {
		return models.Token{}, err
	}

	token.AppointmentID = nullStringPtr(appointmentID)
	token.VisitID = nullStringPtr(visitID)
	token.CalledAt = nullTimePtr(calledAt)
	token.ServedAt = nullTimePtr(servedAt)
	token.DoneAt = nullTimePtr(doneAt)
	token.LateAt = nullTimePtr(lateAt)
	token.DelayedAt = nullTimePtr(delayedAt)
	token.UndelayedAt = nullTimePtr(undelayedAt)
	token.ReadyAt = nullTimePtr(readyAt)
	if delayReason.Valid {
		token.DelayReason = delayReason.String
	}
	if previousStatus.Valid {
		token.PreviousStatus = previousStatus.String
	}
	return token, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullIfZeroTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
