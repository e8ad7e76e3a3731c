package postgres

import (
	"context"
	"encoding/json"
	"time"

	"clinicflow/queue-service/internal/audit"

	"github.com/google/uuid"
)

// Record appends the event to the audit_events outbox. Events stay unpublished
// until a publisher drains them; readers of the table must tolerate both
// states.
func (s *Store) Record(ctx context.Context, event audit.Event) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (
			event_id, event_type, token_id, doctor_id, patient_id,
			occurred_at, payload, published
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`, event.EventID, event.EventType, nullIfEmpty(event.TokenID),
		nullIfEmpty(event.DoctorID), nullIfEmpty(event.PatientID),
		event.OccurredAt, payload)
	return err
}

// ListUnpublishedEvents returns the oldest unpublished outbox rows, up to
// limit, locked against concurrent publishers.
func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, event_type,
			COALESCE(token_id, ''), COALESCE(doctor_id, ''), COALESCE(patient_id, ''),
			occurred_at, payload
		FROM audit_events
		WHERE published = FALSE
		ORDER BY occurred_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var event audit.Event
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.EventType, &event.TokenID,
			&event.DoctorID, &event.PatientID, &event.OccurredAt, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &event.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) MarkEventsPublished(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE audit_events
		SET published = TRUE,
			published_at = $1
		WHERE event_id = ANY($2)
	`, time.Now().UTC(), eventIDs)
	return err
}
