package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Event is one queue lifecycle fact. Payload keys are event-specific.
type Event struct {
	EventID    string                 `json:"event_id"`
	EventType  string                 `json:"event_type"`
	TokenID    string                 `json:"token_id"`
	DoctorID   string                 `json:"doctor_id"`
	PatientID  string                 `json:"patient_id"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

const (
	EventTokenIssued    = "queue.token.issued"
	EventTokenCalled    = "queue.token.called"
	EventTokenReady     = "queue.token.ready"
	EventTokenWaiting   = "queue.token.waiting"
	EventServingStarted = "queue.serving.started"
	EventCompleted      = "queue.token.completed"
	EventMissed         = "queue.token.missed"
	EventCancelled      = "queue.token.cancelled"
	EventDelayed        = "queue.token.delayed"
	EventUndelayed      = "queue.token.undelayed"
	EventLateBoost      = "queue.token.late_boost"
	EventForced         = "queue.token.forced"
	EventSweepMissed    = "queue.sweep.missed"
)

// Sink records audit events. Recording is best-effort: implementations must
// not surface failures into the queue lifecycle, and callers ignore errors
// beyond logging them.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log. It is the fallback when no
// durable sink is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event Event) error {
	s.logger.Info().
		Str("event_type", event.EventType).
		Str("token_id", event.TokenID).
		Str("doctor_id", event.DoctorID).
		Time("occurred_at", event.OccurredAt).
		Msg("audit event")
	return nil
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) error { return nil }
