package engine

import (
	"context"
	"errors"
	"time"

	"clinicflow/queue-service/internal/audit"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/rs/zerolog"
)

// Config holds the scheduling knobs. Zero values fall back to the clinic
// defaults in Normalize.
type Config struct {
	AvgConsultMinutes int
	LateBoostMinutes  int
	LateBoostPriority int
}

func (c Config) Normalize() Config {
	if c.AvgConsultMinutes <= 0 {
		c.AvgConsultMinutes = 15
	}
	if c.LateBoostMinutes <= 0 {
		c.LateBoostMinutes = 10
	}
	if c.LateBoostPriority <= 0 {
		c.LateBoostPriority = 4
	}
	return c
}

// Engine drives the token lifecycle. Every state change goes through the
// store's conditional updates; the engine never holds queue state in memory.
type Engine struct {
	tokens store.TokenStore
	queue  store.AppointmentQueueStore
	oracle store.AvailabilityOracle
	visits store.VisitStore
	sink   audit.Sink
	logger zerolog.Logger
	cfg    Config
	now    func() time.Time
}

func NewEngine(
	tokens store.TokenStore,
	queue store.AppointmentQueueStore,
	oracle store.AvailabilityOracle,
	visits store.VisitStore,
	sink audit.Sink,
	logger zerolog.Logger,
	cfg Config,
) *Engine {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Engine{
		tokens: tokens,
		queue:  queue,
		oracle: oracle,
		visits: visits,
		sink:   sink,
		logger: logger,
		cfg:    cfg.Normalize(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the engine clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type IssueRequest struct {
	RequestID     string
	DoctorID      string
	PatientID     string
	AppointmentID string
	Priority      int
}

// IssueToken registers a patient in the doctor's queue for today. Walk-ins
// pass admission control first; appointment patients bypass it. At most one
// active token per (patient, doctor, day).
func (e *Engine) IssueToken(ctx context.Context, req IssueRequest) (models.Token, error) {
	if req.DoctorID == "" {
		return models.Token{}, &ValidationError{Field: "doctor_id", Reason: "required"}
	}
	if req.PatientID == "" {
		return models.Token{}, &ValidationError{Field: "patient_id", Reason: "required"}
	}
	if req.Priority < 0 || req.Priority > models.PriorityMax {
		return models.Token{}, &ValidationError{Field: "priority", Reason: "must be between 1 and 5"}
	}
	if req.Priority == 0 {
		req.Priority = models.PriorityMin
	}

	now := e.now()
	day := dateOf(now)

	existing, found, err := e.tokens.FindActiveTokenForPatient(ctx, req.DoctorID, req.PatientID, day)
	if err != nil {
		return models.Token{}, err
	}
	if found {
		return models.Token{}, &DuplicateActiveTokenError{
			PatientID:       req.PatientID,
			DoctorID:        req.DoctorID,
			ExistingTokenID: existing.TokenID,
			ExistingNumber:  existing.TokenNumber,
		}
	}

	var appt models.Appointment
	if req.AppointmentID != "" {
		appt, err = e.queue.GetAppointment(ctx, req.AppointmentID)
		if err != nil {
			if errors.Is(err, store.ErrAppointmentNotFound) {
				return models.Token{}, &NotFoundError{Kind: "appointment", ID: req.AppointmentID}
			}
			return models.Token{}, err
		}
	} else {
		decision, err := e.CanAcceptWalkIn(ctx, req.DoctorID)
		if err != nil {
			return models.Token{}, err
		}
		if !decision.Accept {
			return models.Token{}, &CapacityExceededError{Decision: decision}
		}
	}

	token, created, err := e.tokens.InsertToken(ctx, store.IssueTokenInput{
		RequestID:     req.RequestID,
		DoctorID:      req.DoctorID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Priority:      req.Priority,
		IssuedDate:    day,
		CreatedAt:     now,
	})
	if err != nil {
		// A concurrent request for the same patient can commit between the
		// duplicate check above and this insert; the store rejects it.
		if errors.Is(err, store.ErrDuplicateToken) {
			dup := &DuplicateActiveTokenError{PatientID: req.PatientID, DoctorID: req.DoctorID}
			if winner, found, lookupErr := e.tokens.FindActiveTokenForPatient(ctx, req.DoctorID, req.PatientID, day); lookupErr == nil && found {
				dup.ExistingTokenID = winner.TokenID
				dup.ExistingNumber = winner.TokenNumber
			}
			return models.Token{}, dup
		}
		return models.Token{}, err
	}
	if !created {
		return token, nil
	}

	// Side effects from here on are best-effort.
	if visit, err := e.visits.CreateVisit(ctx, req.PatientID, req.DoctorID, token.TokenID); err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("visit creation failed")
	} else if err := e.tokens.LinkVisit(ctx, token.TokenID, visit.VisitID); err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("visit link failed")
	} else {
		token.VisitID = &visit.VisitID
	}

	if req.AppointmentID != "" {
		if _, err := e.queue.AppendEntry(ctx, store.AppendEntryInput{
			AppointmentID: req.AppointmentID,
			TokenID:       token.TokenID,
			DoctorID:      req.DoctorID,
			PatientID:     req.PatientID,
			QueueDate:     day,
			Priority:      token.Priority,
			CreatedAt:     now,
		}); err != nil {
			e.logger.Warn().Err(err).Str("appointment_id", req.AppointmentID).Msg("appointment queue append failed")
		}
		if appt.Status == models.AppointmentScheduled {
			if err := e.queue.SetAppointmentStatus(ctx, req.AppointmentID, models.AppointmentWaiting); err != nil {
				e.logger.Warn().Err(err).Str("appointment_id", req.AppointmentID).Msg("appointment status update failed")
			}
		}
	}

	e.record(ctx, audit.EventTokenIssued, token, map[string]interface{}{
		"token_number": token.TokenNumber,
		"walk_in":      token.WalkIn(),
	})
	return token, nil
}

// CallNext claims the next token in line for the doctor and moves it to
// called. Refused while a consultation is in progress.
func (e *Engine) CallNext(ctx context.Context, doctorID string) (models.Token, error) {
	if doctorID == "" {
		return models.Token{}, &ValidationError{Field: "doctor_id", Reason: "required"}
	}
	now := e.now()
	day := dateOf(now)

	serving, busy, err := e.tokens.FindServingToken(ctx, doctorID, day)
	if err != nil {
		return models.Token{}, err
	}
	if busy {
		return models.Token{}, &ConsultationInProgressError{DoctorID: doctorID, ServingTokenID: serving.TokenID}
	}

	token, err := e.tokens.CallNextWaiting(ctx, doctorID, day, now)
	if err != nil {
		if errors.Is(err, store.ErrNoToken) {
			return models.Token{}, &NotFoundError{Kind: "waiting token for doctor", ID: doctorID}
		}
		return models.Token{}, err
	}

	e.mirrorEntry(ctx, token, models.EntryQueued)
	e.record(ctx, audit.EventTokenCalled, token, nil)
	return token, nil
}

// MarkReady moves a waiting token to called and applies the late-arrival
// boost for appointment patients who show up past the grace window. The
// boost fires at most once per token.
func (e *Engine) MarkReady(ctx context.Context, tokenID string) (models.Token, error) {
	now := e.now()
	token, err := e.transition(ctx, store.UpdateStatusInput{
		TokenID:    tokenID,
		From:       models.StatusWaiting,
		To:         models.StatusCalled,
		OccurredAt: now,
		StampReady: true,
	})
	if err != nil {
		return models.Token{}, err
	}

	if boosted, ok := e.maybeBoostLate(ctx, token, now); ok {
		token = boosted
	}

	e.record(ctx, audit.EventTokenReady, token, nil)
	return token, nil
}

func (e *Engine) maybeBoostLate(ctx context.Context, token models.Token, now time.Time) (models.Token, bool) {
	if token.WalkIn() || token.LateAt != nil || token.Priority >= e.cfg.LateBoostPriority {
		return token, false
	}
	appt, err := e.queue.GetAppointment(ctx, *token.AppointmentID)
	if err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("late boost lookup failed")
		return token, false
	}
	if now.Sub(appt.ScheduledAt) < time.Duration(e.cfg.LateBoostMinutes)*time.Minute {
		return token, false
	}

	boosted, err := e.tokens.SetTokenPriority(ctx, token.TokenID, e.cfg.LateBoostPriority, now)
	if err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("late boost failed")
		return token, false
	}
	if err := e.queue.SetEntryPriorityByToken(ctx, token.TokenID, e.cfg.LateBoostPriority); err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("late boost mirror failed")
	}
	e.record(ctx, audit.EventLateBoost, boosted, map[string]interface{}{
		"scheduled_at": appt.ScheduledAt,
		"priority":     boosted.Priority,
	})
	return boosted, true
}

// MarkWaiting sends a called token back to waiting without losing its place.
func (e *Engine) MarkWaiting(ctx context.Context, tokenID string) (models.Token, error) {
	token, err := e.transition(ctx, store.UpdateStatusInput{
		TokenID:    tokenID,
		From:       models.StatusCalled,
		To:         models.StatusWaiting,
		OccurredAt: e.now(),
	})
	if err != nil {
		return models.Token{}, err
	}
	e.record(ctx, audit.EventTokenWaiting, token, nil)
	return token, nil
}

// StartConsultation flips a called token to serving under the per-doctor
// exclusivity guard, then stamps the linked visit.
func (e *Engine) StartConsultation(ctx context.Context, tokenID string) (models.Token, error) {
	current, err := e.getToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	now := e.now()
	day := dateOf(now)

	token, err := e.tokens.StartConsultationAtomic(ctx, tokenID, current.DoctorID, day, now)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDoctorBusy):
			return models.Token{}, &ConsultationInProgressError{DoctorID: current.DoctorID}
		case errors.Is(err, store.ErrTokenNotFound):
			return models.Token{}, &NotFoundError{Kind: "token", ID: tokenID}
		case errors.Is(err, store.ErrInvalidState):
			return models.Token{}, &InvalidTransitionError{TokenID: tokenID, From: current.Status, To: models.StatusServing}
		default:
			return models.Token{}, err
		}
	}

	e.stampVisitStart(ctx, token, now)
	e.mirrorEntry(ctx, token, models.EntryInProgress)
	e.record(ctx, audit.EventServingStarted, token, nil)
	return token, nil
}

func (e *Engine) stampVisitStart(ctx context.Context, token models.Token, now time.Time) {
	if token.VisitID != nil && *token.VisitID != "" {
		if err := e.visits.StartVisit(ctx, *token.VisitID, now); err != nil {
			e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("visit start failed")
		}
		return
	}
	// Fallback for tokens issued while the visit collaborator was degraded.
	visit, err := e.visits.CreateVisit(ctx, token.PatientID, token.DoctorID, token.TokenID)
	if err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("fallback visit creation failed")
		return
	}
	if err := e.tokens.LinkVisit(ctx, token.TokenID, visit.VisitID); err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("fallback visit link failed")
	}
	if err := e.visits.StartVisit(ctx, visit.VisitID, now); err != nil {
		e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("fallback visit start failed")
	}
}

// CompleteConsultation closes out a serving token, its visit, and any linked
// appointment.
func (e *Engine) CompleteConsultation(ctx context.Context, tokenID string) (models.Token, error) {
	now := e.now()
	token, err := e.transition(ctx, store.UpdateStatusInput{
		TokenID:    tokenID,
		From:       models.StatusServing,
		To:         models.StatusCompleted,
		OccurredAt: now,
	})
	if err != nil {
		return models.Token{}, err
	}

	if token.VisitID != nil && *token.VisitID != "" {
		if err := e.visits.CompleteVisit(ctx, *token.VisitID, now); err != nil {
			e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("visit completion failed")
		}
	}
	e.mirrorEntry(ctx, token, models.EntryCompleted)
	e.propagateAppointment(ctx, token, models.AppointmentCompleted)
	e.record(ctx, audit.EventCompleted, token, nil)
	return token, nil
}

// MarkMissed moves a token to missed from whatever non-terminal status it
// holds, and flags a linked appointment as a no-show.
func (e *Engine) MarkMissed(ctx context.Context, tokenID string) (models.Token, error) {
	current, err := e.getToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	token, err := e.transition(ctx, store.UpdateStatusInput{
		TokenID:    tokenID,
		From:       current.Status,
		To:         models.StatusMissed,
		OccurredAt: e.now(),
	})
	if err != nil {
		return models.Token{}, err
	}

	e.mirrorEntry(ctx, token, models.EntrySkipped)
	e.propagateAppointment(ctx, token, models.AppointmentNoShow)
	e.record(ctx, audit.EventMissed, token, nil)
	return token, nil
}

// CancelToken is the terminal cancel, valid from any active status and from
// missed.
func (e *Engine) CancelToken(ctx context.Context, tokenID string) (models.Token, error) {
	current, err := e.getToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	token, err := e.transition(ctx, store.UpdateStatusInput{
		TokenID:    tokenID,
		From:       current.Status,
		To:         models.StatusCancelled,
		OccurredAt: e.now(),
	})
	if err != nil {
		return models.Token{}, err
	}

	e.mirrorEntry(ctx, token, models.EntryCancelled)
	e.propagateAppointment(ctx, token, models.AppointmentCancelled)
	e.record(ctx, audit.EventCancelled, token, nil)
	return token, nil
}

// DelayToken parks a waiting or called token. It keeps its number but is
// skipped by call-next until undelayed.
func (e *Engine) DelayToken(ctx context.Context, tokenID, reason string) (models.Token, error) {
	if reason == "" {
		return models.Token{}, &ValidationError{Field: "reason", Reason: "required"}
	}
	current, err := e.getToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	if current.Status != models.StatusWaiting && current.Status != models.StatusCalled {
		return models.Token{}, &InvalidTransitionError{TokenID: tokenID, From: current.Status, To: models.StatusDelayed}
	}
	token, err := e.transition(ctx, store.UpdateStatusInput{
		TokenID:     tokenID,
		From:        current.Status,
		To:          models.StatusDelayed,
		OccurredAt:  e.now(),
		DelayReason: reason,
	})
	if err != nil {
		return models.Token{}, err
	}

	e.mirrorEntry(ctx, token, models.EntryDelayed)
	e.record(ctx, audit.EventDelayed, token, map[string]interface{}{"reason": reason})
	return token, nil
}

// UndelayToken returns a delayed token to waiting at the back of the line:
// it takes the next number from the issuance sequence.
func (e *Engine) UndelayToken(ctx context.Context, tokenID string) (models.Token, error) {
	current, err := e.getToken(ctx, tokenID)
	if err != nil {
		return models.Token{}, err
	}
	now := e.now()
	token, err := e.tokens.UndelayToken(ctx, tokenID, dateOf(now), now)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTokenNotFound):
			return models.Token{}, &NotFoundError{Kind: "token", ID: tokenID}
		case errors.Is(err, store.ErrInvalidState):
			return models.Token{}, &InvalidTransitionError{TokenID: tokenID, From: current.Status, To: models.StatusWaiting}
		default:
			return models.Token{}, err
		}
	}

	e.mirrorEntry(ctx, token, models.EntryQueued)
	e.record(ctx, audit.EventUndelayed, token, map[string]interface{}{"token_number": token.TokenNumber})
	return token, nil
}

// ForceStatus is the staff override: it bypasses the transition table but is
// audited with the prior status.
func (e *Engine) ForceStatus(ctx context.Context, tokenID, status string) (models.Token, error) {
	switch status {
	case models.StatusWaiting, models.StatusCalled, models.StatusServing,
		models.StatusDelayed, models.StatusCompleted, models.StatusMissed, models.StatusCancelled:
	default:
		return models.Token{}, &ValidationError{Field: "status", Reason: "unknown status"}
	}
	token, err := e.tokens.ForceStatus(ctx, tokenID, status, e.now())
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return models.Token{}, &NotFoundError{Kind: "token", ID: tokenID}
		}
		return models.Token{}, err
	}
	e.record(ctx, audit.EventForced, token, map[string]interface{}{
		"from": token.PreviousStatus,
		"to":   status,
	})
	return token, nil
}

// CancelRemainingForDoctor bulk-cancels the doctor's active queue, for early
// departure. Each cancellation propagates like a single cancel.
func (e *Engine) CancelRemainingForDoctor(ctx context.Context, doctorID string) ([]models.Token, error) {
	if doctorID == "" {
		return nil, &ValidationError{Field: "doctor_id", Reason: "required"}
	}
	now := e.now()
	cancelled, err := e.tokens.CancelRemainingForDoctor(ctx, doctorID, dateOf(now), now)
	if err != nil {
		return nil, err
	}
	for _, token := range cancelled {
		e.mirrorEntry(ctx, token, models.EntryCancelled)
		e.propagateAppointment(ctx, token, models.AppointmentCancelled)
		e.record(ctx, audit.EventCancelled, token, map[string]interface{}{"bulk": true})
	}
	return cancelled, nil
}

// GetToken exposes a single token lookup with engine error mapping.
func (e *Engine) GetToken(ctx context.Context, tokenID string) (models.Token, error) {
	return e.getToken(ctx, tokenID)
}

func (e *Engine) getToken(ctx context.Context, tokenID string) (models.Token, error) {
	if tokenID == "" {
		return models.Token{}, &ValidationError{Field: "token_id", Reason: "required"}
	}
	token, err := e.tokens.GetToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return models.Token{}, &NotFoundError{Kind: "token", ID: tokenID}
		}
		return models.Token{}, err
	}
	return token, nil
}

func (e *Engine) transition(ctx context.Context, input store.UpdateStatusInput) (models.Token, error) {
	if !store.CanTransition(input.From, input.To) {
		return models.Token{}, &InvalidTransitionError{TokenID: input.TokenID, From: input.From, To: input.To}
	}
	token, err := e.tokens.UpdateTokenStatus(ctx, input)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTokenNotFound):
			return models.Token{}, &NotFoundError{Kind: "token", ID: input.TokenID}
		case errors.Is(err, store.ErrInvalidState):
			return models.Token{}, &InvalidTransitionError{TokenID: input.TokenID, From: input.From, To: input.To}
		default:
			return models.Token{}, err
		}
	}
	return token, nil
}

func (e *Engine) mirrorEntry(ctx context.Context, token models.Token, status string) {
	if token.WalkIn() {
		return
	}
	if err := e.queue.UpdateEntryStatusByToken(ctx, token.TokenID, status, e.now()); err != nil {
		if !errors.Is(err, store.ErrEntryNotFound) {
			e.logger.Warn().Err(err).Str("token_id", token.TokenID).Msg("appointment entry mirror failed")
		}
	}
}

func (e *Engine) propagateAppointment(ctx context.Context, token models.Token, status string) {
	if token.WalkIn() {
		return
	}
	if err := e.queue.SetAppointmentStatus(ctx, *token.AppointmentID, status); err != nil {
		e.logger.Warn().Err(err).Str("appointment_id", *token.AppointmentID).Msg("appointment propagation failed")
	}
}

func (e *Engine) record(ctx context.Context, eventType string, token models.Token, payload map[string]interface{}) {
	err := e.sink.Record(ctx, audit.Event{
		EventType:  eventType,
		TokenID:    token.TokenID,
		DoctorID:   token.DoctorID,
		PatientID:  token.PatientID,
		OccurredAt: e.now(),
		Payload:    payload,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("event_type", eventType).Msg("audit record failed")
	}
}
