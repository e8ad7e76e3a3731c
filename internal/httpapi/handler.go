package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"clinicflow/queue-service/internal/engine"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/projector"
	"clinicflow/queue-service/internal/store"

	"github.com/google/uuid"
)

// QueueEngine is the write side the handler drives.
type QueueEngine interface {
	IssueToken(ctx context.Context, req engine.IssueRequest) (models.Token, error)
	CallNext(ctx context.Context, doctorID string) (models.Token, error)
	MarkReady(ctx context.Context, tokenID string) (models.Token, error)
	MarkWaiting(ctx context.Context, tokenID string) (models.Token, error)
	StartConsultation(ctx context.Context, tokenID string) (models.Token, error)
	CompleteConsultation(ctx context.Context, tokenID string) (models.Token, error)
	MarkMissed(ctx context.Context, tokenID string) (models.Token, error)
	CancelToken(ctx context.Context, tokenID string) (models.Token, error)
	DelayToken(ctx context.Context, tokenID, reason string) (models.Token, error)
	UndelayToken(ctx context.Context, tokenID string) (models.Token, error)
	ForceStatus(ctx context.Context, tokenID, status string) (models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	CanAcceptWalkIn(ctx context.Context, doctorID string) (engine.WalkInDecision, error)
}

// QueueViews is the read side.
type QueueViews interface {
	GetQueueStatus(ctx context.Context, doctorID string) (projector.QueueStatus, error)
	GetPatientQueueInfo(ctx context.Context, tokenID string) (projector.PatientQueueInfo, error)
	GetQueueDisplayBoard(ctx context.Context, doctorID string) (projector.DisplayBoard, error)
	GetQueueAnalytics(ctx context.Context, doctorID string) (projector.Analytics, error)
}

// BulkCanceller handles early doctor departure. The bool reports a repeat
// submission suppressed by the de-dup cache.
type BulkCanceller interface {
	CancelDoctorRemaining(ctx context.Context, doctorID string) ([]models.Token, bool, error)
}

type Handler struct {
	engine QueueEngine
	views  QueueViews
	bulk   BulkCanceller
}

func NewHandler(engine QueueEngine, views QueueViews, bulk BulkCanceller) *Handler {
	return &Handler{engine: engine, views: views, bulk: bulk}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/walkin/check", h.handleWalkInCheck)
	mux.HandleFunc("/api/queues/status", h.handleQueueStatus)
	mux.HandleFunc("/api/queues/position", h.handleQueuePosition)
	mux.HandleFunc("/api/queues/board", h.handleQueueBoard)
	mux.HandleFunc("/api/queues/analytics", h.handleQueueAnalytics)
	mux.HandleFunc("/api/doctors/", h.handleDoctorActions)
	return mux
}

type createTokenRequest struct {
	RequestID     string `json:"request_id"`
	DoctorID      string `json:"doctor_id"`
	PatientID     string `json:"patient_id"`
	AppointmentID string `json:"appointment_id"`
	Priority      int    `json:"priority"`
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	DoctorID  string `json:"doctor_id"`
}

type tokenActionRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createTokenRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)

	if req.RequestID == "" || req.DoctorID == "" || req.PatientID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, doctor_id, and patient_id are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.DoctorID) || !isValidUUID(req.PatientID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, doctor_id, and patient_id must be UUIDs")
		return
	}
	if req.AppointmentID != "" && !isValidUUID(req.AppointmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID when provided")
		return
	}

	token, err := h.engine.IssueToken(r.Context(), engine.IssueRequest{
		RequestID:     req.RequestID,
		DoctorID:      req.DoctorID,
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		Priority:      req.Priority,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	if req.DoctorID == "" || !isValidUUID(req.DoctorID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}

	token, err := h.engine.CallNext(r.Context(), req.DoctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 1 && r.Method == http.MethodGet {
		h.handleGetToken(w, r, parts[0])
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if len(parts) != 3 || parts[1] != "actions" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	tokenID := parts[0]
	action := parts[2]
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}

	var req tokenActionRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	var token models.Token
	var err error
	switch action {
	case "ready":
		token, err = h.engine.MarkReady(r.Context(), tokenID)
	case "waiting":
		token, err = h.engine.MarkWaiting(r.Context(), tokenID)
	case "start":
		token, err = h.engine.StartConsultation(r.Context(), tokenID)
	case "complete":
		token, err = h.engine.CompleteConsultation(r.Context(), tokenID)
	case "missed":
		token, err = h.engine.MarkMissed(r.Context(), tokenID)
	case "cancel":
		token, err = h.engine.CancelToken(r.Context(), tokenID)
	case "delay":
		token, err = h.engine.DelayToken(r.Context(), tokenID, strings.TrimSpace(req.Reason))
	case "undelay":
		token, err = h.engine.UndelayToken(r.Context(), tokenID)
	case "force":
		token, err = h.engine.ForceStatus(r.Context(), tokenID, strings.TrimSpace(req.Status))
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}
	token, err := h.engine.GetToken(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleWalkInCheck(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := h.doctorQuery(w, r)
	if !ok {
		return
	}
	decision, err := h.engine.CanAcceptWalkIn(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := h.doctorQuery(w, r)
	if !ok {
		return
	}
	status, err := h.views.GetQueueStatus(r.Context(), doctorID)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, "", code, errCode, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tokenID := strings.TrimSpace(r.URL.Query().Get("token_id"))
	if tokenID == "" || !isValidUUID(tokenID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "token_id must be a UUID")
		return
	}
	info, err := h.views.GetPatientQueueInfo(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleQueueBoard(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := h.doctorQuery(w, r)
	if !ok {
		return
	}
	board, err := h.views.GetQueueDisplayBoard(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleQueueAnalytics(w http.ResponseWriter, r *http.Request) {
	doctorID, ok := h.doctorQuery(w, r)
	if !ok {
		return
	}
	analytics, err := h.views.GetQueueAnalytics(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (h *Handler) handleDoctorActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/doctors/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "actions" || parts[2] != "cancel-remaining" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	doctorID := parts[0]
	if !isValidUUID(doctorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}

	cancelled, suppressed, err := h.bulk.CancelDoctorRemaining(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if cancelled == nil {
		cancelled = []models.Token{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"doctor_id":  doctorID,
		"cancelled":  cancelled,
		"suppressed": suppressed,
	})
}

func (h *Handler) doctorQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", false
	}
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	if doctorID == "" || !isValidUUID(doctorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return "", false
	}
	return doctorID, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	var validation *engine.ValidationError
	var notFound *engine.NotFoundError
	var duplicate *engine.DuplicateActiveTokenError
	var invalid *engine.InvalidTransitionError
	var busy *engine.ConsultationInProgressError
	var full *engine.CapacityExceededError
	var collaborator *engine.CollaboratorUnavailableError

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "invalid_request", validation.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, "not_found", notFound.Error()
	case errors.As(err, &duplicate):
		return http.StatusConflict, "duplicate_token", duplicate.Error()
	case errors.As(err, &invalid):
		return http.StatusConflict, "invalid_state", invalid.Error()
	case errors.As(err, &busy):
		return http.StatusConflict, "consultation_in_progress", busy.Error()
	case errors.As(err, &full):
		return http.StatusConflict, "queue_full", full.Error()
	case errors.As(err, &collaborator):
		return http.StatusServiceUnavailable, "collaborator_unavailable", collaborator.Error()
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "not_found", "token not found"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
