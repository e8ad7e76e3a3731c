package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"clinicflow/queue-service/internal/engine"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/projector"
	"clinicflow/queue-service/internal/store"
)

const (
	testDoctorID  = "7b0d12f1-9f4e-4d3a-8a8e-6a1f0c6c2b01"
	testPatientID = "1f7b4a4e-2f6a-4c9a-b1a4-0d3f2a9e8c02"
	testRequestID = "9c1e7d2a-5b3f-4e8c-a6d1-2f4b8c0e9a03"
	testTokenID   = "4a2c9e1f-7d5b-4f3a-9c8e-1b6d0f2a4c04"
)

type fakeEngine struct {
	token      models.Token
	decision   engine.WalkInDecision
	err        error
	lastAction string
	lastReason string
	lastStatus string
}

func (f *fakeEngine) IssueToken(_ context.Context, req engine.IssueRequest) (models.Token, error) {
	f.lastAction = "issue"
	return f.token, f.err
}

func (f *fakeEngine) CallNext(_ context.Context, doctorID string) (models.Token, error) {
	f.lastAction = "call-next"
	return f.token, f.err
}

func (f *fakeEngine) MarkReady(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "ready"
	return f.token, f.err
}

func (f *fakeEngine) MarkWaiting(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "waiting"
	return f.token, f.err
}

func (f *fakeEngine) StartConsultation(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "start"
	return f.token, f.err
}

func (f *fakeEngine) CompleteConsultation(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "complete"
	return f.token, f.err
}

func (f *fakeEngine) MarkMissed(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "missed"
	return f.token, f.err
}

func (f *fakeEngine) CancelToken(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "cancel"
	return f.token, f.err
}

func (f *fakeEngine) DelayToken(_ context.Context, tokenID, reason string) (models.Token, error) {
	f.lastAction = "delay"
	f.lastReason = reason
	return f.token, f.err
}

func (f *fakeEngine) UndelayToken(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "undelay"
	return f.token, f.err
}

func (f *fakeEngine) ForceStatus(_ context.Context, tokenID, status string) (models.Token, error) {
	f.lastAction = "force"
	f.lastStatus = status
	return f.token, f.err
}

func (f *fakeEngine) GetToken(_ context.Context, tokenID string) (models.Token, error) {
	f.lastAction = "get"
	return f.token, f.err
}

func (f *fakeEngine) CanAcceptWalkIn(_ context.Context, doctorID string) (engine.WalkInDecision, error) {
	f.lastAction = "walkin-check"
	return f.decision, f.err
}

type fakeViews struct {
	status    projector.QueueStatus
	info      projector.PatientQueueInfo
	board     projector.DisplayBoard
	analytics projector.Analytics
	err       error
}

func (f *fakeViews) GetQueueStatus(context.Context, string) (projector.QueueStatus, error) {
	return f.status, f.err
}

func (f *fakeViews) GetPatientQueueInfo(context.Context, string) (projector.PatientQueueInfo, error) {
	return f.info, f.err
}

func (f *fakeViews) GetQueueDisplayBoard(context.Context, string) (projector.DisplayBoard, error) {
	return f.board, f.err
}

func (f *fakeViews) GetQueueAnalytics(context.Context, string) (projector.Analytics, error) {
	return f.analytics, f.err
}

type fakeBulk struct {
	cancelled  []models.Token
	suppressed bool
	err        error
	calls      int
}

func (f *fakeBulk) CancelDoctorRemaining(context.Context, string) ([]models.Token, bool, error) {
	f.calls++
	return f.cancelled, f.suppressed, f.err
}

func newTestHandler(e *fakeEngine, v *fakeViews, b *fakeBulk) http.Handler {
	if e == nil {
		e = &fakeEngine{}
	}
	if v == nil {
		v = &fakeViews{}
	}
	if b == nil {
		b = &fakeBulk{}
	}
	return NewHandler(e, v, b).Routes()
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body: %v", err)
	}
	return resp.Error.Code
}

func TestHealth(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateToken(t *testing.T) {
	e := &fakeEngine{token: models.Token{TokenID: testTokenID, TokenNumber: 1, Status: models.StatusWaiting}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens",
		`{"request_id":"`+testRequestID+`","doctor_id":"`+testDoctorID+`","patient_id":"`+testPatientID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var token models.Token
	if err := json.Unmarshal(rec.Body.Bytes(), &token); err != nil {
		t.Fatalf("body: %v", err)
	}
	if token.TokenID != testTokenID {
		t.Fatalf("token = %+v", token)
	}
}

func TestCreateTokenValidation(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"bad json", `{`, "invalid_json"},
		{"unknown field", `{"request_id":"` + testRequestID + `","nope":1}`, "invalid_json"},
		{"missing fields", `{"request_id":"` + testRequestID + `"}`, "invalid_request"},
		{"non-uuid", `{"request_id":"abc","doctor_id":"d","patient_id":"p"}`, "invalid_request"},
		{"bad appointment id", `{"request_id":"` + testRequestID + `","doctor_id":"` + testDoctorID + `","patient_id":"` + testPatientID + `","appointment_id":"nope"}`, "invalid_request"},
	}
	for _, tt := range cases {
		rec := postJSON(t, handler, "/api/tokens", tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", tt.name, rec.Code)
		}
		if code := errorCode(t, rec); code != tt.code {
			t.Fatalf("%s: code = %s, want %s", tt.name, code, tt.code)
		}
	}
}

func TestCreateTokenDuplicate(t *testing.T) {
	e := &fakeEngine{err: &engine.DuplicateActiveTokenError{PatientID: testPatientID, DoctorID: testDoctorID, ExistingNumber: 2}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens",
		`{"request_id":"`+testRequestID+`","doctor_id":"`+testDoctorID+`","patient_id":"`+testPatientID+`"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "duplicate_token" {
		t.Fatalf("code = %s", code)
	}
}

func TestCreateTokenQueueFull(t *testing.T) {
	e := &fakeEngine{err: &engine.CapacityExceededError{Decision: engine.WalkInDecision{
		DoctorID: testDoctorID,
		Reason:   "queue is full",
	}}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens",
		`{"request_id":"`+testRequestID+`","doctor_id":"`+testDoctorID+`","patient_id":"`+testPatientID+`"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "queue_full" {
		t.Fatalf("code = %s", code)
	}
}

func TestCallNext(t *testing.T) {
	e := &fakeEngine{token: models.Token{TokenID: testTokenID, Status: models.StatusCalled}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens/actions/call-next",
		`{"request_id":"`+testRequestID+`","doctor_id":"`+testDoctorID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if e.lastAction != "call-next" {
		t.Fatalf("action = %s", e.lastAction)
	}
}

func TestCallNextWhileServing(t *testing.T) {
	e := &fakeEngine{err: &engine.ConsultationInProgressError{DoctorID: testDoctorID}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens/actions/call-next",
		`{"request_id":"`+testRequestID+`","doctor_id":"`+testDoctorID+`"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "consultation_in_progress" {
		t.Fatalf("code = %s", code)
	}
}

func TestTokenActionDispatch(t *testing.T) {
	actions := []string{"ready", "waiting", "start", "complete", "missed", "cancel", "undelay"}
	for _, action := range actions {
		e := &fakeEngine{token: models.Token{TokenID: testTokenID}}
		handler := newTestHandler(e, nil, nil)
		rec := postJSON(t, handler, "/api/tokens/"+testTokenID+"/actions/"+action, `{}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, body = %s", action, rec.Code, rec.Body.String())
		}
		if e.lastAction != action {
			t.Fatalf("%s: dispatched to %s", action, e.lastAction)
		}
	}
}

func TestTokenActionDelayPassesReason(t *testing.T) {
	e := &fakeEngine{token: models.Token{TokenID: testTokenID}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens/"+testTokenID+"/actions/delay", `{"reason":"at pharmacy"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.lastReason != "at pharmacy" {
		t.Fatalf("reason = %q", e.lastReason)
	}
}

func TestTokenActionForcePassesStatus(t *testing.T) {
	e := &fakeEngine{token: models.Token{TokenID: testTokenID}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens/"+testTokenID+"/actions/force", `{"status":"waiting"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.lastStatus != models.StatusWaiting {
		t.Fatalf("status = %q", e.lastStatus)
	}
}

func TestTokenActionUnknown(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	rec := postJSON(t, handler, "/api/tokens/"+testTokenID+"/actions/teleport", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTokenActionInvalidID(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	rec := postJSON(t, handler, "/api/tokens/not-a-uuid/actions/start", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTokenActionInvalidTransition(t *testing.T) {
	e := &fakeEngine{err: &engine.InvalidTransitionError{TokenID: testTokenID, From: "waiting", To: "completed"}}
	handler := newTestHandler(e, nil, nil)

	rec := postJSON(t, handler, "/api/tokens/"+testTokenID+"/actions/complete", `{}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_state" {
		t.Fatalf("code = %s", code)
	}
}

func TestGetTokenByID(t *testing.T) {
	e := &fakeEngine{token: models.Token{TokenID: testTokenID}}
	handler := newTestHandler(e, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens/"+testTokenID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if e.lastAction != "get" {
		t.Fatalf("action = %s", e.lastAction)
	}
}

func TestGetTokenNotFound(t *testing.T) {
	e := &fakeEngine{err: &engine.NotFoundError{Kind: "token", ID: testTokenID}}
	handler := newTestHandler(e, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tokens/"+testTokenID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWalkInCheck(t *testing.T) {
	e := &fakeEngine{decision: engine.WalkInDecision{DoctorID: testDoctorID, Accept: true, Reason: "capacity available"}}
	handler := newTestHandler(e, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/walkin/check?doctor_id="+testDoctorID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var decision engine.WalkInDecision
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("body: %v", err)
	}
	if !decision.Accept {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestQueueViewsRequireDoctorID(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	for _, path := range []string{"/api/queues/status", "/api/queues/board", "/api/queues/analytics", "/api/walkin/check"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
}

func TestQueuePositionUnknownToken(t *testing.T) {
	v := &fakeViews{err: store.ErrTokenNotFound}
	handler := newTestHandler(nil, v, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/queues/position?token_id="+testTokenID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestQueueStatusView(t *testing.T) {
	v := &fakeViews{status: projector.QueueStatus{DoctorID: testDoctorID, Total: 2}}
	handler := newTestHandler(nil, v, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/queues/status?doctor_id="+testDoctorID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status projector.QueueStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("body: %v", err)
	}
	if status.Total != 2 {
		t.Fatalf("total = %d", status.Total)
	}
}

func TestCancelRemaining(t *testing.T) {
	b := &fakeBulk{cancelled: []models.Token{{TokenID: testTokenID, Status: models.StatusCancelled}}}
	handler := newTestHandler(nil, nil, b)

	rec := postJSON(t, handler, "/api/doctors/"+testDoctorID+"/actions/cancel-remaining", ``)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if b.calls != 1 {
		t.Fatalf("calls = %d", b.calls)
	}
}

func TestCancelRemainingReportsSuppressed(t *testing.T) {
	b := &fakeBulk{suppressed: true}
	handler := newTestHandler(nil, nil, b)

	rec := postJSON(t, handler, "/api/doctors/"+testDoctorID+"/actions/cancel-remaining", ``)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Cancelled  []models.Token `json:"cancelled"`
		Suppressed bool           `json:"suppressed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body: %v", err)
	}
	if !resp.Suppressed || len(resp.Cancelled) != 0 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestCancelRemainingUnknownAction(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	rec := postJSON(t, handler, "/api/doctors/"+testDoctorID+"/actions/send-home", ``)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(nil, nil, nil)
	req := httptest.NewRequest(http.MethodDelete, "/api/tokens", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}
