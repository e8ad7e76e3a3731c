package projector

import (
	"context"
	"testing"
	"time"

	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"
)

type fakeReader struct {
	tokens  []models.Token
	entries []models.AppointmentQueueEntry
}

func (f *fakeReader) GetToken(_ context.Context, tokenID string) (models.Token, error) {
	for _, token := range f.tokens {
		if token.TokenID == tokenID {
			return token, nil
		}
	}
	return models.Token{}, store.ErrTokenNotFound
}

func (f *fakeReader) ListTokensByDoctorDay(_ context.Context, doctorID string, day time.Time, statuses []string) ([]models.Token, error) {
	var out []models.Token
	for _, token := range f.tokens {
		if token.DoctorID != doctorID || !token.IssuedDate.Equal(day) {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, token.Status) {
			continue
		}
		out = append(out, token)
	}
	return out, nil
}

func (f *fakeReader) ListEntriesByDoctorDay(_ context.Context, doctorID string, day time.Time) ([]models.AppointmentQueueEntry, error) {
	return f.entries, nil
}

func hasStatus(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

var testDay = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return time.Date(2025, 3, 10, hour, minute, 0, 0, time.UTC)
}

func token(id string, number int, status string, createdAt time.Time) models.Token {
	return models.Token{
		TokenID:     id,
		DoctorID:    "dr-1",
		PatientID:   "patient-" + id,
		TokenNumber: number,
		Priority:    models.PriorityMin,
		Status:      status,
		IssuedDate:  testDay,
		CreatedAt:   createdAt,
	}
}

func newTestProjector(f *fakeReader) *Projector {
	p := New(f, f, Config{})
	return p.WithClock(func() time.Time { return at(10, 0) })
}

func TestGetQueueStatus(t *testing.T) {
	serving := token("t2", 2, models.StatusServing, at(9, 5))
	f := &fakeReader{tokens: []models.Token{
		token("t1", 1, models.StatusCompleted, at(9, 0)),
		serving,
		token("t3", 3, models.StatusWaiting, at(9, 10)),
		token("t4", 4, models.StatusWaiting, at(9, 15)),
	}}
	p := newTestProjector(f)

	status, err := p.GetQueueStatus(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("GetQueueStatus: %v", err)
	}
	if status.Total != 4 {
		t.Fatalf("total = %d", status.Total)
	}
	if status.StatusCounts[models.StatusWaiting] != 2 {
		t.Fatalf("waiting count = %d", status.StatusCounts[models.StatusWaiting])
	}
	if status.NowServing == nil || status.NowServing.TokenID != "t2" {
		t.Fatalf("now serving = %+v", status.NowServing)
	}
	if status.NextInLine == nil || status.NextInLine.TokenID != "t3" {
		t.Fatalf("next in line = %+v", status.NextInLine)
	}
}

func TestGetPatientQueueInfoPositionAndWait(t *testing.T) {
	f := &fakeReader{tokens: []models.Token{
		token("t1", 1, models.StatusWaiting, at(9, 0)),
		token("t2", 2, models.StatusDelayed, at(9, 5)),
		token("t3", 3, models.StatusWaiting, at(9, 10)),
		token("t4", 4, models.StatusWaiting, at(9, 15)),
	}}
	p := newTestProjector(f)

	info, err := p.GetPatientQueueInfo(context.Background(), "t4")
	if err != nil {
		t.Fatalf("GetPatientQueueInfo: %v", err)
	}
	// t2 is delayed, so only two waiting tokens are ahead.
	if info.Position != 3 || info.Ahead != 2 {
		t.Fatalf("position = %d, ahead = %d", info.Position, info.Ahead)
	}
	if info.EstimatedWaitMinutes != 30 {
		t.Fatalf("estimated wait = %d", info.EstimatedWaitMinutes)
	}
}

func TestGetPatientQueueInfoNonWaiting(t *testing.T) {
	f := &fakeReader{tokens: []models.Token{
		token("t1", 1, models.StatusServing, at(9, 0)),
	}}
	p := newTestProjector(f)

	info, err := p.GetPatientQueueInfo(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetPatientQueueInfo: %v", err)
	}
	if info.Position != 0 || info.EstimatedWaitMinutes != 0 {
		t.Fatalf("info = %+v", info)
	}
}

func TestDisplayBoardRedactsAndCaps(t *testing.T) {
	tokens := []models.Token{
		token("t1", 1, models.StatusServing, at(9, 0)),
		token("t2", 2, models.StatusCalled, at(9, 1)),
	}
	for i := 3; i <= 15; i++ {
		tokens = append(tokens, token(tokenID(i), i, models.StatusWaiting, at(9, i)))
	}
	f := &fakeReader{tokens: tokens}
	p := newTestProjector(f)

	board, err := p.GetQueueDisplayBoard(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("GetQueueDisplayBoard: %v", err)
	}
	if board.NowServing == nil || board.NowServing.TokenNumber != 1 {
		t.Fatalf("now serving = %+v", board.NowServing)
	}
	if len(board.Called) != 1 {
		t.Fatalf("called rows = %d", len(board.Called))
	}
	if len(board.Waiting) != 10 {
		t.Fatalf("waiting rows = %d, want 10", len(board.Waiting))
	}
	if board.NowServing.Patient == "patient-t1" {
		t.Fatal("patient identifier not redacted")
	}
}

func tokenID(i int) string {
	return "t" + string(rune('a'+i))
}

func TestAnalyticsAverages(t *testing.T) {
	served := at(9, 20)
	done := at(9, 40)
	called := at(9, 10)
	completed := token("t1", 1, models.StatusCompleted, at(9, 0))
	completed.CalledAt = &called
	completed.ServedAt = &served
	completed.DoneAt = &done
	f := &fakeReader{tokens: []models.Token{
		completed,
		token("t2", 2, models.StatusWaiting, at(9, 30)),
	}}
	p := newTestProjector(f)

	analytics, err := p.GetQueueAnalytics(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("GetQueueAnalytics: %v", err)
	}
	if analytics.Total != 2 {
		t.Fatalf("total = %d", analytics.Total)
	}
	if analytics.AvgWaitMinutes != 10 {
		t.Fatalf("avg wait = %f", analytics.AvgWaitMinutes)
	}
	if analytics.AvgConsultMinutes != 20 {
		t.Fatalf("avg consult = %f", analytics.AvgConsultMinutes)
	}
	if analytics.CompletionRate != 0.5 {
		t.Fatalf("completion rate = %f", analytics.CompletionRate)
	}
	if len(analytics.PeakHours) != 1 || analytics.PeakHours[0].Hour != 9 {
		t.Fatalf("peak hours = %+v", analytics.PeakHours)
	}
	if analytics.SatisfactionScore < 1 || analytics.SatisfactionScore > 5 {
		t.Fatalf("satisfaction = %f", analytics.SatisfactionScore)
	}
}

func TestAnalyticsEmptyDay(t *testing.T) {
	p := newTestProjector(&fakeReader{})
	analytics, err := p.GetQueueAnalytics(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("GetQueueAnalytics: %v", err)
	}
	if analytics.Total != 0 || analytics.CompletionRate != 0 {
		t.Fatalf("analytics = %+v", analytics)
	}
}
