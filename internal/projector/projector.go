package projector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"clinicflow/queue-service/internal/models"
)

// TokenReader is the slice of the token store the read side needs.
type TokenReader interface {
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	ListTokensByDoctorDay(ctx context.Context, doctorID string, day time.Time, statuses []string) ([]models.Token, error)
}

// EntryReader is the slice of the appointment queue store the read side needs.
type EntryReader interface {
	ListEntriesByDoctorDay(ctx context.Context, doctorID string, day time.Time) ([]models.AppointmentQueueEntry, error)
}

// Config mirrors the engine's scheduling knobs that the read side needs.
type Config struct {
	AvgConsultMinutes int
	BoardSize         int
}

func (c Config) normalize() Config {
	if c.AvgConsultMinutes <= 0 {
		c.AvgConsultMinutes = 15
	}
	if c.BoardSize <= 0 {
		c.BoardSize = 10
	}
	return c
}

// Projector builds read-only views over the queue. It never writes.
type Projector struct {
	tokens TokenReader
	queue  EntryReader
	cfg    Config
	now    func() time.Time
}

func New(tokens TokenReader, queue EntryReader, cfg Config) *Projector {
	return &Projector{
		tokens: tokens,
		queue:  queue,
		cfg:    cfg.normalize(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the projector clock. Test hook.
func (p *Projector) WithClock(now func() time.Time) *Projector {
	p.now = now
	return p
}

type QueueStatus struct {
	DoctorID     string                         `json:"doctor_id"`
	Date         string                         `json:"date"`
	Tokens       []models.Token                 `json:"tokens"`
	Entries      []models.AppointmentQueueEntry `json:"appointment_entries"`
	StatusCounts map[string]int                 `json:"status_counts"`
	Total        int                            `json:"total"`
	NowServing   *models.Token                  `json:"now_serving,omitempty"`
	NextInLine   *models.Token                  `json:"next_in_line,omitempty"`
}

// GetQueueStatus is the full staff view: every token and appointment entry
// for the doctor's day plus aggregates.
func (p *Projector) GetQueueStatus(ctx context.Context, doctorID string) (QueueStatus, error) {
	day := dateOf(p.now())
	tokens, err := p.tokens.ListTokensByDoctorDay(ctx, doctorID, day, nil)
	if err != nil {
		return QueueStatus{}, err
	}
	entries, err := p.queue.ListEntriesByDoctorDay(ctx, doctorID, day)
	if err != nil {
		return QueueStatus{}, err
	}

	status := QueueStatus{
		DoctorID:     doctorID,
		Date:         day.Format("2006-01-02"),
		Tokens:       tokens,
		Entries:      entries,
		StatusCounts: map[string]int{},
		Total:        len(tokens),
	}
	for i := range tokens {
		status.StatusCounts[tokens[i].Status]++
		switch tokens[i].Status {
		case models.StatusServing:
			if status.NowServing == nil {
				status.NowServing = &tokens[i]
			}
		case models.StatusWaiting:
			if status.NextInLine == nil {
				status.NextInLine = &tokens[i]
			}
		}
	}
	return status, nil
}

type PatientQueueInfo struct {
	Token                models.Token `json:"token"`
	Position             int          `json:"position"`
	Ahead                int          `json:"ahead"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes"`
}

// GetPatientQueueInfo reports one patient's place in line. Position counts
// waiting tokens with a smaller number, plus one.
func (p *Projector) GetPatientQueueInfo(ctx context.Context, tokenID string) (PatientQueueInfo, error) {
	token, err := p.tokens.GetToken(ctx, tokenID)
	if err != nil {
		return PatientQueueInfo{}, err
	}
	info := PatientQueueInfo{Token: token}
	if token.Status != models.StatusWaiting {
		return info, nil
	}

	waiting, err := p.tokens.ListTokensByDoctorDay(ctx, token.DoctorID, dateOf(p.now()),
		[]string{models.StatusWaiting})
	if err != nil {
		return PatientQueueInfo{}, err
	}
	ahead := 0
	for _, other := range waiting {
		if other.TokenNumber < token.TokenNumber {
			ahead++
		}
	}
	info.Ahead = ahead
	info.Position = ahead + 1
	info.EstimatedWaitMinutes = ahead * p.cfg.AvgConsultMinutes
	return info, nil
}

type BoardRow struct {
	TokenNumber int    `json:"token_number"`
	Patient     string `json:"patient"`
	Status      string `json:"status"`
}

type DisplayBoard struct {
	DoctorID   string     `json:"doctor_id"`
	Date       string     `json:"date"`
	NowServing *BoardRow  `json:"now_serving,omitempty"`
	Called     []BoardRow `json:"called"`
	Waiting    []BoardRow `json:"waiting"`
}

// GetQueueDisplayBoard is the public waiting-room view. Patient identifiers
// are redacted; only token numbers are meaningful to viewers.
func (p *Projector) GetQueueDisplayBoard(ctx context.Context, doctorID string) (DisplayBoard, error) {
	day := dateOf(p.now())
	tokens, err := p.tokens.ListTokensByDoctorDay(ctx, doctorID, day,
		[]string{models.StatusWaiting, models.StatusCalled, models.StatusServing})
	if err != nil {
		return DisplayBoard{}, err
	}

	board := DisplayBoard{
		DoctorID: doctorID,
		Date:     day.Format("2006-01-02"),
		Called:   []BoardRow{},
		Waiting:  []BoardRow{},
	}
	for _, token := range tokens {
		row := BoardRow{
			TokenNumber: token.TokenNumber,
			Patient:     redact(token.PatientID),
			Status:      token.Status,
		}
		switch token.Status {
		case models.StatusServing:
			if board.NowServing == nil {
				serving := row
				board.NowServing = &serving
			}
		case models.StatusCalled:
			board.Called = append(board.Called, row)
		case models.StatusWaiting:
			if len(board.Waiting) < p.cfg.BoardSize {
				board.Waiting = append(board.Waiting, row)
			}
		}
	}
	return board, nil
}

type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

type Analytics struct {
	DoctorID          string         `json:"doctor_id"`
	Date              string         `json:"date"`
	Total             int            `json:"total"`
	StatusCounts      map[string]int `json:"status_counts"`
	AvgWaitMinutes    float64        `json:"avg_wait_minutes"`
	AvgConsultMinutes float64        `json:"avg_consult_minutes"`
	CompletionRate    float64        `json:"completion_rate"`
	PeakHours         []HourCount    `json:"peak_hours"`
	SatisfactionScore float64        `json:"satisfaction_score"`
}

// GetQueueAnalytics aggregates the day. The satisfaction score is a rough
// heuristic over wait time and completion rate, not a validated metric.
func (p *Projector) GetQueueAnalytics(ctx context.Context, doctorID string) (Analytics, error) {
	day := dateOf(p.now())
	tokens, err := p.tokens.ListTokensByDoctorDay(ctx, doctorID, day, nil)
	if err != nil {
		return Analytics{}, err
	}

	analytics := Analytics{
		DoctorID:     doctorID,
		Date:         day.Format("2006-01-02"),
		Total:        len(tokens),
		StatusCounts: map[string]int{},
		PeakHours:    []HourCount{},
	}
	if len(tokens) == 0 {
		return analytics, nil
	}

	var waitSum, consultSum float64
	var waitN, consultN, completed int
	byHour := map[int]int{}
	for _, token := range tokens {
		analytics.StatusCounts[token.Status]++
		byHour[token.CreatedAt.Hour()]++
		if token.CalledAt != nil {
			waitSum += token.CalledAt.Sub(token.CreatedAt).Minutes()
			waitN++
		}
		if token.ServedAt != nil && token.DoneAt != nil {
			consultSum += token.DoneAt.Sub(*token.ServedAt).Minutes()
			consultN++
		}
		if token.Status == models.StatusCompleted {
			completed++
		}
	}
	if waitN > 0 {
		analytics.AvgWaitMinutes = waitSum / float64(waitN)
	}
	if consultN > 0 {
		analytics.AvgConsultMinutes = consultSum / float64(consultN)
	}
	analytics.CompletionRate = float64(completed) / float64(len(tokens))

	for hour, count := range byHour {
		analytics.PeakHours = append(analytics.PeakHours, HourCount{Hour: hour, Count: count})
	}
	sort.Slice(analytics.PeakHours, func(i, j int) bool {
		if analytics.PeakHours[i].Count != analytics.PeakHours[j].Count {
			return analytics.PeakHours[i].Count > analytics.PeakHours[j].Count
		}
		return analytics.PeakHours[i].Hour < analytics.PeakHours[j].Hour
	})

	analytics.SatisfactionScore = satisfaction(analytics.AvgWaitMinutes, analytics.CompletionRate)
	return analytics, nil
}

// satisfaction starts at 5, loses a point per half hour of average wait, and
// is scaled by the completion rate. Clamped to [1, 5].
func satisfaction(avgWaitMinutes, completionRate float64) float64 {
	score := 5.0 - avgWaitMinutes/30.0
	score *= 0.5 + completionRate/2.0
	if score < 1 {
		return 1
	}
	if score > 5 {
		return 5
	}
	return score
}

func redact(patientID string) string {
	if len(patientID) <= 4 {
		return "****"
	}
	return fmt.Sprintf("%s****", patientID[:4])
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
