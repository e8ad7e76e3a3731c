package sweep

import (
	"context"
	"sync"
	"time"

	"clinicflow/queue-service/internal/audit"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"

	"github.com/rs/zerolog"
)

// Cache is a TTL-bounded seen-set. It exists so the sweep can suppress
// repeat work without a module-level map, and takes its clock from the
// constructor so tests control expiry.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{ttl: ttl, now: now, seen: map[string]time.Time{}}
}

// Seen reports whether key was marked within the TTL, marking it either way.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, at := range c.seen {
		if now.Sub(at) >= c.ttl {
			delete(c.seen, k)
		}
	}
	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[key] = now
	return false
}

// Canceller is the slice of the engine the manual bulk-cancel needs.
type Canceller interface {
	CancelRemainingForDoctor(ctx context.Context, doctorID string) ([]models.Token, error)
}

// Job periodically marks tokens missed for unavailable doctors. All the
// unavailability logic lives behind the oracle; the job only schedules it.
type Job struct {
	oracle    store.AvailabilityOracle
	canceller Canceller
	sink      audit.Sink
	logger    zerolog.Logger
	interval  time.Duration
	dedup     *Cache
	now       func() time.Time
}

func NewJob(
	oracle store.AvailabilityOracle,
	canceller Canceller,
	sink audit.Sink,
	logger zerolog.Logger,
	interval time.Duration,
	dedup *Cache,
) *Job {
	if interval <= 0 {
		interval = time.Minute
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if dedup == nil {
		dedup = NewCache(10*time.Minute, nil)
	}
	return &Job{
		oracle:    oracle,
		canceller: canceller,
		sink:      sink,
		logger:    logger,
		interval:  interval,
		dedup:     dedup,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the job clock. Test hook.
func (j *Job) WithClock(now func() time.Time) *Job {
	j.now = now
	return j
}

// Run sweeps on the configured interval until the context is cancelled.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error().Err(err).Msg("unavailability sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep and returns how many tokens were marked
// missed.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	now := j.now()
	day := dateOf(now)
	count, err := j.oracle.SweepAndMarkMissed(ctx, day, now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		j.logger.Info().Int("marked_missed", count).Msg("unavailability sweep")
		if err := j.sink.Record(ctx, audit.Event{
			EventType:  audit.EventSweepMissed,
			OccurredAt: now,
			Payload:    map[string]interface{}{"count": count},
		}); err != nil {
			j.logger.Warn().Err(err).Msg("sweep audit record failed")
		}
	}
	return count, nil
}

// CancelDoctorRemaining bulk-cancels a departing doctor's queue through the
// regular transition path. Repeat submissions within the cache TTL are
// suppressed, and the suppressed flag tells the caller apart from an
// empty queue.
func (j *Job) CancelDoctorRemaining(ctx context.Context, doctorID string) ([]models.Token, bool, error) {
	key := doctorID + "|" + dateOf(j.now()).Format("2006-01-02")
	if j.dedup.Seen(key) {
		j.logger.Info().Str("doctor_id", doctorID).Msg("duplicate bulk cancel suppressed")
		return nil, true, nil
	}
	cancelled, err := j.canceller.CancelRemainingForDoctor(ctx, doctorID)
	if err != nil {
		return nil, false, err
	}
	j.logger.Info().Str("doctor_id", doctorID).Int("cancelled", len(cancelled)).Msg("remaining tokens cancelled")
	return cancelled, false, nil
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
