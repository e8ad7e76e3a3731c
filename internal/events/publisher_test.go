package events

import (
	"context"
	"testing"
	"time"

	"clinicflow/queue-service/internal/audit"

	"github.com/rs/zerolog"
)

type fakeOutbox struct {
	events []audit.Event
	listed int
}

func (f *fakeOutbox) ListUnpublishedEvents(_ context.Context, limit int) ([]audit.Event, error) {
	f.listed++
	if len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeOutbox) MarkEventsPublished(_ context.Context, eventIDs []string) error {
	return nil
}

func TestPublisherDisabledWithoutBrokers(t *testing.T) {
	outbox := &fakeOutbox{events: []audit.Event{{EventID: "ev-1"}}}
	publisher := NewPublisher(outbox, nil, "queue.audit", zerolog.Nop(), time.Second)

	if publisher.Enabled() {
		t.Fatal("publisher enabled without brokers")
	}
	if err := publisher.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if outbox.listed != 0 {
		t.Fatal("disabled publisher touched the outbox")
	}

	// Run must return immediately when disabled.
	done := make(chan struct{})
	go func() {
		publisher.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled Run did not return")
	}
}

func TestPublisherDisabledWithoutTopic(t *testing.T) {
	publisher := NewPublisher(&fakeOutbox{}, []string{"localhost:9092"}, "", zerolog.Nop(), time.Second)
	if publisher.Enabled() {
		t.Fatal("publisher enabled without a topic")
	}
	if err := publisher.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
