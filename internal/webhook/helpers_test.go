package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/ledgersync/internal/alert"
	"github.com/MGallo-Code/ledgersync/internal/store"
)

// memScheduler records tasks instead of touching Redis.
type memScheduler struct {
	EnqueueErr      error
	EnqueueAfterErr error

	mu      sync.Mutex
	ready   []Task
	delayed []Task
	delays  []time.Duration
}

func (s *memScheduler) Enqueue(_ context.Context, t Task) error {
	if s.EnqueueErr != nil {
		return s.EnqueueErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, t)
	return nil
}

func (s *memScheduler) EnqueueAfter(_ context.Context, t Task, d time.Duration) error {
	if s.EnqueueAfterErr != nil {
		return s.EnqueueAfterErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed = append(s.delayed, t)
	s.delays = append(s.delays, d)
	return nil
}

// popDelayed returns the oldest delayed task, as if its time had come.
func (s *memScheduler) popDelayed(t *testing.T) Task {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.delayed) == 0 {
		t.Fatal("no delayed task scheduled")
	}
	task := s.delayed[0]
	s.delayed = s.delayed[1:]
	return task
}

// countingAlerter records every alert raised.
type countingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (a *countingAlerter) Alert(_ context.Context, al alert.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

func (a *countingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// routerFunc adapts a function to EventRouter.
type routerFunc func(ctx context.Context, ev Event) (string, error)

func (f routerFunc) Route(ctx context.Context, ev Event) (string, error) { return f(ctx, ev) }

// delivery builds a raw webhook body.
func delivery(t *testing.T, messageID, eventType string, data any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"messageId":      messageID,
		"correlationId":  "corr-" + messageID,
		"eventType":      eventType,
		"sourceId":       nil,
		"eventTimestamp": "2024-05-02T14:30:00Z",
		"data":           data,
	})
	if err != nil {
		t.Fatalf("marshaling delivery: %v", err)
	}
	return b
}

// seedLog stores a received row for body and returns its task.
func seedLog(t *testing.T, logs interface{ Seed(*store.WebhookLog) }, body []byte) Task {
	t.Helper()
	env, err := ParseEnvelope(body)
	if err != nil {
		t.Fatalf("parsing delivery: %v", err)
	}
	id := uuid.Must(uuid.NewV7())
	logs.Seed(&store.WebhookLog{
		ID:        id,
		MessageID: env.MessageID,
		EventType: env.EventType,
		Payload:   body,
		Status:    store.WebhookReceived,
	})
	return Task{LogID: id, Payload: body}
}
