// processor.go -- Per-task state machine for webhook deliveries.
//
// received -> processing -> processed
//                        -> failed -> (delayed retry) -> processing ...
//                        -> failed_permanently (+ one alert)
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/ledgersync/internal/alert"
	"github.com/MGallo-Code/ledgersync/internal/ledger"
	"github.com/MGallo-Code/ledgersync/internal/metrics"
	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
)

// maxErrorMessage bounds the error text stored on a log row.
const maxErrorMessage = 2000

// LogStore is the webhook_logs surface the processor needs.
type LogStore interface {
	GetWebhookLog(ctx context.Context, id uuid.UUID) (*store.WebhookLog, error)
	ClaimWebhookLog(ctx context.Context, id uuid.UUID) error
	MarkWebhookProcessed(ctx context.Context, id uuid.UUID, note *string) error
	MarkWebhookFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
	MarkWebhookFailedPermanently(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
}

// EventRouter executes the business side effects of one event and returns
// an optional note for the log row.
type EventRouter interface {
	Route(ctx context.Context, ev Event) (string, error)
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the processor skips the retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent classifies err: explicit Permanent wrappers, malformed events,
// invalid sale documents and non-retryable upstream responses are permanent.
// Everything else is treated as transient.
func IsPermanent(err error) bool {
	var pe *PermanentError
	switch {
	case errors.As(err, &pe):
		return true
	case errors.Is(err, ErrMalformedEvent), errors.Is(err, ledger.ErrInvalidDocument):
		return true
	case upstream.IsPermanent(err):
		return true
	}
	return false
}

// ProcessorOptions tunes retry behavior.
type ProcessorOptions struct {
	// MaxRetries is how many failures are retried; the next one is terminal.
	MaxRetries int
	// Backoff[i] is the delay after the (i+1)th failure. The last entry repeats.
	Backoff []time.Duration
	Metrics *metrics.Metrics
}

// Processor runs queued tasks through the state machine.
type Processor struct {
	logs       LogStore
	router     EventRouter
	sched      Scheduler
	alerter    alert.Alerter
	maxRetries int
	backoff    []time.Duration
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewProcessor wires a Processor. alerter receives exactly one alert per
// terminal failure.
func NewProcessor(logs LogStore, router EventRouter, sched Scheduler, alerter alert.Alerter, opts ProcessorOptions) *Processor {
	backoff := opts.Backoff
	if len(backoff) == 0 {
		backoff = []time.Duration{time.Minute}
	}
	return &Processor{
		logs:       logs,
		router:     router,
		sched:      sched,
		alerter:    alerter,
		maxRetries: opts.MaxRetries,
		backoff:    backoff,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
}

// Handle is the worker callback. Errors are logged; the log row carries the outcome.
func (p *Processor) Handle(ctx context.Context, t Task) {
	status, err := p.Process(ctx, t)
	if err != nil {
		slog.Error("webhook task failed to record outcome", "log_id", t.LogID, "status", status, "error", err)
	}
}

// Process executes one task and returns the status the row ended in.
// A returned error means the outcome itself could not be persisted.
func (p *Processor) Process(ctx context.Context, t Task) (string, error) {
	entry, err := p.logs.GetWebhookLog(ctx, t.LogID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("webhook task for unknown log row dropped", "log_id", t.LogID)
		return "", nil
	}
	if err != nil {
		p.reschedule(ctx, t)
		return "", fmt.Errorf("loading webhook log: %w", err)
	}

	// Claiming fails for rows another worker holds or that are already
	// terminal; both mean this task is a duplicate.
	if err := p.logs.ClaimWebhookLog(ctx, entry.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Debug("webhook task skipped, row not claimable", "log_id", entry.ID, "status", entry.Status)
			return entry.Status, nil
		}
		p.reschedule(ctx, t)
		return "", fmt.Errorf("claiming webhook log: %w", err)
	}

	payload := []byte(t.Payload)
	if len(payload) == 0 {
		payload = entry.Payload
	}

	start := p.now()
	note, runErr := p.run(ctx, payload)
	logAttrs := []any{"log_id", entry.ID, "message_id", entry.MessageID, "event_type", entry.EventType,
		"duration", p.now().Sub(start)}

	if runErr == nil {
		var notePtr *string
		if note != "" {
			notePtr = &note
		}
		if err := p.logs.MarkWebhookProcessed(ctx, entry.ID, notePtr); err != nil {
			return store.WebhookProcessing, fmt.Errorf("marking webhook processed: %w", err)
		}
		p.metrics.WebhookOutcome(metricLabel(entry.EventType), store.WebhookProcessed)
		slog.Info("webhook processed", append(logAttrs, "note", note)...)
		return store.WebhookProcessed, nil
	}

	return p.fail(ctx, entry, t, runErr, logAttrs)
}

// run decodes payload and routes the event.
func (p *Processor) run(ctx context.Context, payload []byte) (string, error) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		return "", err
	}
	ev, err := Decode(env)
	if err != nil {
		return "", err
	}
	return p.router.Route(ctx, ev)
}

// fail records a failed attempt and either schedules a retry or escalates.
func (p *Processor) fail(ctx context.Context, entry *store.WebhookLog, t Task, runErr error, logAttrs []any) (string, error) {
	failures := entry.RetryCount + 1
	msg := truncate(runErr.Error(), maxErrorMessage)
	permanent := IsPermanent(runErr)

	if !permanent && failures <= p.maxRetries {
		if err := p.logs.MarkWebhookFailed(ctx, entry.ID, msg, failures); err != nil {
			return store.WebhookProcessing, fmt.Errorf("marking webhook failed: %w", err)
		}
		delay := p.delay(failures)
		err := p.sched.EnqueueAfter(ctx, t, delay)
		if err == nil {
			p.metrics.WebhookOutcome(metricLabel(entry.EventType), store.WebhookFailed)
			slog.Warn("webhook failed, retry scheduled", append(logAttrs,
				"attempt", failures, "retry_in", delay, "error", runErr)...)
			return store.WebhookFailed, nil
		}
		// No retry can happen; escalate instead of leaving the row failed forever.
		msg = truncate(msg+"; scheduling retry: "+err.Error(), maxErrorMessage)
	}

	if err := p.logs.MarkWebhookFailedPermanently(ctx, entry.ID, msg, failures); err != nil {
		return store.WebhookProcessing, fmt.Errorf("marking webhook failed permanently: %w", err)
	}
	p.metrics.WebhookOutcome(metricLabel(entry.EventType), store.WebhookFailedPermanently)
	slog.Error("webhook failed permanently", append(logAttrs,
		"attempts", failures, "permanent_error", permanent, "error", runErr)...)

	a := alert.Alert{
		LogID:     entry.ID,
		MessageID: entry.MessageID,
		EventType: entry.EventType,
		Attempts:  failures,
		Error:     msg,
		At:        p.now().UTC(),
	}
	if err := p.alerter.Alert(ctx, a); err != nil {
		slog.Error("raising webhook alert", "log_id", entry.ID, "error", err)
	}
	return store.WebhookFailedPermanently, nil
}

// reschedule parks t for the first backoff interval after an infrastructure
// error, so the task is not lost with the row still claimable.
func (p *Processor) reschedule(ctx context.Context, t Task) {
	if err := p.sched.EnqueueAfter(ctx, t, p.backoff[0]); err != nil {
		slog.Error("rescheduling webhook task", "log_id", t.LogID, "error", err)
	}
}

func (p *Processor) delay(failures int) time.Duration {
	i := failures - 1
	if i >= len(p.backoff) {
		i = len(p.backoff) - 1
	}
	return p.backoff[i]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
