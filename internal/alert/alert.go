// Package alert raises operator-facing alerts for terminal webhook failures.
//
// An alert is distinct from ordinary logging: it is written at LevelAlert and
// fanned out to every configured sink (notification gateway, email, Kafka).
// This is the only path in the service that should page someone.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/ledgersync/internal/metrics"
)

// LevelAlert sits above slog.LevelError so log pipelines can route it apart.
const LevelAlert = slog.Level(12)

// Alert describes one webhook delivery that exhausted its retries or failed permanently.
type Alert struct {
	LogID     uuid.UUID `json:"log_id"`
	MessageID string    `json:"message_id"`
	EventType string    `json:"event_type"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// Summary renders a one-line human message.
func (a Alert) Summary() string {
	return fmt.Sprintf("webhook %s (%s) failed permanently after %d attempt(s): %s",
		a.MessageID, a.EventType, a.Attempts, a.Error)
}

// Alerter delivers an alert to one destination.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// ReplaceLevel is a slog.HandlerOptions.ReplaceAttr hook that prints
// LevelAlert as "ALERT" instead of "ERROR+4".
func ReplaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelAlert {
		a.Value = slog.StringValue("ALERT")
	}
	return a
}

// Log writes alerts to a logger at LevelAlert. Always on.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a Log sink. A nil logger uses slog.Default() at call time.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Alert(ctx context.Context, a Alert) error {
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(ctx, LevelAlert, a.Summary(),
		"log_id", a.LogID,
		"message_id", a.MessageID,
		"event_type", a.EventType,
		"attempts", a.Attempts,
		"error", a.Error,
	)
	return nil
}

// Sink names an Alerter for metrics and error messages.
type Sink struct {
	Name string
	Alerter
}

// Multi fans one alert out to every sink. A failing sink does not stop the
// others; their errors are joined.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
}

// NewMulti returns a fan-out over sinks.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

func (m *Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Alert(ctx, a); err != nil {
			slog.Error("alert sink failed", "sink", s.Name, "message_id", a.MessageID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		m.metrics.Alert(s.Name)
	}
	return errors.Join(errs...)
}
