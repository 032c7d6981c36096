// handler.go -- HTTP handlers for /webhooks/logicware and /health.
//
// Receipt is cheap by contract: verify, validate, persist, enqueue. All
// business logic runs on the workers.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/ledgersync/internal/metrics"
	"github.com/MGallo-Code/ledgersync/internal/store"
)

// MaxBodyBytes caps an inbound delivery.
const MaxBodyBytes = 1 << 20

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Logicware-Signature"

// ReceiptStore is the webhook_logs surface used at receipt and by the admin routes.
// Satisfied by *store.PostgresStore.
type ReceiptStore interface {
	// CreateWebhookLog inserts l unless its message id exists; on a duplicate
	// l is overwritten with the stored row and false is returned.
	CreateWebhookLog(ctx context.Context, l *store.WebhookLog) (bool, error)

	// GetWebhookLog fetches a row by id. Returns store.ErrNotFound on a miss.
	GetWebhookLog(ctx context.Context, id uuid.UUID) (*store.WebhookLog, error)

	// ResetWebhookForReplay moves a failed row back to received.
	// Returns store.ErrNotFound unless the row is failed or failed_permanently.
	ResetWebhookForReplay(ctx context.Context, id uuid.UUID) error
}

// HealthChecker pings one backing store.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Handler serves the webhook receiver, the admin routes and /health.
type Handler struct {
	Logs  ReceiptStore
	Queue Scheduler
	// Secret enables signature verification when non-empty.
	Secret string
	// AdminToken is the bearer token for the admin routes.
	AdminToken string
	Metrics    *metrics.Metrics

	PS HealthChecker
	RS HealthChecker
}

type receipt struct {
	Status string     `json:"status"`
	ID     *uuid.UUID `json:"id,omitempty"`
	State  string     `json:"state,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Receive handles POST /webhooks/logicware.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Metrics.WebhookReceived("unknown", "too_large")
			writeMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		BadRequest(w, "could not read body")
		return
	}

	if h.Secret != "" && !validSignature(h.Secret, body, r.Header.Get(SignatureHeader)) {
		logRequest(r, slog.LevelWarn, "webhook signature mismatch")
		h.Metrics.WebhookReceived("unknown", "bad_signature")
		Unauthorized(w, "invalid signature")
		return
	}

	if verr := validateEnvelope(body); verr != nil {
		var notJSON errInvalidJSON
		if errors.As(verr, &notJSON) {
			h.Metrics.WebhookReceived("unknown", "invalid_json")
			BadRequest(w, "invalid JSON")
			return
		}
		h.reject(w, r, body, verr)
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		h.reject(w, r, body, err)
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	entry := &store.WebhookLog{
		ID:            id,
		MessageID:     env.MessageID,
		CorrelationID: optional(env.CorrelationID),
		EventType:     env.EventType,
		SourceID:      optional(env.SourceID),
		Payload:       body,
		Status:        store.WebhookReceived,
	}
	created, err := h.Logs.CreateWebhookLog(r.Context(), entry)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	label := metricLabel(env.EventType)
	if !created {
		logRequest(r, slog.LevelInfo, "duplicate webhook delivery", "message_id", env.MessageID, "log_id", entry.ID)
		h.Metrics.WebhookReceived(label, "duplicate")
		writeJSON(w, http.StatusOK, receipt{Status: "duplicate", ID: &entry.ID, State: entry.Status})
		return
	}

	// The row is durable; a failed enqueue leaves it received for the recovery sweep.
	if err := h.Queue.Enqueue(r.Context(), Task{LogID: entry.ID, Payload: body}); err != nil {
		logRequest(r, slog.LevelError, "enqueuing webhook task", "log_id", entry.ID, "error", err)
	}
	h.Metrics.WebhookReceived(label, "queued")
	writeJSON(w, http.StatusAccepted, receipt{Status: "queued", ID: &entry.ID})
}

// reject records a delivery that failed validation as failed_permanently.
// Without a message id there is nothing to dedup on, so nothing is stored.
func (h *Handler) reject(w http.ResponseWriter, r *http.Request, body []byte, verr error) {
	msgID, eventType := looseHeader(body)
	label := metricLabel(eventType)
	h.Metrics.WebhookReceived(label, "rejected")
	if msgID == "" {
		BadRequest(w, "messageId is required")
		return
	}

	id, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	msg := truncate(verr.Error(), maxErrorMessage)
	entry := &store.WebhookLog{
		ID:           id,
		MessageID:    msgID,
		EventType:    eventType,
		Payload:      body,
		Status:       store.WebhookFailedPermanently,
		ErrorMessage: &msg,
	}
	created, err := h.Logs.CreateWebhookLog(r.Context(), entry)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, receipt{Status: "duplicate", ID: &entry.ID, State: entry.Status})
		return
	}
	logRequest(r, slog.LevelWarn, "webhook rejected by schema", "message_id", msgID, "event_type", eventType, "error", msg)
	writeJSON(w, http.StatusAccepted, receipt{Status: "rejected", ID: &entry.ID, Error: msg})
}

// looseHeader pulls messageId and eventType out of a body that may not match
// the schema. Non-string values are ignored.
func looseHeader(body []byte) (messageID, eventType string) {
	var raw struct {
		MessageID any `json:"messageId"`
		EventType any `json:"eventType"`
	}
	if json.Unmarshal(body, &raw) != nil {
		return "", ""
	}
	messageID, _ = raw.MessageID.(string)
	eventType, _ = raw.EventType.(string)
	return strings.TrimSpace(messageID), eventType
}

// validSignature compares header against the hex HMAC-SHA256 of body under
// secret. An optional "sha256=" prefix is accepted.
func validSignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// --- Admin ---

// RequireAdmin gates the admin routes on a bearer token.
func (h *Handler) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			logRequest(r, slog.LevelWarn, "admin request rejected")
			Unauthorized(w, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type logView struct {
	ID            uuid.UUID       `json:"id"`
	MessageID     string          `json:"message_id"`
	CorrelationID *string         `json:"correlation_id"`
	EventType     string          `json:"event_type"`
	SourceID      *string         `json:"source_id"`
	Status        string          `json:"status"`
	ErrorMessage  *string         `json:"error_message"`
	RetryCount    int             `json:"retry_count"`
	Note          *string         `json:"note"`
	ReceivedAt    time.Time       `json:"received_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ProcessedAt   *time.Time      `json:"processed_at"`
	Payload       json.RawMessage `json:"payload"`
}

// GetLog handles GET /webhooks/logicware/{id}.
func (h *Handler) GetLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid id")
		return
	}
	l, err := h.Logs.GetWebhookLog(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		NotFound(w)
		return
	}
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logView{
		ID: l.ID, MessageID: l.MessageID, CorrelationID: l.CorrelationID, EventType: l.EventType,
		SourceID: l.SourceID, Status: l.Status, ErrorMessage: l.ErrorMessage, RetryCount: l.RetryCount,
		Note: l.Note, ReceivedAt: l.ReceivedAt, UpdatedAt: l.UpdatedAt, ProcessedAt: l.ProcessedAt,
		Payload: l.Payload,
	})
}

// Replay handles POST /webhooks/logicware/{id}/replay. Only failed rows are
// replayable; the retry budget starts over.
func (h *Handler) Replay(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid id")
		return
	}
	if _, err := h.Logs.GetWebhookLog(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	if err := h.Logs.ResetWebhookForReplay(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Conflict(w, "webhook is not in a failed state")
			return
		}
		InternalServerError(w, r, err)
		return
	}
	if err := h.Queue.Enqueue(r.Context(), Task{LogID: id}); err != nil {
		InternalServerError(w, r, err)
		return
	}
	logRequest(r, slog.LevelInfo, "webhook replay queued", "log_id", id)
	writeJSON(w, http.StatusAccepted, receipt{Status: "queued", ID: &id})
}

// CheckHealth handles GET /health. Returns 503 if either store is down.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	postgresStatus, redisStatus := "ok", "ok"
	if err := h.PS.CheckHealth(r.Context()); err != nil {
		logRequest(r, slog.LevelError, "postgres health check failed", "error", err)
		postgresStatus = "error"
	}
	if err := h.RS.CheckHealth(r.Context()); err != nil {
		logRequest(r, slog.LevelError, "redis health check failed", "error", err)
		redisStatus = "error"
	}

	status := http.StatusOK
	if postgresStatus != "ok" || redisStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, struct {
		Postgres string `json:"postgres"`
		Redis    string `json:"redis"`
	}{postgresStatus, redisStatus})
}
