// webhook_log.go -- webhook_logs state transitions and logicware_payments audit inserts.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

const webhookColumns = `id, message_id, correlation_id, event_type, source_id, payload, status,
	error_message, retry_count, note, received_at, updated_at, processed_at`

// CreateWebhookLog inserts l with status=received unless a row with the same
// message_id exists. Returns true when a new row was created; on a duplicate,
// l is overwritten with the existing row.
func (s *PostgresStore) CreateWebhookLog(ctx context.Context, l *WebhookLog) (bool, error) {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO webhook_logs (id, message_id, correlation_id, event_type, source_id, payload, status, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_id) DO NOTHING
		RETURNING received_at, updated_at
	`, l.ID, l.MessageID, l.CorrelationID, l.EventType, l.SourceID, l.Payload, l.Status, l.ErrorMessage,
	).Scan(&l.ReceivedAt, &l.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("inserting webhook log: %w", err)
	}

	existing, err := s.GetWebhookLogByMessageID(ctx, l.MessageID)
	if err != nil {
		return false, err
	}
	*l = *existing
	return false, nil
}

// GetWebhookLog fetches a log row by id.
func (s *PostgresStore) GetWebhookLog(ctx context.Context, id uuid.UUID) (*WebhookLog, error) {
	return s.getWebhookLog(ctx, "id = $1", id)
}

// GetWebhookLogByMessageID fetches a log row by upstream message id.
func (s *PostgresStore) GetWebhookLogByMessageID(ctx context.Context, messageID string) (*WebhookLog, error) {
	return s.getWebhookLog(ctx, "message_id = $1", messageID)
}

func (s *PostgresStore) getWebhookLog(ctx context.Context, where string, arg any) (*WebhookLog, error) {
	var l WebhookLog
	err := s.q(ctx).QueryRow(ctx, "SELECT "+webhookColumns+" FROM webhook_logs WHERE "+where, arg).Scan(
		&l.ID, &l.MessageID, &l.CorrelationID, &l.EventType, &l.SourceID, &l.Payload, &l.Status,
		&l.ErrorMessage, &l.RetryCount, &l.Note, &l.ReceivedAt, &l.UpdatedAt, &l.ProcessedAt)
	if err != nil {
		return nil, noRows(err, "fetching webhook log")
	}
	return &l, nil
}

// ClaimWebhookLog moves a received or failed row to processing. Returns
// ErrNotFound when the row is missing or in any other state, so only one
// worker runs a delivery at a time.
func (s *PostgresStore) ClaimWebhookLog(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE webhook_logs SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status IN ('received', 'failed')
	`, id)
	if err != nil {
		return fmt.Errorf("claiming webhook log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkWebhookProcessed moves a row to processed, clearing the error and recording note.
func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, id uuid.UUID, note *string) error {
	return s.setWebhookStatus(ctx, id,
		"status = 'processed', error_message = NULL, note = $2, processed_at = now()", note)
}

// MarkWebhookFailed records a retryable failure and the attempt count so far.
func (s *PostgresStore) MarkWebhookFailed(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	return s.setWebhookStatus(ctx, id,
		"status = 'failed', error_message = $2, retry_count = $3", errMsg, retryCount)
}

// MarkWebhookFailedPermanently records a terminal failure. No further retries.
func (s *PostgresStore) MarkWebhookFailedPermanently(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	return s.setWebhookStatus(ctx, id,
		"status = 'failed_permanently', error_message = $2, retry_count = $3, processed_at = now()", errMsg, retryCount)
}

// ResetWebhookForReplay puts a failed row back to received with a fresh retry budget.
// Only failed and failed_permanently rows qualify; anything else returns ErrNotFound.
func (s *PostgresStore) ResetWebhookForReplay(ctx context.Context, id uuid.UUID) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE webhook_logs SET status = 'received', retry_count = 0, processed_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('failed', 'failed_permanently')
	`, id)
	if err != nil {
		return fmt.Errorf("resetting webhook log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueStrandedWebhookLogs resets rows whose queue task was lost back to
// received and returns their ids, oldest first. A row is stranded when it sat
// in received or processing since before idleBefore (enqueue failed, worker
// died), or in failed since before failedBefore (delayed retry lost).
func (s *PostgresStore) RequeueStrandedWebhookLogs(ctx context.Context, idleBefore, failedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.q(ctx).Query(ctx, `
		UPDATE webhook_logs SET status = 'received', updated_at = now()
		WHERE id IN (
			SELECT id FROM webhook_logs
			WHERE (status IN ('received', 'processing') AND updated_at < $1)
			   OR (status = 'failed' AND updated_at < $2)
			ORDER BY updated_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, idleBefore, failedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("requeuing stranded webhook logs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning webhook log id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) setWebhookStatus(ctx context.Context, id uuid.UUID, set string, args ...any) error {
	tag, err := s.q(ctx).Exec(ctx, "UPDATE webhook_logs SET updated_at = now(), "+set+" WHERE id = $1", append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("updating webhook log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Payment audit ---

// PaymentExists reports whether an audit row matches any of the non-nil keys.
func (s *PostgresStore) PaymentExists(ctx context.Context, messageID, paymentNumber, sourceID *string) (bool, error) {
	var exists bool
	err := s.q(ctx).QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM logicware_payments
			WHERE ($1::text IS NOT NULL AND message_id = $1)
			   OR ($2::text IS NOT NULL AND payment_number = $2)
			   OR ($3::text IS NOT NULL AND source_id = $3)
		)
	`, messageID, paymentNumber, sourceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking payment audit: %w", err)
	}
	return exists, nil
}

// InsertPayment appends an audit row. Returns ErrDuplicate if any key already exists.
func (s *PostgresStore) InsertPayment(ctx context.Context, p *LogicwarePayment) error {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO logicware_payments (id, message_id, payment_number, source_id, correlative,
			installment_number, amount, payment_date, method, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, p.ID, p.MessageID, p.PaymentNumber, p.SourceID, p.Correlative,
		p.InstallmentNumber, p.Amount, p.PaymentDate, p.Method, p.Payload,
	).Scan(&p.CreatedAt)
	return inserted(err, "inserting payment audit")
}
