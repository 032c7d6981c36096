// ledger.go -- Client, lot, advisor, contract and payment-schedule queries.
//
// Lookups return ErrNotFound on a miss. Inserts return ErrDuplicate when a
// natural key already exists, so check-then-act callers can treat a lost
// race as "already exists" and keep using the same transaction.
package store

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// --- Clients ---

// GetClientByDocument fetches a client by its document number.
func (s *PostgresStore) GetClientByDocument(ctx context.Context, documentNumber string) (*Client, error) {
	var c Client
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, document_type, document_number, full_name, email, phone, created_at
		FROM clients WHERE document_number = $1
	`, documentNumber).Scan(&c.ID, &c.DocumentType, &c.DocumentNumber, &c.FullName, &c.Email, &c.Phone, &c.CreatedAt)
	if err != nil {
		return nil, noRows(err, "fetching client")
	}
	return &c, nil
}

// CreateClient inserts c. The caller generates c.ID.
func (s *PostgresStore) CreateClient(ctx context.Context, c *Client) error {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO clients (id, document_type, document_number, full_name, email, phone)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, c.ID, c.DocumentType, c.DocumentNumber, c.FullName, c.Email, c.Phone).Scan(&c.CreatedAt)
	return inserted(err, "inserting client")
}

// --- Lots ---

// GetLotByExternalCode fetches a lot by its upstream unit code.
func (s *PostgresStore) GetLotByExternalCode(ctx context.Context, code string) (*Lot, error) {
	var l Lot
	err := s.q(ctx).QueryRow(ctx, `
		SELECT id, external_code, project_code, stage_id, status, updated_at
		FROM lots WHERE external_code = $1
	`, code).Scan(&l.ID, &l.ExternalCode, &l.ProjectCode, &l.StageID, &l.Status, &l.UpdatedAt)
	if err != nil {
		return nil, noRows(err, "fetching lot")
	}
	return &l, nil
}

// UpdateLotStatus sets the status of the lot with the given external code.
// Returns ErrNotFound when no lot matches.
func (s *PostgresStore) UpdateLotStatus(ctx context.Context, code, status string) error {
	tag, err := s.q(ctx).Exec(ctx,
		"UPDATE lots SET status = $2, updated_at = now() WHERE external_code = $1",
		code, status)
	if err != nil {
		return fmt.Errorf("updating lot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Employees ---

// ListAdvisors returns active advisors in a stable order (id ascending; v7 ids
// sort by creation). The resolver's tie-break depends on this order.
func (s *PostgresStore) ListAdvisors(ctx context.Context) ([]Employee, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, first_name, last_name
		FROM employees WHERE is_advisor AND active
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("listing advisors: %w", err)
	}
	defer rows.Close()

	var out []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.FirstName, &e.LastName); err != nil {
			return nil, fmt.Errorf("scanning advisor: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Contracts ---

const contractColumns = `id, contract_number, client_id, lot_id, advisor_id, external_correlative,
	sale_date, currency, list_price, discount, total_price, down_payment, financed_amount,
	term_months, installment_amount, interest_rate, balloon_payment, bpp_bonus, status, source, created_at`

func scanContract(row pgx.Row) (*Contract, error) {
	var c Contract
	err := row.Scan(&c.ID, &c.ContractNumber, &c.ClientID, &c.LotID, &c.AdvisorID, &c.ExternalCorrelative,
		&c.SaleDate, &c.Currency, &c.ListPrice, &c.Discount, &c.TotalPrice, &c.DownPayment, &c.FinancedAmount,
		&c.TermMonths, &c.InstallmentAmount, &c.InterestRate, &c.BalloonPayment, &c.BPPBonus, &c.Status, &c.Source, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetContractByLotID returns the contract bound to lotID, if any.
func (s *PostgresStore) GetContractByLotID(ctx context.Context, lotID uuid.UUID) (*Contract, error) {
	c, err := scanContract(s.q(ctx).QueryRow(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE lot_id = $1", lotID))
	if err != nil {
		return nil, noRows(err, "fetching contract by lot")
	}
	return c, nil
}

// ListContractsByCorrelative returns every contract created from one upstream document.
func (s *PostgresStore) ListContractsByCorrelative(ctx context.Context, correlative string) ([]Contract, error) {
	rows, err := s.q(ctx).Query(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE external_correlative = $1 ORDER BY created_at, id",
		correlative)
	if err != nil {
		return nil, fmt.Errorf("listing contracts: %w", err)
	}
	defer rows.Close()

	var out []Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning contract: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CreateContract inserts c. The caller generates c.ID and c.ContractNumber.
func (s *PostgresStore) CreateContract(ctx context.Context, c *Contract) error {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO contracts (id, contract_number, client_id, lot_id, advisor_id, external_correlative,
			sale_date, currency, list_price, discount, total_price, down_payment, financed_amount,
			term_months, installment_amount, interest_rate, balloon_payment, bpp_bonus, status, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT DO NOTHING
		RETURNING created_at
	`, c.ID, c.ContractNumber, c.ClientID, c.LotID, c.AdvisorID, c.ExternalCorrelative,
		c.SaleDate, c.Currency, c.ListPrice, c.Discount, c.TotalPrice, c.DownPayment, c.FinancedAmount,
		c.TermMonths, c.InstallmentAmount, c.InterestRate, c.BalloonPayment, c.BPPBonus, c.Status, c.Source,
	).Scan(&c.CreatedAt)
	return inserted(err, "inserting contract")
}

// --- Payment schedules ---

const scheduleColumns = `id, contract_id, installment_number, external_detail_id, installment_type, label,
	due_date, amount, paid_amount, remaining_balance, status, paid_at, source, updated_at`

func scanScheduleRow(row pgx.Row) (*ScheduleRow, error) {
	var r ScheduleRow
	err := row.Scan(&r.ID, &r.ContractID, &r.InstallmentNumber, &r.ExternalDetailID, &r.InstallmentType, &r.Label,
		&r.DueDate, &r.Amount, &r.PaidAmount, &r.RemainingBalance, &r.Status, &r.PaidAt, &r.Source, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetScheduleRowByDetailID fetches a row by its upstream schedule-detail id.
func (s *PostgresStore) GetScheduleRowByDetailID(ctx context.Context, detailID string) (*ScheduleRow, error) {
	r, err := scanScheduleRow(s.q(ctx).QueryRow(ctx,
		"SELECT "+scheduleColumns+" FROM payment_schedules WHERE external_detail_id = $1", detailID))
	if err != nil {
		return nil, noRows(err, "fetching schedule row")
	}
	return r, nil
}

// GetScheduleRowByNumber fetches a row by (contract, installment number).
func (s *PostgresStore) GetScheduleRowByNumber(ctx context.Context, contractID uuid.UUID, number int) (*ScheduleRow, error) {
	r, err := scanScheduleRow(s.q(ctx).QueryRow(ctx,
		"SELECT "+scheduleColumns+" FROM payment_schedules WHERE contract_id = $1 AND installment_number = $2",
		contractID, number))
	if err != nil {
		return nil, noRows(err, "fetching schedule row")
	}
	return r, nil
}

// ListScheduleRows returns a contract's schedule ordered by installment number.
func (s *PostgresStore) ListScheduleRows(ctx context.Context, contractID uuid.UUID) ([]ScheduleRow, error) {
	rows, err := s.q(ctx).Query(ctx,
		"SELECT "+scheduleColumns+" FROM payment_schedules WHERE contract_id = $1 ORDER BY installment_number",
		contractID)
	if err != nil {
		return nil, fmt.Errorf("listing schedule rows: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRow
	for rows.Next() {
		r, err := scanScheduleRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule row: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// InsertScheduleRow inserts r. The caller generates r.ID.
func (s *PostgresStore) InsertScheduleRow(ctx context.Context, r *ScheduleRow) error {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO payment_schedules (id, contract_id, installment_number, external_detail_id, installment_type,
			label, due_date, amount, paid_amount, remaining_balance, status, paid_at, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT DO NOTHING
		RETURNING updated_at
	`, r.ID, r.ContractID, r.InstallmentNumber, r.ExternalDetailID, r.InstallmentType,
		r.Label, r.DueDate, r.Amount, r.PaidAmount, r.RemainingBalance, r.Status, r.PaidAt, r.Source,
	).Scan(&r.UpdatedAt)
	return inserted(err, "inserting schedule row")
}

// UpdateScheduleRow overwrites the mutable columns of row r.ID.
// The status guard keeps a paid row paid even if a stale writer races this one.
func (s *PostgresStore) UpdateScheduleRow(ctx context.Context, r *ScheduleRow) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE payment_schedules SET
			external_detail_id = COALESCE($2, external_detail_id),
			installment_type = $3, label = $4, due_date = $5, amount = $6, paid_amount = $7,
			remaining_balance = $8,
			status = CASE WHEN status = 'paid' THEN 'paid' ELSE $9 END,
			paid_at = COALESCE(paid_at, $10),
			source = $11,
			updated_at = now()
		WHERE id = $1
	`, r.ID, r.ExternalDetailID, r.InstallmentType, r.Label, r.DueDate, r.Amount, r.PaidAmount,
		r.RemainingBalance, r.Status, r.PaidAt, r.Source)
	if err != nil {
		return fmt.Errorf("updating schedule row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
