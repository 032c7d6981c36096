// schedule.go -- Merges the upstream payment schedule into payment_schedules.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// ErrDegradedSchedule is returned when the upstream schedule could only be
// served as a placeholder. Nothing is written.
var ErrDegradedSchedule = errors.New("payment schedule unavailable (placeholder)")

// ErrNoContracts is returned when a correlative has no local contracts yet.
var ErrNoContracts = errors.New("no contracts for correlative")

// paidMarkers are upstream status strings that mean "settled".
var paidMarkers = map[string]bool{
	"PAID":      true,
	"PAGADO":    true,
	"PAGADA":    true,
	"CANCELADO": true,
	"CANCELADA": true,
}

// Reconciler writes upstream installments as schedule rows.
type Reconciler struct {
	store    Store
	upstream Upstream
	now      func() time.Time
}

// NewReconciler returns a Reconciler.
func NewReconciler(st Store, up Upstream) *Reconciler {
	return &Reconciler{store: st, upstream: up, now: time.Now}
}

// Reconcile syncs c's schedule from correlative, using the cached upstream
// read when valid. Returns the number of rows inserted or updated.
// Idempotent: re-running with the same data writes the same rows.
func (r *Reconciler) Reconcile(ctx context.Context, c *store.Contract, correlative string) (int, error) {
	return r.reconcile(ctx, c, correlative, false)
}

// ReconcileFresh is Reconcile with a forced upstream read.
func (r *Reconciler) ReconcileFresh(ctx context.Context, c *store.Contract, correlative string) (int, error) {
	return r.reconcile(ctx, c, correlative, true)
}

// ReconcileCorrelative reconciles every contract created from correlative.
// Returns ErrNoContracts when none exist yet.
func (r *Reconciler) ReconcileCorrelative(ctx context.Context, correlative string, fresh bool) (int, error) {
	contracts, err := r.store.ListContractsByCorrelative(ctx, correlative)
	if err != nil {
		return 0, err
	}
	if len(contracts) == 0 {
		return 0, fmt.Errorf("%w %s", ErrNoContracts, correlative)
	}

	total := 0
	for i := range contracts {
		// Only the first read may be forced; the rest reuse the fresh cache entry.
		n, err := r.reconcile(ctx, &contracts[i], correlative, fresh && i == 0)
		if err != nil {
			return total, fmt.Errorf("reconciling contract %s: %w", contracts[i].ContractNumber, err)
		}
		total += n
	}
	return total, nil
}

func (r *Reconciler) reconcile(ctx context.Context, c *store.Contract, correlative string, force bool) (int, error) {
	items, meta, err := r.upstream.PaymentSchedule(ctx, correlative, force)
	if err != nil {
		return 0, fmt.Errorf("fetching payment schedule %s: %w", correlative, err)
	}
	if meta.Placeholder {
		return 0, ErrDegradedSchedule
	}
	if meta.Degraded {
		slog.Warn("reconciling from stale schedule", "correlative", correlative, "cached_at", meta.CachedAt)
	}

	written := 0
	now := r.now().UTC()
	err = r.store.InTx(ctx, func(ctx context.Context) error {
		for i, it := range items {
			row, err := installmentRow(c.ID, i, it, now)
			if err != nil {
				return err
			}
			ok, err := r.upsert(ctx, row)
			if err != nil {
				return err
			}
			if ok {
				written++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("schedule reconciled",
		"correlative", correlative, "contract", c.ContractNumber, "installments", len(items), "written", written)
	return written, nil
}

// upsert writes row, matching an existing row by detail id first, then by
// (contract, installment number). Returns false when the detail id belongs
// to a sibling contract of the same document.
func (r *Reconciler) upsert(ctx context.Context, row store.ScheduleRow) (bool, error) {
	if row.ExternalDetailID != nil {
		existing, err := r.store.GetScheduleRowByDetailID(ctx, *row.ExternalDetailID)
		switch {
		case err == nil && existing.ContractID != row.ContractID:
			slog.Debug("schedule detail owned by another contract, skipping",
				"detail_id", *row.ExternalDetailID, "owner", existing.ContractID)
			return false, nil
		case err == nil:
			return true, r.update(ctx, existing, row)
		case !errors.Is(err, store.ErrNotFound):
			return false, err
		}
	}

	existing, err := r.store.GetScheduleRowByNumber(ctx, row.ContractID, row.InstallmentNumber)
	if err == nil {
		return true, r.update(ctx, existing, row)
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	err = r.store.InsertScheduleRow(ctx, &row)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with a concurrent reconcile; merge into the winner.
		existing, err := r.store.GetScheduleRowByNumber(ctx, row.ContractID, row.InstallmentNumber)
		if err != nil {
			return false, err
		}
		return true, r.update(ctx, existing, row)
	}
	return err == nil, err
}

// update overwrites existing with row, never moving a paid row back to pending.
func (r *Reconciler) update(ctx context.Context, existing *store.ScheduleRow, row store.ScheduleRow) error {
	row.ID = existing.ID
	if existing.Status == store.SchedulePaid {
		row.Status = store.SchedulePaid
		if existing.PaidAt != nil {
			row.PaidAt = existing.PaidAt
		}
		if existing.PaidAmount.GreaterThan(row.PaidAmount) {
			row.PaidAmount = existing.PaidAmount
		}
	}
	return r.store.UpdateScheduleRow(ctx, &row)
}

// installmentRow maps one upstream installment. index is its position in
// the upstream list, used when the installment number is missing.
func installmentRow(contractID uuid.UUID, index int, it upstream.Installment, now time.Time) (store.ScheduleRow, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return store.ScheduleRow{}, fmt.Errorf("generating schedule row id: %w", err)
	}
	number := index + 1
	if it.InstallmentNumber != nil {
		number = *it.InstallmentNumber
	}

	row := store.ScheduleRow{
		ID:                id,
		ContractID:        contractID,
		InstallmentNumber: number,
		InstallmentType:   Classify(it.Description),
		DueDate:           it.DueDate.Ptr(),
		Amount:            valueOrZero(it.Payment),
		PaidAmount:        valueOrZero(it.TotalPaidAmount),
		RemainingBalance:  it.RemainingBalance,
		Status:            store.SchedulePending,
		Source:            store.SourceLogicware,
	}
	if id := strings.TrimSpace(string(it.DetailID)); id != "" {
		row.ExternalDetailID = &id
	}
	if d := strings.TrimSpace(it.Description); d != "" {
		row.Label = &d
	}
	if IsPaid(it) {
		row.Status = store.SchedulePaid
		row.PaidAt = &now
	}
	return row, nil
}

// IsPaid reports whether an installment is settled: paid amount covers the
// payment, remaining balance is zero, or status is an explicit paid marker.
func IsPaid(it upstream.Installment) bool {
	if it.Payment.Valid && it.Payment.Decimal.IsPositive() && it.TotalPaidAmount.Valid &&
		it.TotalPaidAmount.Decimal.GreaterThanOrEqual(it.Payment.Decimal) {
		return true
	}
	if it.RemainingBalance.Valid && it.RemainingBalance.Decimal.IsZero() {
		return true
	}
	return paidMarkers[strings.ToUpper(strings.TrimSpace(it.Status))]
}

// Classify maps an installment label to an installment type.
// Order matters: "Cuota inicial" is initial, not financing.
func Classify(label string) string {
	l := strings.ToLower(label)
	switch {
	case containsAny(l, "inicial", "initial", "separaci", "separation", "deposit", "depósito"):
		return store.InstallmentInitial
	case containsAny(l, "balloon", "balón", "balon"):
		return store.InstallmentBalloon
	case containsAny(l, "buen pagador", "bpp"):
		return store.InstallmentBonus
	case containsAny(l, "installment", "cuota"):
		return store.InstallmentFinancing
	default:
		return store.InstallmentOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func valueOrZero(v decimal.NullDecimal) decimal.Decimal {
	if v.Valid {
		return v.Decimal
	}
	return decimal.Zero
}
