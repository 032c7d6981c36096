// router.go -- Event-type dispatch to the ledger components.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/ledgersync/internal/ledger"
	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
)

// SaleSyncer is the ledger.Synchronizer surface used by the router.
type SaleSyncer interface {
	SyncSale(ctx context.Context, doc upstream.SaleDocument) (ledger.SyncReport, error)
	SaleByCorrelative(ctx context.Context, correlative string, day time.Time) (*upstream.SaleDocument, error)
	ApplyUnitStatus(ctx context.Context, unitCode, status string) (ledger.Outcome, error)
}

// ScheduleSyncer is the ledger.Reconciler surface used by the router.
type ScheduleSyncer interface {
	ReconcileCorrelative(ctx context.Context, correlative string, fresh bool) (int, error)
}

// PaymentStore records the payment audit trail.
type PaymentStore interface {
	PaymentExists(ctx context.Context, messageID, paymentNumber, sourceID *string) (bool, error)
	InsertPayment(ctx context.Context, p *store.LogicwarePayment) error
}

// Router implements EventRouter.
type Router struct {
	sales     SaleSyncer
	schedules ScheduleSyncer
	payments  PaymentStore
	now       func() time.Time
}

// NewRouter returns a Router over the ledger components.
func NewRouter(sales SaleSyncer, schedules ScheduleSyncer, payments PaymentStore) *Router {
	return &Router{sales: sales, schedules: schedules, payments: payments, now: time.Now}
}

// Route runs the side effects for ev.
func (r *Router) Route(ctx context.Context, ev Event) (string, error) {
	switch e := ev.(type) {
	case *SaleCompleted:
		return r.sale(ctx, e)
	case *PaymentCreated:
		return r.payment(ctx, e)
	case *ScheduleCreated:
		// The event says the schedule changed, so a cached copy is stale.
		n, err := r.schedules.ReconcileCorrelative(ctx, e.Correlative, true)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("schedule reconciled: %d rows", n), nil
	case *UnitChanged:
		return r.unit(ctx, e)
	case *ProformaCreated:
		return "proforma acknowledged", nil
	case *Unrecognized:
		slog.Info("webhook event type not consumed", "event_type", e.EventType, "message_id", e.MessageID)
		return "unrecognized event type", nil
	}
	return "", Permanent(fmt.Errorf("no route for %T", ev))
}

func (r *Router) sale(ctx context.Context, e *SaleCompleted) (string, error) {
	doc := e.Sale
	if doc == nil {
		found, err := r.sales.SaleByCorrelative(ctx, e.Correlative, r.eventDay(e.Head()))
		if err != nil {
			return "", err
		}
		doc = found
	}

	report, err := r.sales.SyncSale(ctx, *doc)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sale %s: %d created, %d skipped, %d failed",
		report.Correlative, report.Created(), report.Skipped(), report.Failed()), nil
}

// payment appends the audit row (once per notification) and then refreshes
// the correlative's schedule. A redelivery skips the audit insert but still
// reconciles, since the earlier attempt may have failed after auditing.
func (r *Router) payment(ctx context.Context, e *PaymentCreated) (string, error) {
	duplicate, err := r.auditPayment(ctx, e)
	if err != nil {
		return "", err
	}

	n, err := r.schedules.ReconcileCorrelative(ctx, e.Payment.Correlative, true)
	if err != nil {
		return "", err
	}
	note := fmt.Sprintf("payment recorded, schedule reconciled: %d rows", n)
	if duplicate {
		note = fmt.Sprintf("payment already recorded, schedule reconciled: %d rows", n)
	}
	return note, nil
}

func (r *Router) auditPayment(ctx context.Context, e *PaymentCreated) (bool, error) {
	msgID := optional(e.MessageID)
	number := optional(e.Payment.PaymentNumber)
	sourceID := optional(e.SourceID)

	exists, err := r.payments.PaymentExists(ctx, msgID, number, sourceID)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, fmt.Errorf("generating payment id: %w", err)
	}
	p := &store.LogicwarePayment{
		ID:                id,
		MessageID:         msgID,
		PaymentNumber:     number,
		SourceID:          sourceID,
		Correlative:       optional(e.Payment.Correlative),
		InstallmentNumber: e.Payment.InstallmentNumber,
		Amount:            e.Payment.Amount,
		PaymentDate:       e.Payment.PaymentDate.Ptr(),
		Method:            optional(e.Payment.Method),
		Payload:           e.Data,
	}
	err = r.payments.InsertPayment(ctx, p)
	if errors.Is(err, store.ErrDuplicate) {
		return true, nil
	}
	return false, err
}

func (r *Router) unit(ctx context.Context, e *UnitChanged) (string, error) {
	out, err := r.sales.ApplyUnitStatus(ctx, e.UnitCode, e.Status)
	if err != nil {
		return "", err
	}
	if out.Status == ledger.StatusSkipped {
		return fmt.Sprintf("unit %s skipped: %s", e.UnitCode, out.Reason), nil
	}
	return fmt.Sprintf("unit %s %s", e.UnitCode, out.Status), nil
}

// eventDay is the day used to look up a sale by correlative: the event's own
// timestamp when it parses, else today.
func (r *Router) eventDay(env *Envelope) time.Time {
	if env.EventTimestamp != "" {
		var d upstream.Date
		if err := json.Unmarshal([]byte(strconv.Quote(env.EventTimestamp)), &d); err == nil && !d.IsZero() {
			return d.Time
		}
	}
	return r.now()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
