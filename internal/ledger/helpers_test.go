package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/testutil"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// fakeUpstream serves canned schedules and sales listings.
type fakeUpstream struct {
	mu sync.Mutex

	schedules    map[string][]upstream.Installment
	scheduleMeta upstream.Meta
	scheduleErr  error
	// sales returns the listing for a forced or cached read.
	sales    func(force bool) ([]upstream.SaleDocument, upstream.Meta, error)
	salesErr error

	scheduleCalls       int
	forcedScheduleCalls int
	salesForces         []bool
}

func (f *fakeUpstream) PaymentSchedule(_ context.Context, correlative string, force bool) ([]upstream.Installment, upstream.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduleCalls++
	if force {
		f.forcedScheduleCalls++
	}
	if f.scheduleErr != nil {
		return nil, upstream.Meta{}, f.scheduleErr
	}
	return f.schedules[correlative], f.scheduleMeta, nil
}

func (f *fakeUpstream) Sales(_ context.Context, _, _ time.Time, force bool) ([]upstream.SaleDocument, upstream.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.salesForces = append(f.salesForces, force)
	if f.salesErr != nil {
		return nil, upstream.Meta{}, f.salesErr
	}
	if f.sales == nil {
		return nil, upstream.Meta{}, nil
	}
	return f.sales(force)
}

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func intPtr(n int) *int { return &n }

func newID() uuid.UUID { return uuid.Must(uuid.NewV7()) }

var (
	advisorDavid = store.Employee{ID: newID(), FirstName: "FERNANDO DAVID", LastName: "FEIJOO GARCIA"}
	advisorAna   = store.Employee{ID: newID(), FirstName: "ANA", LastName: "TORRES"}
)

func seededStore(lotCodes ...string) *testutil.MockLedgerStore {
	var lots []*store.Lot
	for _, code := range lotCodes {
		lots = append(lots, &store.Lot{ID: newID(), ExternalCode: code, Status: store.LotAvailable})
	}
	return testutil.NewMockLedgerStore(lots, []store.Employee{advisorAna, advisorDavid})
}

func saleDoc(correlative string, units ...string) upstream.SaleDocument {
	doc := upstream.SaleDocument{
		Correlative: correlative,
		Seller:      "David Feijoo",
		Currency:    "USD",
		Client:      upstream.SaleClient{DocumentType: "DNI", DocumentNumber: "45678912", FullName: "MARIA LOPEZ"},
	}
	doc.SaleDate.Time = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	for _, u := range units {
		doc.Units = append(doc.Units, upstream.SaleUnit{
			UnitCode:   u,
			ListPrice:  dec("50000"),
			TotalPrice: dec("48000"),
			Financing: &upstream.Financing{
				DownPayment:       dec("8000"),
				FinancedAmount:    dec("40000"),
				Term:              intPtr(4),
				InstallmentAmount: dec("10000"),
			},
		})
	}
	return doc
}

func installment(detail string, number int, label, payment, paid string) upstream.Installment {
	it := upstream.Installment{
		DetailID:          upstream.FlexString(detail),
		InstallmentNumber: intPtr(number),
		Description:       label,
		Payment:           dec(payment),
		TotalPaidAmount:   dec(paid),
	}
	it.DueDate.Time = time.Date(2024, 5+time.Month(number), 10, 0, 0, 0, 0, time.UTC)
	return it
}
