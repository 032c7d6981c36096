// amortization.go -- Local payment schedule, used when the upstream schedule
// cannot be read.
package ledger

import (
	"fmt"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// BuildSchedule lays out installments for c from its financing block:
// initial installments, then financed installments, then an optional
// balloon row and an optional good-payer bonus row. Numbers run from 1.
//
// start anchors the first initial installment; the financed run starts at
// f.FirstDueDate when sent, otherwise one month after the last initial row.
// Split amounts are rounded to cents and the last row absorbs the remainder.
// Returns nil when there is nothing to schedule.
func BuildSchedule(c *store.Contract, f *upstream.Financing, start time.Time) ([]store.ScheduleRow, error) {
	if f == nil {
		f = &upstream.Financing{}
	}
	var rows []store.ScheduleRow
	number := 0
	add := func(typ, label string, due time.Time, amount decimal.Decimal) error {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generating schedule row id: %w", err)
		}
		number++
		d := due
		l := label
		rows = append(rows, store.ScheduleRow{
			ID:                id,
			ContractID:        c.ID,
			InstallmentNumber: number,
			InstallmentType:   typ,
			Label:             &l,
			DueDate:           &d,
			Amount:            amount,
			PaidAmount:        decimal.Zero,
			Status:            store.SchedulePending,
			Source:            store.SourceLocal,
		})
		return nil
	}

	down := pick(f.DownPayment, c.DownPayment)
	initialCount := 0
	if down.IsPositive() {
		initialCount = 1
		if f.InitialInstallments != nil && *f.InitialInstallments > 1 {
			initialCount = *f.InitialInstallments
		}
	}
	for i, amt := range split(down, initialCount) {
		label := "Cuota inicial"
		if initialCount > 1 {
			label = fmt.Sprintf("Cuota inicial %d/%d", i+1, initialCount)
		}
		if err := add(store.InstallmentInitial, label, addMonths(start, i), amt); err != nil {
			return nil, err
		}
	}

	term := 0
	if f.Term != nil {
		term = *f.Term
	} else if c.TermMonths != nil {
		term = *c.TermMonths
	}
	financedStart := addMonths(start, max(initialCount, 1))
	if !f.FirstDueDate.IsZero() {
		financedStart = f.FirstDueDate.Time
	}
	var lastDue time.Time
	if term > 0 {
		var amounts []decimal.Decimal
		if inst := pick(f.InstallmentAmount, c.InstallmentAmount); inst.IsPositive() {
			amounts = make([]decimal.Decimal, term)
			for i := range amounts {
				amounts[i] = inst
			}
		} else {
			amounts = split(pick(f.FinancedAmount, c.FinancedAmount), term)
		}
		for i, amt := range amounts {
			lastDue = addMonths(financedStart, i)
			if err := add(store.InstallmentFinancing, fmt.Sprintf("Cuota %d/%d", i+1, term), lastDue, amt); err != nil {
				return nil, err
			}
		}
	}
	if lastDue.IsZero() {
		lastDue = financedStart
	}

	if balloon := pick(f.BalloonPayment, c.BalloonPayment); balloon.IsPositive() {
		if err := add(store.InstallmentBalloon, "Cuota balón", addMonths(lastDue, 1), balloon); err != nil {
			return nil, err
		}
	}
	if bonus := pick(f.BPPBonus, c.BPPBonus); bonus.IsPositive() {
		if err := add(store.InstallmentBonus, "Bono buen pagador", lastDue, bonus); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// pick returns the first valid value, or zero.
func pick(vals ...decimal.NullDecimal) decimal.Decimal {
	for _, v := range vals {
		if v.Valid {
			return v.Decimal
		}
	}
	return decimal.Zero
}

// split divides total into n cent-rounded parts; the last part takes the remainder.
func split(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 || !total.IsPositive() {
		return nil
	}
	part := total.DivRound(decimal.NewFromInt(int64(n)), 2)
	out := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		out[i] = part
	}
	out[n-1] = total.Sub(part.Mul(decimal.NewFromInt(int64(n - 1))))
	return out
}

// addMonths adds n calendar months, clamping to the last day of the target
// month (Jan 31 + 1 month = Feb 28/29).
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, t.Location())
}
