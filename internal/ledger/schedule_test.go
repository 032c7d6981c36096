package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := map[string]string{
		"Cuota inicial":         store.InstallmentInitial,
		"Separación":            store.InstallmentInitial,
		"Initial deposit":       store.InstallmentInitial,
		"Depósito de garantía":  store.InstallmentInitial,
		"Cuota balón":           store.InstallmentBalloon,
		"Balloon payment":       store.InstallmentBalloon,
		"Bono Buen Pagador":     store.InstallmentBonus,
		"BPP":                   store.InstallmentBonus,
		"Cuota 12":              store.InstallmentFinancing,
		"Monthly installment 3": store.InstallmentFinancing,
		"Gastos notariales":     store.InstallmentOther,
		"":                      store.InstallmentOther,
	}
	for label, want := range tests {
		assert.Equal(t, want, Classify(label), label)
	}
}

func TestIsPaid(t *testing.T) {
	tests := []struct {
		name string
		it   upstream.Installment
		want bool
	}{
		{"paid equals payment", upstream.Installment{Payment: dec("500"), TotalPaidAmount: dec("500")}, true},
		{"overpaid", upstream.Installment{Payment: dec("500"), TotalPaidAmount: dec("600")}, true},
		{"nothing paid", upstream.Installment{Payment: dec("500"), TotalPaidAmount: dec("0")}, false},
		{"partially paid", upstream.Installment{Payment: dec("500"), TotalPaidAmount: dec("499.99")}, false},
		{"remaining zero", upstream.Installment{Payment: dec("500"), RemainingBalance: dec("0")}, true},
		{"remaining positive", upstream.Installment{Payment: dec("500"), RemainingBalance: dec("10")}, false},
		{"status marker", upstream.Installment{Payment: dec("500"), Status: " pagado "}, true},
		{"status pending", upstream.Installment{Payment: dec("500"), Status: "PENDIENTE"}, false},
		{"missing amounts", upstream.Installment{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPaid(tt.it))
		})
	}
}

// seededContract adds one contract bound to a fresh lot and returns it.
func seededContract(t *testing.T, st interface {
	CreateContract(context.Context, *store.Contract) error
}, correlative string) *store.Contract {
	t.Helper()
	c := &store.Contract{ID: newID(), ContractNumber: correlative + "-" + newID().String(), LotID: newID(),
		ExternalCorrelative: correlative, Status: "active", Source: store.SourceLogicware}
	require.NoError(t, st.CreateContract(context.Background(), c))
	return c
}

func TestInstallmentRow(t *testing.T) {
	contractID := newID()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	paid := installment("77", 2, "Cuota 1", "100", "100")
	row, err := installmentRow(contractID, 5, paid, now)
	require.NoError(t, err)
	assert.False(t, row.ID.IsNil(), "row id is generated")
	assert.Equal(t, contractID, row.ContractID)
	assert.Equal(t, 2, row.InstallmentNumber)
	require.NotNil(t, row.ExternalDetailID)
	assert.Equal(t, "77", *row.ExternalDetailID)
	assert.Equal(t, store.SchedulePaid, row.Status)
	assert.Equal(t, &now, row.PaidAt)

	unnumbered := installment("", 0, "", "100", "0")
	unnumbered.InstallmentNumber = nil
	other, err := installmentRow(contractID, 5, unnumbered, now)
	require.NoError(t, err)
	assert.Equal(t, 6, other.InstallmentNumber, "position is the fallback number")
	assert.Nil(t, other.ExternalDetailID)
	assert.Nil(t, other.Label)
	assert.NotEqual(t, row.ID, other.ID)
}

func TestReconcile_Idempotent(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	c := seededContract(t, st, "C-1")
	up := &fakeUpstream{schedules: map[string][]upstream.Installment{
		"C-1": {
			installment("d1", 1, "Cuota inicial", "1000", "1000"),
			installment("d2", 2, "Cuota 1", "500", "0"),
			installment("d3", 3, "Cuota 2", "500", "0"),
		},
	}}
	r := NewReconciler(st, up)

	n, err := r.Reconcile(ctx, c, "C-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = r.Reconcile(ctx, c, "C-1")
	require.NoError(t, err)
	assert.Len(t, st.ScheduleFor(c.ID), 3)
}

func TestReconcile_PaidNeverRegresses(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	c := seededContract(t, st, "C-2")
	up := &fakeUpstream{schedules: map[string][]upstream.Installment{
		"C-2": {installment("d1", 1, "Cuota 1", "500", "500")},
	}}
	r := NewReconciler(st, up)

	_, err := r.Reconcile(ctx, c, "C-2")
	require.NoError(t, err)
	first := st.ScheduleFor(c.ID)[0]
	require.Equal(t, store.SchedulePaid, first.Status)

	// Upstream now reports the installment as unpaid (e.g. a reversed receipt).
	up.schedules["C-2"] = []upstream.Installment{installment("d1", 1, "Cuota 1", "500", "0")}
	_, err = r.ReconcileFresh(ctx, c, "C-2")
	require.NoError(t, err)

	row := st.ScheduleFor(c.ID)[0]
	assert.Equal(t, store.SchedulePaid, row.Status)
	assert.Equal(t, first.PaidAt, row.PaidAt)
	assert.True(t, row.PaidAmount.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 1, up.forcedScheduleCalls)
}

func TestReconcile_PendingBecomesPaid(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	c := seededContract(t, st, "C-3")
	up := &fakeUpstream{schedules: map[string][]upstream.Installment{
		"C-3": {installment("d1", 1, "Cuota 1", "500", "0")},
	}}
	r := NewReconciler(st, up)

	_, err := r.Reconcile(ctx, c, "C-3")
	require.NoError(t, err)
	assert.Equal(t, store.SchedulePending, st.ScheduleFor(c.ID)[0].Status)

	up.schedules["C-3"] = []upstream.Installment{installment("d1", 1, "Cuota 1", "500", "500")}
	_, err = r.Reconcile(ctx, c, "C-3")
	require.NoError(t, err)
	row := st.ScheduleFor(c.ID)[0]
	assert.Equal(t, store.SchedulePaid, row.Status)
	assert.NotNil(t, row.PaidAt)
}

func TestReconcile_MissingNumberUsesPosition(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	c := seededContract(t, st, "C-4")
	a := installment("", 0, "Cuota 1", "100", "0")
	a.InstallmentNumber = nil
	b := installment("", 0, "Cuota 2", "100", "0")
	b.InstallmentNumber = nil
	up := &fakeUpstream{schedules: map[string][]upstream.Installment{"C-4": {a, b}}}

	r := NewReconciler(st, up)
	_, err := r.Reconcile(ctx, c, "C-4")
	require.NoError(t, err)
	_, err = r.Reconcile(ctx, c, "C-4")
	require.NoError(t, err)

	rows := st.ScheduleFor(c.ID)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].InstallmentNumber)
	assert.Equal(t, 2, rows[1].InstallmentNumber)
	assert.Nil(t, rows[0].ExternalDetailID)
}

func TestReconcile_ReplacesLocalRows(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	c := seededContract(t, st, "C-5")
	local := &store.ScheduleRow{ID: newID(), ContractID: c.ID, InstallmentNumber: 1,
		InstallmentType: store.InstallmentInitial, Status: store.SchedulePending, Source: store.SourceLocal}
	require.NoError(t, st.InsertScheduleRow(ctx, local))

	up := &fakeUpstream{schedules: map[string][]upstream.Installment{
		"C-5": {installment("d9", 1, "Cuota inicial", "800", "800")},
	}}
	_, err := NewReconciler(st, up).Reconcile(ctx, c, "C-5")
	require.NoError(t, err)

	rows := st.ScheduleFor(c.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, local.ID, rows[0].ID)
	assert.Equal(t, store.SourceLogicware, rows[0].Source)
	require.NotNil(t, rows[0].ExternalDetailID)
	assert.Equal(t, "d9", *rows[0].ExternalDetailID)
}

func TestReconcile_DetailOwnedBySibling(t *testing.T) {
	ctx := context.Background()
	st := seededStore()
	first := seededContract(t, st, "C-6")
	second := seededContract(t, st, "C-6")
	up := &fakeUpstream{schedules: map[string][]upstream.Installment{
		"C-6": {installment("d1", 1, "Cuota 1", "100", "0")},
	}}
	r := NewReconciler(st, up)

	n, err := r.Reconcile(ctx, first, "C-6")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = r.Reconcile(ctx, second, "C-6")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, st.ScheduleFor(second.ID))
}

func TestReconcile_PlaceholderRejected(t *testing.T) {
	st := seededStore()
	c := seededContract(t, st, "C-7")
	up := &fakeUpstream{scheduleMeta: upstream.Meta{Degraded: true, Placeholder: true}}

	_, err := NewReconciler(st, up).Reconcile(context.Background(), c, "C-7")
	assert.ErrorIs(t, err, ErrDegradedSchedule)
	assert.Empty(t, st.ScheduleFor(c.ID))
}

func TestReconcileCorrelative(t *testing.T) {
	ctx := context.Background()

	t.Run("no contracts", func(t *testing.T) {
		_, err := NewReconciler(seededStore(), &fakeUpstream{}).ReconcileCorrelative(ctx, "C-8", true)
		assert.ErrorIs(t, err, ErrNoContracts)
	})

	t.Run("forces only the first read", func(t *testing.T) {
		st := seededStore()
		seededContract(t, st, "C-9")
		seededContract(t, st, "C-9")
		up := &fakeUpstream{schedules: map[string][]upstream.Installment{
			"C-9": {installment("d1", 1, "Cuota 1", "100", "100")},
		}}

		n, err := NewReconciler(st, up).ReconcileCorrelative(ctx, "C-9", true)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 2, up.scheduleCalls)
		assert.Equal(t, 1, up.forcedScheduleCalls)
	})
}
