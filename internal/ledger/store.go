// Package ledger merges upstream sale and schedule state into the internal
// contract ledger.
//
// store.go -- Persistence and upstream dependencies, as interfaces so the
// package tests run against testutil mocks.
package ledger

import (
	"context"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/gofrs/uuid/v5"
)

// Store is the subset of store.PostgresStore the ledger uses.
// Lookups return store.ErrNotFound; inserts return store.ErrDuplicate.
type Store interface {
	// InTx runs fn in one transaction; queries made with fn's ctx join it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetClientByDocument(ctx context.Context, documentNumber string) (*store.Client, error)
	CreateClient(ctx context.Context, c *store.Client) error

	GetLotByExternalCode(ctx context.Context, code string) (*store.Lot, error)
	UpdateLotStatus(ctx context.Context, code, status string) error

	ListAdvisors(ctx context.Context) ([]store.Employee, error)

	GetContractByLotID(ctx context.Context, lotID uuid.UUID) (*store.Contract, error)
	ListContractsByCorrelative(ctx context.Context, correlative string) ([]store.Contract, error)
	CreateContract(ctx context.Context, c *store.Contract) error

	GetScheduleRowByDetailID(ctx context.Context, detailID string) (*store.ScheduleRow, error)
	GetScheduleRowByNumber(ctx context.Context, contractID uuid.UUID, number int) (*store.ScheduleRow, error)
	ListScheduleRows(ctx context.Context, contractID uuid.UUID) ([]store.ScheduleRow, error)
	InsertScheduleRow(ctx context.Context, r *store.ScheduleRow) error
	UpdateScheduleRow(ctx context.Context, r *store.ScheduleRow) error
}

// Upstream is the subset of upstream.Client the ledger reads.
type Upstream interface {
	Sales(ctx context.Context, from, to time.Time, force bool) ([]upstream.SaleDocument, upstream.Meta, error)
	PaymentSchedule(ctx context.Context, correlative string, force bool) ([]upstream.Installment, upstream.Meta, error)
}
