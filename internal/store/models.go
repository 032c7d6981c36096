// models.go -- Shared domain types for the store package.
// Used by both Postgres (ledger + webhook log) and Redis (KV layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by single-row lookups when no row matches.
// Callers use errors.Is to tell a true miss from an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by inserts that hit a unique constraint.
// Check-then-act callers treat it as "someone else won the race".
var ErrDuplicate = errors.New("duplicate")

// ErrCacheMiss is returned by RedisStore.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Lot statuses. CHECK constraint in 001_ledger.sql mirrors these.
const (
	LotAvailable = "available"
	LotReserved  = "reserved"
	LotSold      = "sold"
	LotBlocked   = "blocked"
)

// Schedule row statuses. A paid row never goes back to pending.
const (
	SchedulePending = "pending"
	SchedulePaid    = "paid"
)

// Installment types derived from the upstream label.
const (
	InstallmentInitial   = "initial"
	InstallmentFinancing = "financing"
	InstallmentBalloon   = "balloon"
	InstallmentBonus     = "bonus"
	InstallmentOther     = "other"
)

// Schedule row sources.
const (
	SourceLogicware = "logicware"
	SourceLocal     = "local"
)

// Webhook log statuses, in lifecycle order.
const (
	WebhookReceived          = "received"
	WebhookProcessing        = "processing"
	WebhookProcessed         = "processed"
	WebhookFailed            = "failed"
	WebhookFailedPermanently = "failed_permanently"
)

// Client represents a row in the clients table.
// DocumentNumber is the natural key; nullable columns are pointers.
type Client struct {
	ID             uuid.UUID
	DocumentType   *string
	DocumentNumber string
	FullName       *string
	Email          *string
	Phone          *string
	CreatedAt      time.Time
}

// Lot represents a row in the lots table. Never created by this service.
type Lot struct {
	ID           uuid.UUID
	ExternalCode string
	ProjectCode  *string
	StageID      *string
	Status       string
	UpdatedAt    time.Time
}

// Employee is an advisor candidate. Read-only from this service.
type Employee struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
}

// Contract represents a row in the contracts table.
// Money columns are NullDecimal: Valid=false means the upstream did not send it.
type Contract struct {
	ID                  uuid.UUID
	ContractNumber      string
	ClientID            uuid.UUID
	LotID               uuid.UUID
	AdvisorID           uuid.UUID
	ExternalCorrelative string
	SaleDate            *time.Time
	Currency            *string
	ListPrice           decimal.NullDecimal
	Discount            decimal.NullDecimal
	TotalPrice          decimal.NullDecimal
	DownPayment         decimal.NullDecimal
	FinancedAmount      decimal.NullDecimal
	TermMonths          *int
	InstallmentAmount   decimal.NullDecimal
	InterestRate        decimal.NullDecimal
	BalloonPayment      decimal.NullDecimal
	BPPBonus            decimal.NullDecimal
	Status              string
	Source              string
	CreatedAt           time.Time
}

// ScheduleRow represents one installment in payment_schedules.
// Dedup key: ExternalDetailID when set, otherwise (ContractID, InstallmentNumber).
type ScheduleRow struct {
	ID                uuid.UUID
	ContractID        uuid.UUID
	InstallmentNumber int
	ExternalDetailID  *string
	InstallmentType   string
	Label             *string
	DueDate           *time.Time
	Amount            decimal.Decimal
	PaidAmount        decimal.Decimal
	RemainingBalance  decimal.NullDecimal
	Status            string
	PaidAt            *time.Time
	Source            string
	UpdatedAt         time.Time
}

// WebhookLog represents one inbound delivery in webhook_logs.
// Created on receipt; only the owning task mutates it afterwards.
type WebhookLog struct {
	ID            uuid.UUID
	MessageID     string
	CorrelationID *string
	EventType     string
	SourceID      *string
	Payload       []byte
	Status        string
	ErrorMessage  *string
	RetryCount    int
	Note          *string
	ReceivedAt    time.Time
	UpdatedAt     time.Time
	ProcessedAt   *time.Time
}

// LogicwarePayment is an append-only audit row for one payment notification.
// Any of MessageID, PaymentNumber, SourceID identifies a duplicate.
type LogicwarePayment struct {
	ID                uuid.UUID
	MessageID         *string
	PaymentNumber     *string
	SourceID          *string
	Correlative       *string
	InstallmentNumber *int
	Amount            decimal.NullDecimal
	PaymentDate       *time.Time
	Method            *string
	Payload           []byte
	CreatedAt         time.Time
}
