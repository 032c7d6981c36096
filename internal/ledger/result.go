// result.go -- Per-unit outcomes. Skips are values, not errors.
package ledger

import (
	"errors"

	"github.com/gofrs/uuid/v5"
)

// ErrInvalidDocument marks a sale document that cannot be processed as sent.
// Retrying cannot fix it.
var ErrInvalidDocument = errors.New("invalid sale document")

// ErrSaleNotFound is returned when a correlative is absent from the sales listing.
var ErrSaleNotFound = errors.New("sale not found upstream")

// Status is what happened to one unit.
type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// SkipReason explains a skipped unit.
type SkipReason string

const (
	ReasonMissingUnitCode SkipReason = "missing_unit_code"
	ReasonLotNotFound     SkipReason = "lot_not_found"
	ReasonAdvisorNotFound SkipReason = "advisor_not_found"
	ReasonContractExists  SkipReason = "contract_exists"
	ReasonUnknownStatus   SkipReason = "unknown_status"
)

// Schedule sources recorded on an Outcome.
const (
	ScheduleFromUpstream = "logicware"
	ScheduleLocal        = "local"
	ScheduleNone         = ""
)

// Outcome is the result of processing one unit line.
type Outcome struct {
	UnitCode   string
	Status     Status
	Reason     SkipReason // set when Status == StatusSkipped
	ContractID uuid.UUID  // set when Status == StatusCreated
	Err        error      // set when Status == StatusFailed

	ScheduleRows   int
	ScheduleSource string
}

func skipped(unit string, reason SkipReason) Outcome {
	return Outcome{UnitCode: unit, Status: StatusSkipped, Reason: reason}
}

// SyncReport summarises one sale document.
type SyncReport struct {
	Correlative string
	ClientID    uuid.UUID
	Outcomes    []Outcome
}

func (r SyncReport) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

func (r SyncReport) Created() int { return r.count(StatusCreated) }
func (r SyncReport) Updated() int { return r.count(StatusUpdated) }
func (r SyncReport) Skipped() int { return r.count(StatusSkipped) }
func (r SyncReport) Failed() int  { return r.count(StatusFailed) }

// RangeReport summarises a backfill over a date range.
type RangeReport struct {
	Documents int
	Reports   []SyncReport
	Errors    []error
	Degraded  bool
}
