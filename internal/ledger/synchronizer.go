// synchronizer.go -- Turns upstream sale documents into clients, contracts
// and payment schedules.
//
// Each unit line runs in its own transaction, so one failed unit never
// rolls back its siblings. Expected conditions (missing lot, unmatched
// advisor, existing contract) are skip outcomes, not errors.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/metrics"
	"github.com/MGallo-Code/ledgersync/internal/resolver"
	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/MGallo-Code/ledgersync/internal/upstream"
	"github.com/gofrs/uuid/v5"
)

// Synchronizer creates ledger entities from sale documents.
type Synchronizer struct {
	store      Store
	upstream   Upstream
	reconciler *Reconciler
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewSynchronizer returns a Synchronizer. m may be nil.
func NewSynchronizer(st Store, up Upstream, rec *Reconciler, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{store: st, upstream: up, reconciler: rec, metrics: m, now: time.Now}
}

// SyncSale processes every unit of doc. Per-unit results are in the report.
// It returns an error when the document is unusable, the client cannot be
// resolved, or any unit failed. Units created before a failure stay committed
// and are skipped as contract_exists on the next attempt.
func (s *Synchronizer) SyncSale(ctx context.Context, doc upstream.SaleDocument) (SyncReport, error) {
	report := SyncReport{Correlative: doc.Correlative}
	if err := validateDocument(doc); err != nil {
		return report, err
	}
	log := slog.With("correlative", doc.Correlative)

	client, err := s.resolveClient(ctx, doc.Client)
	if err != nil {
		return report, fmt.Errorf("resolving client %s: %w", doc.Client.DocumentNumber, err)
	}
	report.ClientID = client.ID

	advisor := s.advisorLookup(doc.Seller)

	var errs []error
	for _, unit := range doc.Units {
		out := s.syncUnit(ctx, doc, unit, client, advisor)
		switch out.Status {
		case StatusSkipped:
			log.Warn("unit skipped", "unit", out.UnitCode, "reason", out.Reason)
		case StatusFailed:
			log.Error("unit failed", "unit", out.UnitCode, "error", out.Err)
			errs = append(errs, fmt.Errorf("unit %s: %w", out.UnitCode, out.Err))
		case StatusCreated:
			log.Info("contract created", "unit", out.UnitCode, "contract", out.ContractID,
				"schedule_rows", out.ScheduleRows, "schedule_source", out.ScheduleSource)
		}
		s.metrics.SyncUnit(string(out.Status))
		report.Outcomes = append(report.Outcomes, out)
	}

	if len(errs) > 0 {
		return report, fmt.Errorf("sale %s: %d of %d units failed: %w",
			doc.Correlative, len(errs), len(doc.Units), errors.Join(errs...))
	}
	return report, nil
}

// SyncSalesRange backfills every sale document dated within [from, to].
// Document failures are collected; the range keeps going.
func (s *Synchronizer) SyncSalesRange(ctx context.Context, from, to time.Time) (RangeReport, error) {
	docs, meta, err := s.upstream.Sales(ctx, from, to, true)
	if err != nil {
		return RangeReport{}, fmt.Errorf("listing sales: %w", err)
	}
	rr := RangeReport{Documents: len(docs), Degraded: meta.Degraded}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return rr, err
		}
		rep, err := s.SyncSale(ctx, doc)
		rr.Reports = append(rr.Reports, rep)
		if err != nil {
			rr.Errors = append(rr.Errors, fmt.Errorf("%s: %w", doc.Correlative, err))
		}
	}
	return rr, nil
}

// SaleByCorrelative finds one document in the sales listing for day. A miss
// on the cached listing is retried once with a forced read, since the sale
// may be newer than the cache entry.
func (s *Synchronizer) SaleByCorrelative(ctx context.Context, correlative string, day time.Time) (*upstream.SaleDocument, error) {
	for _, force := range []bool{false, true} {
		docs, meta, err := s.upstream.Sales(ctx, day, day, force)
		if err != nil {
			return nil, fmt.Errorf("listing sales: %w", err)
		}
		for i := range docs {
			if docs[i].Correlative == correlative {
				return &docs[i], nil
			}
		}
		if meta.Degraded {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrSaleNotFound, correlative, day.Format("2006-01-02"))
}

// ApplyUnitStatus maps an upstream unit status onto the lot. Unknown
// statuses and unknown lots are skips.
func (s *Synchronizer) ApplyUnitStatus(ctx context.Context, unitCode, upstreamStatus string) (Outcome, error) {
	status, ok := LotStatus(upstreamStatus)
	if !ok {
		return skipped(unitCode, ReasonUnknownStatus), nil
	}
	err := s.store.UpdateLotStatus(ctx, unitCode, status)
	if errors.Is(err, store.ErrNotFound) {
		return skipped(unitCode, ReasonLotNotFound), nil
	}
	if err != nil {
		return Outcome{UnitCode: unitCode, Status: StatusFailed, Err: err}, err
	}
	return Outcome{UnitCode: unitCode, Status: StatusUpdated}, nil
}

// ApplyStock applies the status of every unit in a stock listing to its lot.
// Store failures are collected; the pass keeps going.
func (s *Synchronizer) ApplyStock(ctx context.Context, units []upstream.StockUnit) (SyncReport, error) {
	var (
		report SyncReport
		errs   []error
	)
	for _, u := range units {
		code := strings.TrimSpace(u.UnitCode)
		if code == "" {
			report.Outcomes = append(report.Outcomes, skipped(code, ReasonMissingUnitCode))
			continue
		}
		out, err := s.ApplyUnitStatus(ctx, code, u.Status)
		if err != nil {
			errs = append(errs, fmt.Errorf("unit %s: %w", code, err))
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report, errors.Join(errs...)
}

// LotStatus maps upstream unit statuses (Spanish or English) to lot statuses.
func LotStatus(upstreamStatus string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(upstreamStatus)) {
	case "disponible", "available", "libre":
		return store.LotAvailable, true
	case "separado", "reservado", "reserved", "separated":
		return store.LotReserved, true
	case "vendido", "sold":
		return store.LotSold, true
	case "bloqueado", "blocked":
		return store.LotBlocked, true
	}
	return "", false
}

func validateDocument(doc upstream.SaleDocument) error {
	switch {
	case strings.TrimSpace(doc.Correlative) == "":
		return fmt.Errorf("%w: missing correlative", ErrInvalidDocument)
	case strings.TrimSpace(doc.Client.DocumentNumber) == "":
		return fmt.Errorf("%w: %s has no client document number", ErrInvalidDocument, doc.Correlative)
	case len(doc.Units) == 0:
		return fmt.Errorf("%w: %s has no units", ErrInvalidDocument, doc.Correlative)
	}
	return nil
}

// resolveClient looks the client up by document number and creates it with
// the fields present when missing.
func (s *Synchronizer) resolveClient(ctx context.Context, in upstream.SaleClient) (*store.Client, error) {
	docNum := strings.TrimSpace(in.DocumentNumber)
	c, err := s.store.GetClientByDocument(ctx, docNum)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating client id: %w", err)
	}
	c = &store.Client{
		ID:             id,
		DocumentNumber: docNum,
		DocumentType:   optional(in.DocumentType),
		FullName:       optional(in.FullName),
		Email:          optional(in.Email),
		Phone:          optional(in.Phone),
	}
	err = s.store.CreateClient(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		return s.store.GetClientByDocument(ctx, docNum)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("client created", "client", c.ID, "document", docNum)
	return c, nil
}

// advisorLookup resolves the seller at most once per document, on the
// first unit that needs it.
func (s *Synchronizer) advisorLookup(seller string) func(ctx context.Context) (*resolver.Match, error) {
	var (
		done  bool
		match *resolver.Match
	)
	return func(ctx context.Context) (*resolver.Match, error) {
		if done {
			return match, nil
		}
		employees, err := s.store.ListAdvisors(ctx)
		if err != nil {
			return nil, err
		}
		candidates := make([]resolver.Candidate, len(employees))
		for i, e := range employees {
			candidates[i] = resolver.Candidate{ID: e.ID, FirstName: e.FirstName, LastName: e.LastName}
		}
		if m, ok := resolver.Resolve(seller, candidates); ok {
			match = &m
		}
		done = true
		return match, nil
	}
}

// syncUnit creates the contract for one unit in its own transaction, then
// attaches a schedule.
func (s *Synchronizer) syncUnit(ctx context.Context, doc upstream.SaleDocument, unit upstream.SaleUnit,
	client *store.Client, advisor func(context.Context) (*resolver.Match, error)) Outcome {

	code := strings.TrimSpace(unit.UnitCode)
	if code == "" {
		return skipped(code, ReasonMissingUnitCode)
	}

	var (
		out      Outcome
		contract *store.Contract
	)
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		lot, err := s.store.GetLotByExternalCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			out = skipped(code, ReasonLotNotFound)
			return nil
		}
		if err != nil {
			return err
		}

		match, err := advisor(ctx)
		if err != nil {
			return fmt.Errorf("listing advisors: %w", err)
		}
		if match == nil {
			slog.Warn("seller did not match any advisor", "correlative", doc.Correlative, "seller", doc.Seller)
			out = skipped(code, ReasonAdvisorNotFound)
			return nil
		}

		_, err = s.store.GetContractByLotID(ctx, lot.ID)
		if err == nil {
			out = skipped(code, ReasonContractExists)
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		c, err := newContract(doc, unit, client.ID, lot.ID, match.Candidate.ID)
		if err != nil {
			return err
		}
		err = s.store.CreateContract(ctx, c)
		if errors.Is(err, store.ErrDuplicate) {
			out = skipped(code, ReasonContractExists)
			return nil
		}
		if err != nil {
			return err
		}
		contract = c
		out = Outcome{UnitCode: code, Status: StatusCreated, ContractID: c.ID}
		return nil
	})
	if err != nil {
		return Outcome{UnitCode: code, Status: StatusFailed, Err: err}
	}

	if contract != nil {
		out.ScheduleRows, out.ScheduleSource = s.attachSchedule(ctx, contract, doc, unit.Financing)
	}
	return out
}

// attachSchedule reconciles from upstream and falls back to a local
// schedule on any failure. It never fails; problems are logged.
func (s *Synchronizer) attachSchedule(ctx context.Context, c *store.Contract, doc upstream.SaleDocument, f *upstream.Financing) (int, string) {
	log := slog.With("correlative", doc.Correlative, "contract", c.ContractNumber)

	n, err := s.reconciler.Reconcile(ctx, c, doc.Correlative)
	if err == nil && n > 0 {
		return n, ScheduleFromUpstream
	}
	if err != nil {
		log.Warn("schedule reconcile failed, building local schedule", "error", err)
	} else {
		log.Warn("upstream schedule empty, building local schedule")
	}

	existing, err := s.store.ListScheduleRows(ctx, c.ID)
	if err != nil {
		log.Error("local schedule: listing rows failed", "error", err)
		return 0, ScheduleNone
	}
	if len(existing) > 0 {
		return 0, ScheduleNone
	}

	start := s.now().UTC()
	if c.SaleDate != nil {
		start = *c.SaleDate
	}
	rows, err := BuildSchedule(c, f, start)
	if err != nil {
		log.Error("local schedule: build failed", "error", err)
		return 0, ScheduleNone
	}
	if len(rows) == 0 {
		log.Warn("local schedule: no financing data")
		return 0, ScheduleNone
	}

	written := 0
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		for i := range rows {
			if err := s.store.InsertScheduleRow(ctx, &rows[i]); err != nil && !errors.Is(err, store.ErrDuplicate) {
				return err
			} else if err == nil {
				written++
			}
		}
		return nil
	})
	if err != nil {
		log.Error("local schedule: insert failed", "error", err)
		return 0, ScheduleNone
	}
	return written, ScheduleLocal
}

// newContract copies pricing and financing from the unit line. Absent
// numbers stay NULL.
func newContract(doc upstream.SaleDocument, unit upstream.SaleUnit, clientID, lotID, advisorID uuid.UUID) (*store.Contract, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating contract id: %w", err)
	}
	c := &store.Contract{
		ID:                  id,
		ContractNumber:      doc.Correlative + "-" + strings.TrimSpace(unit.UnitCode),
		ClientID:            clientID,
		LotID:               lotID,
		AdvisorID:           advisorID,
		ExternalCorrelative: doc.Correlative,
		SaleDate:            doc.SaleDate.Ptr(),
		Currency:            optional(doc.Currency),
		ListPrice:           unit.ListPrice,
		Discount:            unit.Discount,
		TotalPrice:          unit.TotalPrice,
		Status:              "active",
		Source:              store.SourceLogicware,
	}
	if f := unit.Financing; f != nil {
		c.DownPayment = f.DownPayment
		c.FinancedAmount = f.FinancedAmount
		c.TermMonths = f.Term
		c.InstallmentAmount = f.InstallmentAmount
		c.InterestRate = f.InterestRate
		c.BalloonPayment = f.BalloonPayment
		c.BPPBonus = f.BPPBonus
	}
	return c, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
