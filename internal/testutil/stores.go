// stores.go
//
// Shared mock implementation of ledger.Store.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/gofrs/uuid/v5"
)

type txKey struct{}

// MockLedgerStore implements ledger.Store for tests.
//
// Always stateful...rows live in maps, like a real store, and InTx restores
// the pre-transaction state when fn fails.
// Use *Err fields to inject errors for specific operations.
type MockLedgerStore struct {
	// Error injection...zero value means no error
	GetClientErr      error
	CreateClientErr   error
	GetLotErr         error
	UpdateLotErr      error
	ListAdvisorsErr   error
	GetContractErr    error
	InsertScheduleErr error
	UpdateScheduleErr error
	// CreateContractHook runs before each contract insert; a non-nil return fails it.
	CreateContractHook func(c *store.Contract) error

	Clients   map[string]*store.Client // keyed by document number
	Lots      map[string]*store.Lot    // keyed by external code
	Advisors  []store.Employee
	Contracts []*store.Contract // insertion order
	Schedule  []*store.ScheduleRow

	// Counters for assertions.
	ListAdvisorsCalls int
	Commits           int
	Rollbacks         int

	mu sync.Mutex
}

// NewMockLedgerStore returns an empty store seeded with lots and advisors.
func NewMockLedgerStore(lots []*store.Lot, advisors []store.Employee) *MockLedgerStore {
	m := &MockLedgerStore{
		Clients:  make(map[string]*store.Client),
		Lots:     make(map[string]*store.Lot),
		Advisors: advisors,
	}
	for _, l := range lots {
		m.Lots[l.ExternalCode] = l
	}
	return m
}

type snapshot struct {
	clients   map[string]store.Client
	lots      map[string]store.Lot
	contracts []store.Contract
	schedule  []store.ScheduleRow
}

func (m *MockLedgerStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{clients: make(map[string]store.Client), lots: make(map[string]store.Lot)}
	for k, v := range m.Clients {
		s.clients[k] = *v
	}
	for k, v := range m.Lots {
		s.lots[k] = *v
	}
	for _, c := range m.Contracts {
		s.contracts = append(s.contracts, *c)
	}
	for _, r := range m.Schedule {
		s.schedule = append(s.schedule, *r)
	}
	return s
}

func (m *MockLedgerStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Clients = make(map[string]*store.Client)
	for k, v := range s.clients {
		v := v
		m.Clients[k] = &v
	}
	m.Lots = make(map[string]*store.Lot)
	for k, v := range s.lots {
		v := v
		m.Lots[k] = &v
	}
	m.Contracts = nil
	for i := range s.contracts {
		c := s.contracts[i]
		m.Contracts = append(m.Contracts, &c)
	}
	m.Schedule = nil
	for i := range s.schedule {
		r := s.schedule[i]
		m.Schedule = append(m.Schedule, &r)
	}
}

func (m *MockLedgerStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.restore(snap)
		m.mu.Lock()
		m.Rollbacks++
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.Commits++
	m.mu.Unlock()
	return nil
}

// --- Clients ---

func (m *MockLedgerStore) GetClientByDocument(_ context.Context, doc string) (*store.Client, error) {
	if m.GetClientErr != nil {
		return nil, m.GetClientErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Clients[doc]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MockLedgerStore) CreateClient(_ context.Context, c *store.Client) error {
	if m.CreateClientErr != nil {
		return m.CreateClientErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Clients[c.DocumentNumber]; ok {
		return store.ErrDuplicate
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.Clients[c.DocumentNumber] = &cp
	return nil
}

// --- Lots / advisors ---

func (m *MockLedgerStore) GetLotByExternalCode(_ context.Context, code string) (*store.Lot, error) {
	if m.GetLotErr != nil {
		return nil, m.GetLotErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Lots[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MockLedgerStore) UpdateLotStatus(_ context.Context, code, status string) error {
	if m.UpdateLotErr != nil {
		return m.UpdateLotErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Lots[code]
	if !ok {
		return store.ErrNotFound
	}
	l.Status = status
	l.UpdatedAt = time.Now()
	return nil
}

func (m *MockLedgerStore) ListAdvisors(_ context.Context) ([]store.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListAdvisorsCalls++
	if m.ListAdvisorsErr != nil {
		return nil, m.ListAdvisorsErr
	}
	return append([]store.Employee(nil), m.Advisors...), nil
}

// --- Contracts ---

func (m *MockLedgerStore) GetContractByLotID(_ context.Context, lotID uuid.UUID) (*store.Contract, error) {
	if m.GetContractErr != nil {
		return nil, m.GetContractErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Contracts {
		if c.LotID == lotID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockLedgerStore) ListContractsByCorrelative(_ context.Context, correlative string) ([]store.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Contract
	for _, c := range m.Contracts {
		if c.ExternalCorrelative == correlative {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *MockLedgerStore) CreateContract(_ context.Context, c *store.Contract) error {
	if m.CreateContractHook != nil {
		if err := m.CreateContractHook(c); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Contracts {
		if existing.LotID == c.LotID || existing.ContractNumber == c.ContractNumber {
			return store.ErrDuplicate
		}
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.Contracts = append(m.Contracts, &cp)
	return nil
}

// --- Schedule rows ---

func (m *MockLedgerStore) GetScheduleRowByDetailID(_ context.Context, detailID string) (*store.ScheduleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Schedule {
		if r.ExternalDetailID != nil && *r.ExternalDetailID == detailID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockLedgerStore) GetScheduleRowByNumber(_ context.Context, contractID uuid.UUID, number int) (*store.ScheduleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.Schedule {
		if r.ContractID == contractID && r.InstallmentNumber == number {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockLedgerStore) ListScheduleRows(_ context.Context, contractID uuid.UUID) ([]store.ScheduleRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ScheduleRow
	for _, r := range m.Schedule {
		if r.ContractID == contractID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MockLedgerStore) InsertScheduleRow(_ context.Context, r *store.ScheduleRow) error {
	if m.InsertScheduleErr != nil {
		return m.InsertScheduleErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Schedule {
		if existing.ContractID == r.ContractID && existing.InstallmentNumber == r.InstallmentNumber {
			return store.ErrDuplicate
		}
		if r.ExternalDetailID != nil && existing.ExternalDetailID != nil && *existing.ExternalDetailID == *r.ExternalDetailID {
			return store.ErrDuplicate
		}
	}
	r.UpdatedAt = time.Now()
	cp := *r
	m.Schedule = append(m.Schedule, &cp)
	return nil
}

// UpdateScheduleRow mirrors the SQL guard: a paid row stays paid and keeps
// its first paid_at; a nil detail id keeps the stored one.
func (m *MockLedgerStore) UpdateScheduleRow(_ context.Context, r *store.ScheduleRow) error {
	if m.UpdateScheduleErr != nil {
		return m.UpdateScheduleErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Schedule {
		if existing.ID != r.ID {
			continue
		}
		next := *r
		next.ContractID = existing.ContractID
		next.InstallmentNumber = existing.InstallmentNumber
		if next.ExternalDetailID == nil {
			next.ExternalDetailID = existing.ExternalDetailID
		}
		if existing.Status == store.SchedulePaid {
			next.Status = store.SchedulePaid
		}
		if existing.PaidAt != nil {
			next.PaidAt = existing.PaidAt
		}
		next.UpdatedAt = time.Now()
		*existing = next
		return nil
	}
	return store.ErrNotFound
}

// ScheduleFor returns a contract's rows ordered as inserted.
func (m *MockLedgerStore) ScheduleFor(contractID uuid.UUID) []store.ScheduleRow {
	rows, _ := m.ListScheduleRows(context.Background(), contractID)
	return rows
}
