// webhooks.go
//
// Shared mock of the webhook_logs and logicware_payments queries.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"github.com/gofrs/uuid/v5"
)

// MockWebhookStore implements the webhook package's store interfaces.
//
// Rows live in a map keyed by id. Every status change is appended to
// Transitions so tests can assert the exact state machine path.
type MockWebhookStore struct {
	// Error injection...zero value means no error
	CreateErr        error
	GetErr           error
	ClaimErr         error
	MarkErr          error
	PaymentExistsErr error
	InsertPaymentErr error

	Logs        map[uuid.UUID]*store.WebhookLog
	Payments    []*store.LogicwarePayment
	Transitions map[uuid.UUID][]string

	mu sync.Mutex
}

// NewMockWebhookStore returns an empty store.
func NewMockWebhookStore() *MockWebhookStore {
	return &MockWebhookStore{
		Logs:        make(map[uuid.UUID]*store.WebhookLog),
		Transitions: make(map[uuid.UUID][]string),
	}
}

// Seed inserts l directly, bypassing dedup.
func (m *MockWebhookStore) Seed(l *store.WebhookLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.Logs[l.ID] = &cp
	m.Transitions[l.ID] = append(m.Transitions[l.ID], l.Status)
}

// Log returns a copy of the row with id, or nil.
func (m *MockWebhookStore) Log(id uuid.UUID) *store.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Logs[id]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// Path returns the statuses row id has passed through, in order.
func (m *MockWebhookStore) Path(id uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Transitions[id]...)
}

func (m *MockWebhookStore) CreateWebhookLog(_ context.Context, l *store.WebhookLog) (bool, error) {
	if m.CreateErr != nil {
		return false, m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Logs {
		if existing.MessageID == l.MessageID {
			*l = *existing
			return false, nil
		}
	}
	now := time.Now()
	l.ReceivedAt, l.UpdatedAt = now, now
	cp := *l
	m.Logs[l.ID] = &cp
	m.Transitions[l.ID] = append(m.Transitions[l.ID], l.Status)
	return true, nil
}

func (m *MockWebhookStore) GetWebhookLog(_ context.Context, id uuid.UUID) (*store.WebhookLog, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	if l := m.Log(id); l != nil {
		return l, nil
	}
	return nil, store.ErrNotFound
}

func (m *MockWebhookStore) ClaimWebhookLog(_ context.Context, id uuid.UUID) error {
	if m.ClaimErr != nil {
		return m.ClaimErr
	}
	return m.transition(id, []string{store.WebhookReceived, store.WebhookFailed}, func(l *store.WebhookLog) {
		l.Status = store.WebhookProcessing
	})
}

func (m *MockWebhookStore) MarkWebhookProcessed(_ context.Context, id uuid.UUID, note *string) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	return m.transition(id, nil, func(l *store.WebhookLog) {
		now := time.Now()
		l.Status, l.ErrorMessage, l.Note, l.ProcessedAt = store.WebhookProcessed, nil, note, &now
	})
}

func (m *MockWebhookStore) MarkWebhookFailed(_ context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	return m.transition(id, nil, func(l *store.WebhookLog) {
		l.Status, l.ErrorMessage, l.RetryCount = store.WebhookFailed, &errMsg, retryCount
	})
}

func (m *MockWebhookStore) MarkWebhookFailedPermanently(_ context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	if m.MarkErr != nil {
		return m.MarkErr
	}
	return m.transition(id, nil, func(l *store.WebhookLog) {
		now := time.Now()
		l.Status, l.ErrorMessage, l.RetryCount, l.ProcessedAt = store.WebhookFailedPermanently, &errMsg, retryCount, &now
	})
}

func (m *MockWebhookStore) ResetWebhookForReplay(_ context.Context, id uuid.UUID) error {
	return m.transition(id, []string{store.WebhookFailed, store.WebhookFailedPermanently}, func(l *store.WebhookLog) {
		l.Status, l.RetryCount, l.ProcessedAt = store.WebhookReceived, 0, nil
	})
}

func (m *MockWebhookStore) RequeueStrandedWebhookLogs(_ context.Context, idleBefore, failedBefore time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stranded []*store.WebhookLog
	for _, l := range m.Logs {
		idle := (l.Status == store.WebhookReceived || l.Status == store.WebhookProcessing) && l.UpdatedAt.Before(idleBefore)
		lost := l.Status == store.WebhookFailed && l.UpdatedAt.Before(failedBefore)
		if idle || lost {
			stranded = append(stranded, l)
		}
	}
	sort.Slice(stranded, func(i, j int) bool { return stranded[i].UpdatedAt.Before(stranded[j].UpdatedAt) })
	if len(stranded) > limit {
		stranded = stranded[:limit]
	}
	ids := make([]uuid.UUID, 0, len(stranded))
	for _, l := range stranded {
		l.Status, l.UpdatedAt = store.WebhookReceived, time.Now()
		m.Transitions[l.ID] = append(m.Transitions[l.ID], l.Status)
		ids = append(ids, l.ID)
	}
	return ids, nil
}

// transition applies fn to row id when its status is one of from (any status
// when from is nil). Mirrors the SQL: a guard miss is ErrNotFound.
func (m *MockWebhookStore) transition(id uuid.UUID, from []string, fn func(l *store.WebhookLog)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Logs[id]
	if !ok {
		return store.ErrNotFound
	}
	if from != nil {
		allowed := false
		for _, s := range from {
			allowed = allowed || l.Status == s
		}
		if !allowed {
			return store.ErrNotFound
		}
	}
	fn(l)
	l.UpdatedAt = time.Now()
	m.Transitions[id] = append(m.Transitions[id], l.Status)
	return nil
}

// --- Payment audit ---

func (m *MockWebhookStore) PaymentExists(_ context.Context, messageID, paymentNumber, sourceID *string) (bool, error) {
	if m.PaymentExistsErr != nil {
		return false, m.PaymentExistsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.Payments {
		if sameKey(p.MessageID, messageID) || sameKey(p.PaymentNumber, paymentNumber) || sameKey(p.SourceID, sourceID) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockWebhookStore) InsertPayment(ctx context.Context, p *store.LogicwarePayment) error {
	if m.InsertPaymentErr != nil {
		return m.InsertPaymentErr
	}
	exists, _ := m.PaymentExists(ctx, p.MessageID, p.PaymentNumber, p.SourceID)
	if exists {
		return store.ErrDuplicate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.CreatedAt = time.Now()
	m.Payments = append(m.Payments, &cp)
	return nil
}

func sameKey(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}
