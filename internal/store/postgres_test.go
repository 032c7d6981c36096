package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// --- InTx ---

func TestInTx_RollsBackOnError(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	id := mustID(t)
	boom := errors.New("boom")
	err := testStore.InTx(ctx, func(ctx context.Context) error {
		c := &Client{ID: id, DocumentNumber: "TX-" + id.String()}
		if err := testStore.CreateClient(ctx, c); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	_, err = testStore.GetClientByDocument(ctx, "TX-"+id.String())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetClientByDocument after rollback = %v, want ErrNotFound", err)
	}
}

func TestInTx_NestedReusesOuter(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	id := mustID(t)
	doc := "NEST-" + id.String()
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM clients WHERE id = $1", id) })

	err := testStore.InTx(ctx, func(ctx context.Context) error {
		return testStore.InTx(ctx, func(ctx context.Context) error {
			return testStore.CreateClient(ctx, &Client{ID: id, DocumentNumber: doc})
		})
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if _, err := testStore.GetClientByDocument(ctx, doc); err != nil {
		t.Errorf("GetClientByDocument: %v", err)
	}
}

// TestInTx_DuplicateKeepsTransactionUsable verifies a duplicate insert inside
// a transaction reports ErrDuplicate without aborting it: later statements
// run and the transaction commits.
func TestInTx_DuplicateKeepsTransactionUsable(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	c := mustSeedContract(t, ctx, "COR-"+mustID(t).String(), "LTX-"+mustID(t).String())
	scheduleRow := func(number int) *ScheduleRow {
		return &ScheduleRow{
			ID: mustID(t), ContractID: c.ID, InstallmentNumber: number,
			InstallmentType: InstallmentFinancing, Status: SchedulePending, Source: SourceLocal,
		}
	}
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM payment_schedules WHERE contract_id = $1", c.ID) })

	err := testStore.InTx(ctx, func(ctx context.Context) error {
		dup := *c
		dup.ID = mustID(t)
		dup.ContractNumber = c.ContractNumber + "-B"
		if err := testStore.CreateContract(ctx, &dup); !errors.Is(err, ErrDuplicate) {
			t.Errorf("CreateContract in tx = %v, want ErrDuplicate", err)
		}
		if _, err := testStore.GetContractByLotID(ctx, c.LotID); err != nil {
			return err
		}

		if err := testStore.InsertScheduleRow(ctx, scheduleRow(1)); err != nil {
			return err
		}
		if err := testStore.InsertScheduleRow(ctx, scheduleRow(1)); !errors.Is(err, ErrDuplicate) {
			t.Errorf("duplicate InsertScheduleRow in tx = %v, want ErrDuplicate", err)
		}
		if _, err := testStore.GetScheduleRowByNumber(ctx, c.ID, 1); err != nil {
			return err
		}
		return testStore.InsertScheduleRow(ctx, scheduleRow(2))
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	rows, err := testStore.ListScheduleRows(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListScheduleRows: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("committed rows = %d, want 2", len(rows))
	}
}

// --- Clients / lots ---

func TestCreateClient_Duplicate(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	first := &Client{ID: mustID(t), DocumentNumber: "DUP-" + mustID(t).String()}
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM clients WHERE id = $1", first.ID) })
	if err := testStore.CreateClient(ctx, first); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	second := &Client{ID: mustID(t), DocumentNumber: first.DocumentNumber}
	if err := testStore.CreateClient(ctx, second); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second CreateClient = %v, want ErrDuplicate", err)
	}
}

func TestUpdateLotStatus(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	code := "LOT-" + mustID(t).String()
	lotID := mustID(t)
	if _, err := testStore.pool.Exec(ctx, "INSERT INTO lots (id, external_code) VALUES ($1, $2)", lotID, code); err != nil {
		t.Fatalf("inserting lot: %v", err)
	}
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM lots WHERE id = $1", lotID) })

	if err := testStore.UpdateLotStatus(ctx, code, LotSold); err != nil {
		t.Fatalf("UpdateLotStatus: %v", err)
	}
	lot, err := testStore.GetLotByExternalCode(ctx, code)
	if err != nil {
		t.Fatalf("GetLotByExternalCode: %v", err)
	}
	if lot.Status != LotSold {
		t.Errorf("Status = %q, want %q", lot.Status, LotSold)
	}

	if err := testStore.UpdateLotStatus(ctx, "NO-SUCH-LOT", LotSold); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown lot = %v, want ErrNotFound", err)
	}
}

// --- Contracts / schedules ---

func TestCreateContract_LotAlreadyBound(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	c := mustSeedContract(t, ctx, "COR-"+mustID(t).String(), "L1-"+mustID(t).String())

	dup := *c
	dup.ID = mustID(t)
	dup.ContractNumber = c.ContractNumber + "-B"
	if err := testStore.CreateContract(ctx, &dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second contract for lot = %v, want ErrDuplicate", err)
	}

	got, err := testStore.GetContractByLotID(ctx, c.LotID)
	if err != nil {
		t.Fatalf("GetContractByLotID: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("contract id = %s, want %s", got.ID, c.ID)
	}
}

func TestUpdateScheduleRow_PaidNeverRegresses(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	c := mustSeedContract(t, ctx, "COR-"+mustID(t).String(), "L2-"+mustID(t).String())
	paidAt := time.Now().UTC().Truncate(time.Second)

	row := &ScheduleRow{
		ID:                mustID(t),
		ContractID:        c.ID,
		InstallmentNumber: 1,
		ExternalDetailID:  strPtr("D-" + mustID(t).String()),
		InstallmentType:   InstallmentFinancing,
		Amount:            decimal.RequireFromString("500.00"),
		PaidAmount:        decimal.RequireFromString("500.00"),
		Status:            SchedulePaid,
		PaidAt:            &paidAt,
		Source:            SourceLogicware,
	}
	if err := testStore.InsertScheduleRow(ctx, row); err != nil {
		t.Fatalf("InsertScheduleRow: %v", err)
	}

	stale := *row
	stale.Status = SchedulePending
	stale.PaidAt = nil
	stale.PaidAmount = decimal.Zero
	if err := testStore.UpdateScheduleRow(ctx, &stale); err != nil {
		t.Fatalf("UpdateScheduleRow: %v", err)
	}

	got, err := testStore.GetScheduleRowByDetailID(ctx, *row.ExternalDetailID)
	if err != nil {
		t.Fatalf("GetScheduleRowByDetailID: %v", err)
	}
	if got.Status != SchedulePaid {
		t.Errorf("Status = %q, want %q", got.Status, SchedulePaid)
	}
	if got.PaidAt == nil {
		t.Error("PaidAt cleared, want preserved")
	}
}

func TestInsertScheduleRow_DuplicateNumber(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	c := mustSeedContract(t, ctx, "COR-"+mustID(t).String(), "L3-"+mustID(t).String())
	row := func() *ScheduleRow {
		return &ScheduleRow{
			ID: mustID(t), ContractID: c.ID, InstallmentNumber: 3,
			InstallmentType: InstallmentFinancing, Status: SchedulePending, Source: SourceLocal,
		}
	}
	if err := testStore.InsertScheduleRow(ctx, row()); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := testStore.InsertScheduleRow(ctx, row()); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second insert = %v, want ErrDuplicate", err)
	}

	rows, err := testStore.ListScheduleRows(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListScheduleRows: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len(rows) = %d, want 1", len(rows))
	}
}

// --- Webhook log ---

func TestCreateWebhookLog_Dedup(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	msgID := "msg-" + mustID(t).String()
	first := &WebhookLog{ID: mustID(t), MessageID: msgID, EventType: "unit.updated", Payload: []byte(`{}`), Status: WebhookReceived}
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM webhook_logs WHERE message_id = $1", msgID) })

	created, err := testStore.CreateWebhookLog(ctx, first)
	if err != nil {
		t.Fatalf("CreateWebhookLog: %v", err)
	}
	if !created {
		t.Fatal("first insert: created = false, want true")
	}

	second := &WebhookLog{ID: mustID(t), MessageID: msgID, EventType: "unit.updated", Payload: []byte(`{}`), Status: WebhookReceived}
	created, err = testStore.CreateWebhookLog(ctx, second)
	if err != nil {
		t.Fatalf("CreateWebhookLog (dup): %v", err)
	}
	if created {
		t.Error("duplicate insert: created = true, want false")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned id %s, want existing %s", second.ID, first.ID)
	}
}

func TestWebhookLog_Lifecycle(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	l := &WebhookLog{ID: mustID(t), MessageID: "life-" + mustID(t).String(), EventType: "schedule.created", Payload: []byte(`{}`), Status: WebhookReceived}
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM webhook_logs WHERE id = $1", l.ID) })
	if _, err := testStore.CreateWebhookLog(ctx, l); err != nil {
		t.Fatalf("CreateWebhookLog: %v", err)
	}

	if err := testStore.ResetWebhookForReplay(ctx, l.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("replay of received row = %v, want ErrNotFound", err)
	}

	if err := testStore.ClaimWebhookLog(ctx, l.ID); err != nil {
		t.Fatalf("ClaimWebhookLog: %v", err)
	}
	if err := testStore.ClaimWebhookLog(ctx, l.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second claim = %v, want ErrNotFound", err)
	}
	if err := testStore.MarkWebhookFailedPermanently(ctx, l.ID, "upstream 404", 1); err != nil {
		t.Fatalf("MarkWebhookFailedPermanently: %v", err)
	}

	got, err := testStore.GetWebhookLog(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetWebhookLog: %v", err)
	}
	if got.Status != WebhookFailedPermanently || got.RetryCount != 1 {
		t.Errorf("got status=%q retry=%d, want failed_permanently/1", got.Status, got.RetryCount)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt not set on terminal failure")
	}

	if err := testStore.ResetWebhookForReplay(ctx, l.ID); err != nil {
		t.Fatalf("ResetWebhookForReplay: %v", err)
	}
	got, _ = testStore.GetWebhookLog(ctx, l.ID)
	if got.Status != WebhookReceived || got.RetryCount != 0 {
		t.Errorf("after replay status=%q retry=%d, want received/0", got.Status, got.RetryCount)
	}
}

func TestRequeueStrandedWebhookLogs(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	mk := func(status string) *WebhookLog {
		l := &WebhookLog{ID: mustID(t), MessageID: "stranded-" + mustID(t).String(), EventType: "unit.updated",
			Payload: []byte(`{}`), Status: WebhookReceived}
		if _, err := testStore.CreateWebhookLog(ctx, l); err != nil {
			t.Fatalf("CreateWebhookLog: %v", err)
		}
		t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM webhook_logs WHERE id = $1", l.ID) })
		testStore.pool.Exec(ctx, "UPDATE webhook_logs SET status = $2, updated_at = now() - interval '2 hours' WHERE id = $1",
			l.ID, status)
		return l
	}
	stuck := mk(WebhookProcessing)
	retrying := mk(WebhookFailed)
	done := mk(WebhookProcessed)

	// Failed rows are only stranded past the longer threshold.
	ids, err := testStore.RequeueStrandedWebhookLogs(ctx, time.Now().Add(-time.Hour), time.Now().Add(-3*time.Hour), 100)
	if err != nil {
		t.Fatalf("RequeueStrandedWebhookLogs: %v", err)
	}
	found := map[uuid.UUID]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[stuck.ID] {
		t.Error("processing row idle for 2h was not requeued")
	}
	if found[retrying.ID] || found[done.ID] {
		t.Error("failed row inside its window or processed row was requeued")
	}

	got, _ := testStore.GetWebhookLog(ctx, stuck.ID)
	if got.Status != WebhookReceived {
		t.Errorf("requeued row status = %q, want received", got.Status)
	}
}

func TestPaymentAudit_Dedup(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	num := "PAY-" + mustID(t).String()
	p := &LogicwarePayment{ID: mustID(t), PaymentNumber: &num, Payload: []byte(`{}`)}
	t.Cleanup(func() { testStore.pool.Exec(ctx, "DELETE FROM logicware_payments WHERE payment_number = $1", num) })

	exists, err := testStore.PaymentExists(ctx, nil, &num, nil)
	if err != nil {
		t.Fatalf("PaymentExists: %v", err)
	}
	if exists {
		t.Fatal("exists before insert")
	}

	if err := testStore.InsertPayment(ctx, p); err != nil {
		t.Fatalf("InsertPayment: %v", err)
	}
	exists, _ = testStore.PaymentExists(ctx, strPtr("other-msg"), &num, nil)
	if !exists {
		t.Error("PaymentExists = false after insert, want true")
	}

	dup := &LogicwarePayment{ID: mustID(t), PaymentNumber: &num, Payload: []byte(`{}`)}
	if err := testStore.InsertPayment(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate InsertPayment = %v, want ErrDuplicate", err)
	}
}
