package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/chkmate/server/internal/domain"
)

type fakeLedgerStore struct {
	entries    []domain.EscrowEntry
	retries    map[int64]*domain.SettlementRetry
	nextRetry  int64
	disbursed  bool
	recordErr  error
	balance    int64
	balanceErr error
}

func newFakeLedgerStore() *fakeLedgerStore {
	return &fakeLedgerStore{retries: make(map[int64]*domain.SettlementRetry)}
}

func (f *fakeLedgerStore) RecordEntry(_ context.Context, e domain.EscrowEntry) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeLedgerStore) HasDisbursement(context.Context, string, string) (bool, error) {
	return f.disbursed, nil
}

func (f *fakeLedgerStore) EscrowBalance(context.Context, string) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeLedgerStore) RecordRetry(_ context.Context, retry domain.SettlementRetry) (int64, error) {
	f.nextRetry++
	retry.ID = f.nextRetry
	f.retries[retry.ID] = &retry
	return retry.ID, nil
}

func (f *fakeLedgerStore) MarkRetrySettled(_ context.Context, id int64) error {
	r, ok := f.retries[id]
	if !ok {
		return errors.New("retry not found")
	}
	r.Settled = true
	return nil
}

func (f *fakeLedgerStore) BumpRetry(_ context.Context, id int64, lastError string) error {
	r, ok := f.retries[id]
	if !ok {
		return errors.New("retry not found")
	}
	r.Attempts++
	r.LastError = lastError
	return nil
}

type fakePublisher struct {
	published []domain.SettlementRetry
	err       error
}

func (f *fakePublisher) PublishRetry(_ context.Context, retry domain.SettlementRetry) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, retry)
	return nil
}

func newTestLedger(store *fakeLedgerStore, pub *fakePublisher) *Ledger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var publisher RetryPublisher
	if pub != nil {
		publisher = pub
	}
	return NewLedger(store, publisher, 1_000, logger)
}

func TestPayIn(t *testing.T) {
	store := newFakeLedgerStore()
	ledger := newTestLedger(store, nil)

	if err := ledger.PayIn(context.Background(), "m1", "0xAAA", 5_000); err != nil {
		t.Fatalf("PayIn() error: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(store.entries))
	}
	e := store.entries[0]
	if e.Type != domain.EntryPayIn || e.AmountWei != 5_000 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestPayInBelowMinimum(t *testing.T) {
	store := newFakeLedgerStore()
	ledger := newTestLedger(store, nil)

	err := ledger.PayIn(context.Background(), "m1", "0xAAA", 999)
	if !errors.Is(err, domain.ErrStakeBelowMinimum) {
		t.Fatalf("error = %v, want ErrStakeBelowMinimum", err)
	}
	if len(store.entries) != 0 {
		t.Fatal("rejected stake should not be recorded")
	}
}

func TestPayInRecordFailure(t *testing.T) {
	store := newFakeLedgerStore()
	store.recordErr = errors.New("connection refused")
	ledger := newTestLedger(store, nil)

	err := ledger.PayIn(context.Background(), "m1", "0xAAA", 5_000)
	if !errors.Is(err, domain.ErrPayInRejected) {
		t.Fatalf("error = %v, want ErrPayInRejected", err)
	}
	if len(store.retries) != 0 {
		t.Fatal("a rejected pay-in is the caller's problem, not a retry")
	}
}

func TestPayOut(t *testing.T) {
	store := newFakeLedgerStore()
	ledger := newTestLedger(store, nil)

	if err := ledger.PayOut(context.Background(), "m1", "0xAAA", 10_000); err != nil {
		t.Fatalf("PayOut() error: %v", err)
	}
	if len(store.entries) != 1 || store.entries[0].Type != domain.EntryPayOut {
		t.Fatalf("entries = %+v, want one pay_out", store.entries)
	}
}

func TestPayOutIdempotent(t *testing.T) {
	store := newFakeLedgerStore()
	store.disbursed = true
	ledger := newTestLedger(store, nil)

	if err := ledger.PayOut(context.Background(), "m1", "0xAAA", 10_000); err != nil {
		t.Fatalf("PayOut() error: %v", err)
	}
	if len(store.entries) != 0 {
		t.Fatal("repeat disbursement should be a no-op")
	}
}

func TestPayOutFailureQueuesRetry(t *testing.T) {
	store := newFakeLedgerStore()
	store.recordErr = errors.New("deadlock detected")
	pub := &fakePublisher{}
	ledger := newTestLedger(store, pub)

	err := ledger.PayOut(context.Background(), "m1", "0xAAA", 10_000)
	if !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("error = %v, want ErrSettlementFailed", err)
	}
	if len(store.retries) != 1 {
		t.Fatalf("retries = %d, want 1", len(store.retries))
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d, want 1", len(pub.published))
	}
	got := pub.published[0]
	if got.ID == 0 || got.Type != domain.EntryPayOut || got.AmountWei != 10_000 {
		t.Fatalf("published retry = %+v", got)
	}
}

func TestRefundFailureQueuesRetry(t *testing.T) {
	store := newFakeLedgerStore()
	store.recordErr = errors.New("timeout")
	ledger := newTestLedger(store, nil)

	err := ledger.Refund(context.Background(), "m1", "0xAAA", 5_000)
	if !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("error = %v, want ErrSettlementFailed", err)
	}
	if len(store.retries) != 1 {
		t.Fatalf("retries = %d, want 1 even with no publisher", len(store.retries))
	}
}

func TestReplayRetrySettles(t *testing.T) {
	store := newFakeLedgerStore()
	ledger := newTestLedger(store, nil)

	id, err := store.RecordRetry(context.Background(), domain.SettlementRetry{
		MatchID:   "m1",
		Address:   "0xAAA",
		AmountWei: 10_000,
		Type:      domain.EntryPayOut,
	})
	if err != nil {
		t.Fatalf("RecordRetry() error: %v", err)
	}

	retry := *store.retries[id]
	if err := ledger.ReplayRetry(context.Background(), retry); err != nil {
		t.Fatalf("ReplayRetry() error: %v", err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want the disbursement recorded", len(store.entries))
	}
	if !store.retries[id].Settled {
		t.Fatal("retry row should be closed")
	}
}

func TestReplayRetryBumpsOnFailure(t *testing.T) {
	store := newFakeLedgerStore()
	ledger := newTestLedger(store, nil)

	id, err := store.RecordRetry(context.Background(), domain.SettlementRetry{
		MatchID:   "m1",
		Address:   "0xAAA",
		AmountWei: 10_000,
		Type:      domain.EntryPayOut,
		Attempts:  1,
	})
	if err != nil {
		t.Fatalf("RecordRetry() error: %v", err)
	}

	store.recordErr = errors.New("still down")
	retry := *store.retries[id]
	replayErr := ledger.ReplayRetry(context.Background(), retry)
	if !errors.Is(replayErr, domain.ErrSettlementFailed) {
		t.Fatalf("error = %v, want ErrSettlementFailed", replayErr)
	}
	if store.retries[id].Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", store.retries[id].Attempts)
	}
	if store.retries[id].Settled {
		t.Fatal("failed replay must leave the retry pending")
	}
	if len(store.retries) != 1 {
		t.Fatalf("retries = %d, replay must not queue a second row", len(store.retries))
	}
}

func TestBalance(t *testing.T) {
	store := newFakeLedgerStore()
	store.balance = 7_500
	ledger := newTestLedger(store, nil)

	got, err := ledger.Balance(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if got != 7_500 {
		t.Fatalf("balance = %d, want 7500", got)
	}

	store.balanceErr = errors.New("query failed")
	if _, err := ledger.Balance(context.Background(), "m1"); !errors.Is(err, domain.ErrSettlementFailed) {
		t.Fatalf("error = %v, want ErrSettlementFailed", err)
	}
}
