// Package escrow settles match stakes against the wager contract's
// escrow, recording every movement in the ledger.
package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chkmate/server/internal/domain"
)

// Gateway moves stakes in and out of a match's escrow.
type Gateway interface {
	// MinimumStake returns the contract's minimum wager in wei.
	MinimumStake() int64
	// PayIn locks a participant's stake. Stakes below the minimum are
	// rejected with domain.ErrStakeBelowMinimum; contract rejections
	// surface as domain.ErrPayInRejected.
	PayIn(ctx context.Context, matchID, address string, amountWei int64) error
	// PayOut releases amountWei to the winner. It is idempotent per
	// (match, address): a repeat call is a no-op.
	PayOut(ctx context.Context, matchID, address string, amountWei int64) error
	// Refund returns amountWei to a participant. Idempotent like PayOut.
	Refund(ctx context.Context, matchID, address string, amountWei int64) error
	// Balance returns the wei still held for a match.
	Balance(ctx context.Context, matchID string) (int64, error)
}

// LedgerStore is the persistence needed by the ledger gateway.
type LedgerStore interface {
	RecordEntry(ctx context.Context, e domain.EscrowEntry) error
	HasDisbursement(ctx context.Context, matchID, address string) (bool, error)
	EscrowBalance(ctx context.Context, matchID string) (int64, error)
	RecordRetry(ctx context.Context, retry domain.SettlementRetry) (int64, error)
	MarkRetrySettled(ctx context.Context, id int64) error
	BumpRetry(ctx context.Context, id int64, lastError string) error
}

// RetryPublisher queues a failed disbursement for out-of-band replay.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, retry domain.SettlementRetry) error
}

// Ledger is a Gateway that treats the escrow ledger as authoritative.
// Disbursements that cannot be recorded are queued for replay instead of
// being lost.
type Ledger struct {
	store     LedgerStore
	publisher RetryPublisher
	minimum   int64
	logger    *slog.Logger
}

// NewLedger creates a ledger-backed gateway. publisher may be nil when
// the retry topic is disabled.
func NewLedger(store LedgerStore, publisher RetryPublisher, minimumStakeWei int64, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		publisher: publisher,
		minimum:   minimumStakeWei,
		logger:    logger,
	}
}

// MinimumStake implements Gateway.
func (l *Ledger) MinimumStake() int64 {
	return l.minimum
}

// PayIn implements Gateway.
func (l *Ledger) PayIn(ctx context.Context, matchID, address string, amountWei int64) error {
	if amountWei < l.minimum {
		return fmt.Errorf("%w: %d wei below minimum %d", domain.ErrStakeBelowMinimum, amountWei, l.minimum)
	}

	entry := domain.EscrowEntry{
		MatchID:   matchID,
		Address:   address,
		AmountWei: amountWei,
		Type:      domain.EntryPayIn,
	}
	if err := l.store.RecordEntry(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPayInRejected, err)
	}

	l.logger.Info("stake paid in",
		"match_id", matchID,
		"address", address,
		"amount_wei", amountWei,
	)
	return nil
}

// PayOut implements Gateway.
func (l *Ledger) PayOut(ctx context.Context, matchID, address string, amountWei int64) error {
	return l.disburse(ctx, matchID, address, amountWei, domain.EntryPayOut)
}

// Refund implements Gateway.
func (l *Ledger) Refund(ctx context.Context, matchID, address string, amountWei int64) error {
	return l.disburse(ctx, matchID, address, amountWei, domain.EntryRefund)
}

func (l *Ledger) disburse(ctx context.Context, matchID, address string, amountWei int64, typ domain.EntryType) error {
	if err := l.apply(ctx, matchID, address, amountWei, typ); err != nil {
		return l.queueRetry(ctx, matchID, address, amountWei, typ, err)
	}
	return nil
}

// apply records the disbursement without queueing a retry on failure.
func (l *Ledger) apply(ctx context.Context, matchID, address string, amountWei int64, typ domain.EntryType) error {
	done, err := l.store.HasDisbursement(ctx, matchID, address)
	if err != nil {
		return err
	}
	if done {
		l.logger.Info("disbursement already settled",
			"match_id", matchID,
			"address", address,
			"type", string(typ),
		)
		return nil
	}

	entry := domain.EscrowEntry{
		MatchID:   matchID,
		Address:   address,
		AmountWei: amountWei,
		Type:      typ,
	}
	if err := l.store.RecordEntry(ctx, entry); err != nil {
		return err
	}

	l.logger.Info("stake disbursed",
		"match_id", matchID,
		"address", address,
		"amount_wei", amountWei,
		"type", string(typ),
	)
	return nil
}

// ReplayRetry re-attempts a queued disbursement. On success the retry
// row is closed; on failure its attempt count is bumped and it stays
// pending for the next replay round.
func (l *Ledger) ReplayRetry(ctx context.Context, retry domain.SettlementRetry) error {
	if err := l.apply(ctx, retry.MatchID, retry.Address, retry.AmountWei, retry.Type); err != nil {
		if retry.ID != 0 {
			if bumpErr := l.store.BumpRetry(ctx, retry.ID, err.Error()); bumpErr != nil {
				l.logger.Error("failed to bump retry", "retry_id", retry.ID, "error", bumpErr)
			}
		}
		return fmt.Errorf("%w: replaying %s: %v", domain.ErrSettlementFailed, retry.Type, err)
	}
	if retry.ID != 0 {
		if err := l.store.MarkRetrySettled(ctx, retry.ID); err != nil {
			l.logger.Error("failed to mark retry settled", "retry_id", retry.ID, "error", err)
		}
	}
	return nil
}

// queueRetry records the failed disbursement for replay. The match still
// ends; only the payment is deferred.
func (l *Ledger) queueRetry(ctx context.Context, matchID, address string, amountWei int64, typ domain.EntryType, cause error) error {
	retry := domain.SettlementRetry{
		MatchID:   matchID,
		Address:   address,
		AmountWei: amountWei,
		Type:      typ,
		Attempts:  1,
		LastError: cause.Error(),
	}

	if id, err := l.store.RecordRetry(ctx, retry); err != nil {
		l.logger.Error("failed to record settlement retry", "match_id", matchID, "error", err)
	} else {
		retry.ID = id
	}

	if l.publisher != nil {
		if err := l.publisher.PublishRetry(ctx, retry); err != nil {
			l.logger.Error("failed to publish settlement retry", "match_id", matchID, "error", err)
		}
	}

	return fmt.Errorf("%w: %s for %s: %v", domain.ErrSettlementFailed, typ, address, cause)
}

// Balance implements Gateway.
func (l *Ledger) Balance(ctx context.Context, matchID string) (int64, error) {
	balance, err := l.store.EscrowBalance(ctx, matchID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrSettlementFailed, err)
	}
	return balance, nil
}
