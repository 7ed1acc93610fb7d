// Package match implements the wager match lifecycle: create, join,
// moves, clocks, and termination with stake settlement.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/chkmate/server/internal/domain"
	"github.com/chkmate/server/internal/engine"
	"github.com/chkmate/server/internal/escrow"
	"github.com/chkmate/server/internal/store"
)

// Archiver stores the durable record of a finished match.
type Archiver interface {
	ArchiveMatch(ctx context.Context, m *domain.Match) error
}

// Options tunes lifecycle behavior.
type Options struct {
	// MaxMissedTurns is how many consecutive expired clocks a
	// participant survives before forfeiting. On expiry short of the
	// limit a random legal move is played on their behalf.
	MaxMissedTurns int
	// JoinWindow is how long an unjoined match stays open.
	JoinWindow time.Duration
}

// Service drives the match state machine. All writes go through the
// store's version check, so two coordinators never clobber each other.
type Service struct {
	store     store.MatchStore
	escrow    escrow.Gateway
	validator engine.Validator
	archiver  Archiver
	opts      Options
	logger    *slog.Logger

	// Seams for tests.
	now       func() time.Time
	newID     func() string
	pickIndex func(n int) int
}

// NewService creates the match service. archiver may be nil when no
// durable archive is configured.
func NewService(st store.MatchStore, gw escrow.Gateway, validator engine.Validator, archiver Archiver, opts Options, logger *slog.Logger) *Service {
	if opts.MaxMissedTurns <= 0 {
		opts.MaxMissedTurns = 2
	}
	if opts.JoinWindow <= 0 {
		opts.JoinWindow = 30 * time.Minute
	}
	return &Service{
		store:     st,
		escrow:    gw,
		validator: validator,
		archiver:  archiver,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		pickIndex: rand.IntN,
	}
}

// CreateMatch opens a match and locks the creator's stake. The document
// is written first so the join code exists the moment funds clear; if
// the pay-in is rejected the document is deleted again. A nil theme gets
// random board colors.
func (s *Service) CreateMatch(ctx context.Context, creatorAddress string, stakeWei int64, theme *domain.BoardTheme) (*domain.Match, error) {
	if stakeWei < s.escrow.MinimumStake() {
		return nil, fmt.Errorf("%w: %d wei below minimum %d",
			domain.ErrStakeBelowMinimum, stakeWei, s.escrow.MinimumStake())
	}
	if theme == nil {
		t := domain.RandomTheme()
		theme = &t
	}

	now := s.now()
	id := s.newID()
	m := &domain.Match{
		ID:                 id,
		ShortCode:          domain.ShortCodeFromID(id),
		StakeWei:           stakeWei,
		CreatorAddress:     creatorAddress,
		CurrentTurnAddress: creatorAddress,
		BoardPosition:      engine.StartingFEN,
		Theme:              *theme,
		CreatedAt:          now,
		LastTurnChangedAt:  now,
		UpdatedAt:          now,
		Version:            1,
	}

	if err := s.store.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("creating match: %w", err)
	}

	if err := s.escrow.PayIn(ctx, m.ID, creatorAddress, stakeWei); err != nil {
		// Compensate: the match must not be joinable without funds.
		if delErr := s.store.Delete(ctx, m.ID); delErr != nil {
			s.logger.Error("failed to delete unfunded match",
				"match_id", m.ID, "error", delErr)
		}
		return nil, err
	}

	s.logger.Info("match created",
		"match_id", m.ID,
		"short_code", m.ShortCode,
		"creator", creatorAddress,
		"stake_wei", stakeWei,
	)
	return m, nil
}

// JoinMatch locks the joiner's stake against the match found by its join
// code and starts play. When two joiners race, the version check picks
// the winner; the loser's stake is refunded and the match reads as gone.
func (s *Service) JoinMatch(ctx context.Context, code, address string) (*domain.Match, error) {
	m, err := s.store.GetByShortCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if domain.SameAddress(m.CreatorAddress, address) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSelfJoin, address)
	}

	if err := s.escrow.PayIn(ctx, m.ID, address, m.StakeWei); err != nil {
		return nil, err
	}

	now := s.now()
	m.OpponentAddress = address
	m.Started = true
	m.LastTurnChangedAt = now
	m.UpdatedAt = now

	if err := s.store.Update(ctx, m); err != nil {
		// The seat was not taken, whatever the cause; the stake must
		// not stay in escrow. A failed refund is queued for replay by
		// the gateway.
		if refundErr := s.escrow.Refund(ctx, m.ID, address, m.StakeWei); refundErr != nil {
			s.logger.Error("failed to refund joiner",
				"match_id", m.ID, "address", address, "error", refundErr)
		}
		if domain.IsConflictError(err) || domain.IsNotFoundError(err) {
			// Someone else took the seat; the caller sees the match as
			// no longer available.
			return nil, domain.ErrMatchNotFound
		}
		return nil, fmt.Errorf("joining match: %w", err)
	}

	s.logger.Info("match joined",
		"match_id", m.ID,
		"opponent", address,
	)
	return m, nil
}

// ApplyMove validates and applies one move for the participant on turn.
// A mating or drawing move terminates the match and settles stakes.
func (s *Service) ApplyMove(ctx context.Context, matchID, address, uci string) (*domain.Match, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if err := s.moveGuards(m, address); err != nil {
		return nil, err
	}

	res, err := s.validator.ApplyMove(m.BoardPosition, uci)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m.BoardPosition = res.FEN
	m.MissedTurnCount = 0
	m.CurrentTurnAddress = m.OtherParticipant(address)
	m.LastTurnChangedAt = now
	m.UpdatedAt = now

	switch {
	case res.Checkmate:
		return s.finish(ctx, m, address, domain.EndReasonCheckmate)
	case res.Draw:
		return s.finish(ctx, m, "", domain.EndReasonDraw)
	}

	if err := s.store.Update(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Debug("move applied",
		"match_id", m.ID,
		"address", address,
		"san", res.SAN,
	)
	return m, nil
}

func (s *Service) moveGuards(m *domain.Match, address string) error {
	if !m.IsParticipant(address) {
		return fmt.Errorf("%w: %s", domain.ErrNotParticipant, address)
	}
	if !m.Started {
		return domain.ErrMatchNotStarted
	}
	if m.Ended {
		return domain.ErrMatchEnded
	}
	if !domain.SameAddress(m.CurrentTurnAddress, address) {
		return domain.ErrNotYourTurn
	}
	return nil
}

// ClockExpiry handles a turn clock running out for address. Short of the
// missed-turn limit a random legal move is played for them; at the limit
// the match forfeits to the opponent. A stale expiry, raced by a move or
// by the opponent's coordinator, is a no-op.
func (s *Service) ClockExpiry(ctx context.Context, matchID, address string) (*domain.Match, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !m.Started || m.Ended || !domain.SameAddress(m.CurrentTurnAddress, address) {
		// The clock fired for a turn that no longer exists.
		return m, nil
	}

	if m.MissedTurnCount+1 >= s.opts.MaxMissedTurns {
		ended, err := s.finish(ctx, m, m.OtherParticipant(address), domain.EndReasonForfeit)
		if domain.IsConflictError(err) {
			// A real move beat the forfeit. Drop it.
			return s.store.GetByID(ctx, matchID)
		}
		return ended, err
	}

	moves, err := s.validator.LegalMoves(m.BoardPosition)
	if err != nil {
		return nil, err
	}
	if len(moves) == 0 {
		// The position is already terminal, another path ends it.
		return m, nil
	}

	uci := moves[s.pickIndex(len(moves))]
	res, err := s.validator.ApplyMove(m.BoardPosition, uci)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m.BoardPosition = res.FEN
	m.MissedTurnCount++
	m.CurrentTurnAddress = m.OtherParticipant(address)
	m.LastTurnChangedAt = now
	m.UpdatedAt = now

	s.logger.Info("clock expired, moved for participant",
		"match_id", m.ID,
		"address", address,
		"san", res.SAN,
		"missed_turns", m.MissedTurnCount,
	)

	switch {
	case res.Checkmate:
		return s.finish(ctx, m, address, domain.EndReasonCheckmate)
	case res.Draw:
		return s.finish(ctx, m, "", domain.EndReasonDraw)
	}

	if err := s.store.Update(ctx, m); err != nil {
		if domain.IsConflictError(err) {
			// A real move beat the expiry. Drop it.
			return s.store.GetByID(ctx, matchID)
		}
		return nil, err
	}
	return m, nil
}

// EndMatch terminates the match in favor of winnerAddress, or as a draw
// when winnerAddress is empty. Ending an already-ended match is a no-op
// and returns the final state.
func (s *Service) EndMatch(ctx context.Context, matchID, winnerAddress string, reason domain.EndReason) (*domain.Match, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Ended {
		return m, nil
	}
	if winnerAddress != "" && !m.IsParticipant(winnerAddress) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotParticipant, winnerAddress)
	}
	return s.finish(ctx, m, winnerAddress, reason)
}

// Resign ends the match in the opponent's favor at the resigner's
// request.
func (s *Service) Resign(ctx context.Context, matchID, address string) (*domain.Match, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Ended {
		return m, nil
	}
	if !m.IsParticipant(address) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotParticipant, address)
	}
	if !m.Started {
		return s.finish(ctx, m, "", domain.EndReasonNeverStarted)
	}
	return s.finish(ctx, m, m.OtherParticipant(address), domain.EndReasonForfeit)
}

// ForfeitDisconnect ends the match after a participant's sync channel
// dropped. Before the first move exchange the match is cancelled and the
// creator refunded instead.
func (s *Service) ForfeitDisconnect(ctx context.Context, matchID, departedAddress string) (*domain.Match, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Ended {
		return m, nil
	}
	if !m.IsParticipant(departedAddress) {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotParticipant, departedAddress)
	}
	if !m.Started {
		return s.finish(ctx, m, "", domain.EndReasonNeverStarted)
	}
	return s.finish(ctx, m, m.OtherParticipant(departedAddress), domain.EndReasonDisconnect)
}

// CancelUnjoined refunds and closes a match that outlived the join
// window without an opponent. Joined matches are left alone.
func (s *Service) CancelUnjoined(ctx context.Context, matchID string) (*domain.Match, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Ended {
		return m, nil
	}
	if m.Started || m.OpponentAddress != "" {
		return m, nil
	}
	if s.now().Sub(m.CreatedAt) < s.opts.JoinWindow {
		return m, nil
	}
	return s.finish(ctx, m, "", domain.EndReasonNeverStarted)
}

// finish marks the match ended, settles stakes, and archives it. The
// termination write is the commit point: settlement failures are queued
// for replay and never reopen the match.
func (s *Service) finish(ctx context.Context, m *domain.Match, winnerAddress string, reason domain.EndReason) (*domain.Match, error) {
	now := s.now()
	m.Ended = true
	m.WinnerAddress = winnerAddress
	m.EndReason = reason
	m.MatchDurationSeconds = int64(now.Sub(m.CreatedAt) / time.Second)
	m.UpdatedAt = now

	if err := s.store.Update(ctx, m); err != nil {
		if domain.IsConflictError(err) {
			latest, getErr := s.store.GetByID(ctx, m.ID)
			if getErr == nil && latest.Ended {
				// The other coordinator finished it first.
				return latest, nil
			}
		}
		return nil, err
	}

	s.settle(ctx, m)

	if s.archiver != nil {
		if err := s.archiver.ArchiveMatch(ctx, m); err != nil {
			s.logger.Error("failed to archive match", "match_id", m.ID, "error", err)
		}
	}

	s.logger.Info("match ended",
		"match_id", m.ID,
		"winner", m.WinnerAddress,
		"reason", string(m.EndReason),
		"duration_seconds", m.MatchDurationSeconds,
	)
	return m, nil
}

// settle disburses the escrow for a finished match. Winner takes the
// pot; a draw splits it; a match that never started refunds the creator.
// Failures are logged, the gateway queues them for replay.
func (s *Service) settle(ctx context.Context, m *domain.Match) {
	switch {
	case m.WinnerAddress != "":
		pot := m.StakeWei
		if m.OpponentAddress != "" {
			pot = 2 * m.StakeWei
		}
		if err := s.escrow.PayOut(ctx, m.ID, m.WinnerAddress, pot); err != nil {
			s.logger.Error("payout failed, queued for replay",
				"match_id", m.ID, "winner", m.WinnerAddress, "error", err)
		}

	case m.OpponentAddress != "":
		// Draw with both stakes in escrow, each side gets theirs back.
		if err := s.escrow.Refund(ctx, m.ID, m.CreatorAddress, m.StakeWei); err != nil {
			s.logger.Error("refund failed, queued for replay",
				"match_id", m.ID, "address", m.CreatorAddress, "error", err)
		}
		if err := s.escrow.Refund(ctx, m.ID, m.OpponentAddress, m.StakeWei); err != nil {
			s.logger.Error("refund failed, queued for replay",
				"match_id", m.ID, "address", m.OpponentAddress, "error", err)
		}

	default:
		if err := s.escrow.Refund(ctx, m.ID, m.CreatorAddress, m.StakeWei); err != nil {
			s.logger.Error("refund failed, queued for replay",
				"match_id", m.ID, "address", m.CreatorAddress, "error", err)
		}
	}
}
