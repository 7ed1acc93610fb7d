package match

import (
	"context"
	"fmt"

	"github.com/chkmate/server/internal/domain"
	"github.com/chkmate/server/internal/engine"
)

// Status is a snapshot of a match for display.
type Status struct {
	Match     *domain.Match `json:"match"`
	Turn      engine.Color  `json:"turn"`
	Check     bool          `json:"check"`
	Checkmate bool          `json:"checkmate"`
	Draw      bool          `json:"draw"`
	Forfeited bool          `json:"forfeited"`
	Text      string        `json:"text"`
}

// StatusOf evaluates the board and renders the banner text the client
// shows above it.
func (s *Service) StatusOf(ctx context.Context, matchID string) (*Status, error) {
	m, err := s.store.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}

	report, err := s.validator.Evaluate(m.BoardPosition)
	if err != nil {
		return nil, err
	}

	return &Status{
		Match:     m,
		Turn:      report.Turn,
		Check:     report.Check,
		Checkmate: report.Checkmate,
		Draw:      report.Draw,
		Forfeited: m.EndReason == domain.EndReasonForfeit || m.EndReason == domain.EndReasonDisconnect,
		Text:      statusText(m, report),
	}, nil
}

func statusText(m *domain.Match, report engine.Report) string {
	if m.Ended {
		switch m.EndReason {
		case domain.EndReasonCheckmate:
			// The side to move in the final position is the mated side.
			return fmt.Sprintf("Game over, %s is in checkmate.", colorName(report.Turn))
		case domain.EndReasonDraw:
			return "Game over, drawn position"
		case domain.EndReasonForfeit:
			return "Game over, won by forfeit"
		case domain.EndReasonDisconnect:
			return "Game over, opponent left the match"
		case domain.EndReasonNeverStarted:
			return "Match cancelled, stake refunded"
		default:
			return "Game over"
		}
	}

	if !m.Started {
		return "Waiting for an opponent"
	}

	text := colorName(report.Turn) + " to move"
	if report.Check {
		text += ", " + colorName(report.Turn) + " is in check"
	}
	return text
}

func colorName(c engine.Color) string {
	if c == engine.Black {
		return "Black"
	}
	return "White"
}

// MatchByID returns the current state of a match.
func (s *Service) MatchByID(ctx context.Context, id string) (*domain.Match, error) {
	return s.store.GetByID(ctx, id)
}

// MatchByShortCode resolves a join code to its open match.
func (s *Service) MatchByShortCode(ctx context.Context, code string) (*domain.Match, error) {
	return s.store.GetByShortCode(ctx, code)
}

// OpenMatchFor returns the unfinished match an address participates in,
// used to resume play after a reconnect.
func (s *Service) OpenMatchFor(ctx context.Context, address string) (*domain.Match, error) {
	return s.store.GetOpenMatch(ctx, address)
}

// EscrowBalance reports the wei still held for a match.
func (s *Service) EscrowBalance(ctx context.Context, matchID string) (int64, error) {
	return s.escrow.Balance(ctx, matchID)
}

// MinimumStake reports the contract's minimum wager.
func (s *Service) MinimumStake() int64 {
	return s.escrow.MinimumStake()
}
