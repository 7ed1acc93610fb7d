package domain

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// MatchState represents the lifecycle state of a match
type MatchState string

const (
	StateAwaitingOpponent MatchState = "awaiting_opponent"
	StateInProgress       MatchState = "in_progress"
	StateEnded            MatchState = "ended"
)

// EndReason records why a match reached its terminal state
type EndReason string

const (
	EndReasonCheckmate    EndReason = "checkmate"
	EndReasonDraw         EndReason = "draw"
	EndReasonForfeit      EndReason = "forfeit"
	EndReasonDisconnect   EndReason = "disconnect"
	EndReasonNeverStarted EndReason = "never_started"
)

// ShortCodeLength is the number of trailing id characters shared as the join code
const ShortCodeLength = 6

// BoardTheme holds the cosmetic square colors persisted alongside a match.
// Each value is an "r,g,b" component triple.
type BoardTheme struct {
	LightSquare string `json:"light_square"`
	DarkSquare  string `json:"dark_square"`
}

// Match is the authoritative record of one two-player wagered game
type Match struct {
	ID                   string     `json:"id"`
	ShortCode            string     `json:"short_code"`
	StakeWei             int64      `json:"stake_wei"`
	CreatorAddress       string     `json:"creator_address"`
	OpponentAddress      string     `json:"opponent_address,omitempty"`
	WinnerAddress        string     `json:"winner_address,omitempty"`
	CurrentTurnAddress   string     `json:"current_turn_address,omitempty"`
	BoardPosition        string     `json:"board_position"`
	Started              bool       `json:"started"`
	Ended                bool       `json:"ended"`
	EndReason            EndReason  `json:"end_reason,omitempty"`
	MatchDurationSeconds int64      `json:"match_duration_seconds,omitempty"`
	MissedTurnCount      int        `json:"missed_turn_count"`
	Theme                BoardTheme `json:"theme"`
	CreatedAt            time.Time  `json:"created_at"`
	LastTurnChangedAt    time.Time  `json:"last_turn_changed_at"`
	UpdatedAt            time.Time  `json:"updated_at"`

	// Version increments on every accepted write; mutating operations
	// carry the version they read so the store can reject stale writes.
	Version int64 `json:"version"`
}

// State derives the lifecycle state from the persisted flags
func (m *Match) State() MatchState {
	switch {
	case m.Ended:
		return StateEnded
	case m.Started:
		return StateInProgress
	default:
		return StateAwaitingOpponent
	}
}

// IsParticipant reports whether addr is the creator or the opponent
func (m *Match) IsParticipant(addr string) bool {
	return SameAddress(addr, m.CreatorAddress) || SameAddress(addr, m.OpponentAddress)
}

// OtherParticipant returns the participant that is not addr, or "" when
// addr is not a participant or no opponent has joined yet.
func (m *Match) OtherParticipant(addr string) string {
	switch {
	case SameAddress(addr, m.CreatorAddress):
		return m.OpponentAddress
	case SameAddress(addr, m.OpponentAddress):
		return m.CreatorAddress
	default:
		return ""
	}
}

// Open reports whether the match can still be joined
func (m *Match) Open() bool {
	return !m.Ended && m.WinnerAddress == "" && m.OpponentAddress == ""
}

// SameAddress compares two participant addresses. Wallet addresses differ
// only in checksum casing, so the comparison is case-insensitive, and an
// empty address never matches anything.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// ShortCodeFromID derives the human-shareable join code from a match id
func ShortCodeFromID(id string) string {
	if len(id) <= ShortCodeLength {
		return id
	}
	return id[len(id)-ShortCodeLength:]
}

// RandomTheme generates a light/dark square color pair. Light components
// are drawn from 160-255 and dark components from 50-140 so the two sets
// never collide.
func RandomTheme() BoardTheme {
	return BoardTheme{
		LightSquare: randomRGB(160, 255),
		DarkSquare:  randomRGB(50, 140),
	}
}

func randomRGB(min, max int) string {
	c := func() string {
		return strconv.Itoa(min + rand.IntN(max-min))
	}
	return c() + "," + c() + "," + c()
}
