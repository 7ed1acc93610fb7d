// Package store persists live match documents and fans out their updates.
package store

import (
	"context"

	"github.com/chkmate/server/internal/domain"
)

// MatchStore is the persistence and sync surface for live matches.
type MatchStore interface {
	// Create persists a new match. The match must carry Version 1.
	Create(ctx context.Context, m *domain.Match) error
	// GetByID returns the match or domain.ErrMatchNotFound.
	GetByID(ctx context.Context, id string) (*domain.Match, error)
	// GetByShortCode resolves a join code to an open match. Matches that
	// started or ended are not joinable and report domain.ErrMatchNotFound.
	GetByShortCode(ctx context.Context, code string) (*domain.Match, error)
	// GetOpenMatch returns the unfinished match the address participates
	// in, or domain.ErrMatchNotFound.
	GetOpenMatch(ctx context.Context, address string) (*domain.Match, error)
	// Update writes the match if nobody else wrote it since it was read.
	// The stored version must equal m.Version; on success the version is
	// incremented. A lost race returns domain.ErrVersionConflict.
	Update(ctx context.Context, m *domain.Match) error
	// Delete removes the match and its indexes.
	Delete(ctx context.Context, id string) error
	// ListAwaiting returns up to limit matches still waiting for an
	// opponent, oldest first.
	ListAwaiting(ctx context.Context, limit int) ([]*domain.Match, error)
	// Subscribe streams updates for one match until the subscription is
	// closed or the connection drops.
	Subscribe(ctx context.Context, id string) (Subscription, error)
	// SubscribeAll streams updates for every match.
	SubscribeAll(ctx context.Context) (Subscription, error)
}

// Subscription delivers match updates.
type Subscription interface {
	// Updates returns the update stream. It is closed when the
	// subscription ends.
	Updates() <-chan *domain.Match
	// Err returns the terminal error after Updates is closed. It is
	// domain.ErrSubscriptionClosed when the transport dropped, nil when
	// the subscriber closed it.
	Err() error
	// Close stops the subscription.
	Close() error
}
