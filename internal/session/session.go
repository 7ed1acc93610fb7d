// Package session runs the client-side coordinator for one participant:
// it follows the match's update stream, arms the turn clock, and turns a
// dropped sync channel into a forfeit.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chkmate/server/internal/clock"
	"github.com/chkmate/server/internal/domain"
	"github.com/chkmate/server/internal/match"
	"github.com/chkmate/server/internal/store"
)

// Session follows one match on behalf of one participant.
type Session struct {
	address string
	service *match.Service
	matches store.MatchStore
	monitor *clock.Monitor
	logger  *slog.Logger

	// onUpdate, when set, receives every match update for pushing to
	// the client.
	onUpdate func(*domain.Match)

	mu      sync.Mutex
	matchID string
	sub     store.Subscription
	closed  bool
	wg      sync.WaitGroup
}

// New creates a session for address. turnBudget is how long the address
// may sit on its turn before the clock fires.
func New(address string, service *match.Service, matches store.MatchStore, turnBudget time.Duration, onUpdate func(*domain.Match), logger *slog.Logger) *Session {
	s := &Session{
		address:  address,
		service:  service,
		matches:  matches,
		onUpdate: onUpdate,
		logger:   logger,
	}
	s.monitor = clock.NewMonitor(address, turnBudget, s.expireClock, logger)
	return s
}

// Open attaches the session to a match and starts following it. The
// caller must be a participant.
func (s *Session) Open(ctx context.Context, matchID string) error {
	m, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		return err
	}
	if !m.IsParticipant(s.address) {
		return fmt.Errorf("%w: %s", domain.ErrNotParticipant, s.address)
	}

	sub, err := s.matches.Subscribe(ctx, matchID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return errors.New("session already closed")
	}
	s.matchID = matchID
	s.sub = sub
	s.mu.Unlock()

	s.monitor.Observe(m)
	if s.onUpdate != nil {
		s.onUpdate(m)
	}

	s.wg.Add(1)
	go s.follow(sub, matchID)

	s.logger.Info("session opened", "match_id", matchID, "address", s.address)
	return nil
}

// Resume reattaches the session to the unfinished match the address
// participates in. It returns domain.ErrMatchNotFound when there is
// nothing to resume.
func (s *Session) Resume(ctx context.Context) (*domain.Match, error) {
	m, err := s.matches.GetOpenMatch(ctx, s.address)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx, m.ID); err != nil {
		return nil, err
	}
	return m, nil
}

// follow consumes the update stream until it closes. An unexpected close
// means the participant lost sync and forfeits the match.
func (s *Session) follow(sub store.Subscription, matchID string) {
	defer s.wg.Done()

	ended := false
	for m := range sub.Updates() {
		s.monitor.Observe(m)
		if s.onUpdate != nil {
			s.onUpdate(m)
		}
		if m.Ended {
			ended = true
		}
	}

	s.monitor.Stop()

	if ended || !errors.Is(sub.Err(), domain.ErrSubscriptionClosed) {
		return
	}

	s.logger.Warn("sync channel dropped, forfeiting",
		"match_id", matchID,
		"address", s.address,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.service.ForfeitDisconnect(ctx, matchID, s.address); err != nil {
		s.logger.Error("failed to forfeit after disconnect",
			"match_id", matchID,
			"address", s.address,
			"error", err,
		)
	}
}

// expireClock reports a blown turn clock to the match service.
func (s *Session) expireClock(matchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.service.ClockExpiry(ctx, matchID, s.address); err != nil {
		s.logger.Error("failed to apply clock expiry",
			"match_id", matchID,
			"address", s.address,
			"error", err,
		)
	}
}

// Close detaches the session without forfeiting.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	s.monitor.Stop()
	var err error
	if sub != nil {
		err = sub.Close()
	}
	s.wg.Wait()
	return err
}
