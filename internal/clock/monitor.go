// Package clock arms a per-turn countdown for one participant. The timer
// runs client-side: each session watches its own turn and reports expiry
// to the match service.
package clock

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chkmate/server/internal/domain"
)

// Monitor watches match updates for one address and fires when that
// address sits on its turn past the budget.
type Monitor struct {
	address  string
	budget   time.Duration
	onExpire func(matchID string)
	logger   *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	matchID string
	// armedVersion guards against a stale timer firing for a turn that
	// already changed.
	armedVersion int64
}

// NewMonitor creates a monitor for one participant. onExpire is invoked
// from the timer goroutine.
func NewMonitor(address string, budget time.Duration, onExpire func(matchID string), logger *slog.Logger) *Monitor {
	return &Monitor{
		address:  address,
		budget:   budget,
		onExpire: onExpire,
		logger:   logger,
	}
}

// Observe rearms or cancels the countdown based on the latest match
// state. The clock runs only while the match is live and it is the
// monitored address's turn.
func (m *Monitor) Observe(match *domain.Match) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()

	if !match.Started || match.Ended {
		return
	}
	if !domain.SameAddress(match.CurrentTurnAddress, m.address) {
		return
	}

	m.matchID = match.ID
	m.armedVersion = match.Version
	version := match.Version
	id := match.ID

	m.timer = time.AfterFunc(m.budget, func() {
		m.fire(id, version)
	})
}

func (m *Monitor) fire(matchID string, version int64) {
	m.mu.Lock()
	stale := m.matchID != matchID || m.armedVersion != version
	m.mu.Unlock()
	if stale {
		return
	}

	m.logger.Info("turn clock expired",
		"match_id", matchID,
		"address", m.address,
	)
	m.onExpire(matchID)
}

// Stop cancels any armed countdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.matchID = ""
	m.armedVersion = 0
}
