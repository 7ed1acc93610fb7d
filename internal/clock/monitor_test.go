package clock

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chkmate/server/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func liveMatch(version int64, turn string) *domain.Match {
	return &domain.Match{
		ID:                 "match-1",
		CreatorAddress:     "0xAAA",
		OpponentAddress:    "0xBBB",
		CurrentTurnAddress: turn,
		Started:            true,
		Version:            version,
	}
}

func TestMonitorFiresOnOwnTurn(t *testing.T) {
	fired := make(chan string, 1)
	m := NewMonitor("0xAAA", 10*time.Millisecond, func(matchID string) {
		fired <- matchID
	}, testLogger())
	defer m.Stop()

	m.Observe(liveMatch(1, "0xAAA"))

	select {
	case id := <-fired:
		if id != "match-1" {
			t.Fatalf("fired for %q, want match-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("clock never fired")
	}
}

func TestMonitorIgnoresOpponentTurn(t *testing.T) {
	fired := make(chan string, 1)
	m := NewMonitor("0xAAA", 10*time.Millisecond, func(matchID string) {
		fired <- matchID
	}, testLogger())
	defer m.Stop()

	m.Observe(liveMatch(1, "0xBBB"))

	select {
	case <-fired:
		t.Fatal("clock fired on opponent's turn")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorRearmCancelsStaleTimer(t *testing.T) {
	fired := make(chan string, 2)
	m := NewMonitor("0xAAA", 20*time.Millisecond, func(matchID string) {
		fired <- matchID
	}, testLogger())
	defer m.Stop()

	m.Observe(liveMatch(1, "0xAAA"))
	// The turn passes before the clock runs out.
	m.Observe(liveMatch(2, "0xBBB"))

	select {
	case <-fired:
		t.Fatal("stale clock fired after the turn changed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorStopsOnEnd(t *testing.T) {
	fired := make(chan string, 1)
	m := NewMonitor("0xAAA", 10*time.Millisecond, func(matchID string) {
		fired <- matchID
	}, testLogger())
	defer m.Stop()

	m.Observe(liveMatch(1, "0xAAA"))
	ended := liveMatch(2, "0xAAA")
	ended.Ended = true
	m.Observe(ended)

	select {
	case <-fired:
		t.Fatal("clock fired after the match ended")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMonitorStop(t *testing.T) {
	fired := make(chan string, 1)
	m := NewMonitor("0xAAA", 10*time.Millisecond, func(matchID string) {
		fired <- matchID
	}, testLogger())

	m.Observe(liveMatch(1, "0xAAA"))
	m.Stop()

	select {
	case <-fired:
		t.Fatal("clock fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}
