package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chkmate/server/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan []byte, 8),
	}
}

func receiveMessage(t *testing.T, c *Client) *Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitForSubscribers(t *testing.T, hub *Hub, matchID string, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if hub.GetSubscriberCount(matchID) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d subscribers", matchID, n)
}

func TestSubscribePushesCurrentState(t *testing.T) {
	fetch := func(_ context.Context, matchID string) (*domain.Match, error) {
		return &domain.Match{ID: matchID, BoardPosition: "8/8/8/8/8/8/8/8 w - - 0 1", Started: true}, nil
	}
	hub := NewHub(fetch, testLogger())
	go hub.Run()
	defer hub.Stop()

	client := newTestClient("c-1")
	hub.Register(client)
	hub.Subscribe(client, "m-1")

	msg := receiveMessage(t, client)
	if msg.Type != MessageTypeMatchUpdate || msg.MatchID != "m-1" {
		t.Fatalf("message = %+v, want the current match state", msg)
	}
	data, ok := msg.Data.(map[string]interface{})
	if !ok || data["id"] != "m-1" {
		t.Fatalf("data = %+v, want the match document", msg.Data)
	}
}

func TestSubscribeToEndedMatchPushesEnded(t *testing.T) {
	fetch := func(_ context.Context, matchID string) (*domain.Match, error) {
		return &domain.Match{ID: matchID, Ended: true}, nil
	}
	hub := NewHub(fetch, testLogger())
	go hub.Run()
	defer hub.Stop()

	client := newTestClient("c-1")
	hub.Register(client)
	hub.Subscribe(client, "m-1")

	msg := receiveMessage(t, client)
	if msg.Type != MessageTypeMatchEnded {
		t.Fatalf("type = %q, want %q", msg.Type, MessageTypeMatchEnded)
	}
}

func TestSubscribeSurvivesFetchFailure(t *testing.T) {
	fetch := func(context.Context, string) (*domain.Match, error) {
		return nil, errors.New("redis is down")
	}
	hub := NewHub(fetch, testLogger())
	go hub.Run()
	defer hub.Stop()

	client := newTestClient("c-1")
	hub.Register(client)
	hub.Subscribe(client, "m-1")
	waitForSubscribers(t, hub, "m-1", 1)
	expectSilence(t, client)

	// The room membership still holds for live updates.
	hub.BroadcastMatchUpdate(&domain.Match{ID: "m-1", Started: true})
	msg := receiveMessage(t, client)
	if msg.Type != MessageTypeMatchUpdate || msg.MatchID != "m-1" {
		t.Fatalf("message = %+v, want the broadcast update", msg)
	}
}

func TestBroadcastReachesRoomOnly(t *testing.T) {
	hub := NewHub(nil, testLogger())
	go hub.Run()
	defer hub.Stop()

	watcher := newTestClient("c-1")
	bystander := newTestClient("c-2")
	hub.Register(watcher)
	hub.Register(bystander)
	hub.Subscribe(watcher, "m-1")
	waitForSubscribers(t, hub, "m-1", 1)

	hub.BroadcastMatchUpdate(&domain.Match{ID: "m-1"})

	msg := receiveMessage(t, watcher)
	if msg.MatchID != "m-1" {
		t.Fatalf("message = %+v", msg)
	}
	expectSilence(t, bystander)
}
