package store

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chkmate/server/internal/domain"
)

func newTestStore() *RedisStore {
	return &RedisStore{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func matchMessage(t *testing.T, m *domain.Match) *redis.Message {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redis.Message{Channel: "match:events:" + m.ID, Payload: string(data)}
}

func TestForwardDeliversUpdates(t *testing.T) {
	s := newTestStore()
	messages := make(chan *redis.Message, 1)
	sub := &pubsubSubscription{
		updates: make(chan *domain.Match),
		done:    make(chan struct{}),
	}
	go s.forward(messages, sub)

	messages <- matchMessage(t, &domain.Match{ID: "m-1", Version: 3})
	select {
	case got := <-sub.Updates():
		if got.ID != "m-1" || got.Version != 3 {
			t.Fatalf("update = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	close(messages)
	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatal("unexpected extra update")
		}
	case <-time.After(time.Second):
		t.Fatal("updates channel never closed")
	}
	if !errors.Is(sub.Err(), domain.ErrSubscriptionClosed) {
		t.Fatalf("err = %v, want ErrSubscriptionClosed", sub.Err())
	}
}

func TestForwardDropsMalformedEvents(t *testing.T) {
	s := newTestStore()
	messages := make(chan *redis.Message, 2)
	sub := &pubsubSubscription{
		updates: make(chan *domain.Match),
		done:    make(chan struct{}),
	}
	go s.forward(messages, sub)

	messages <- &redis.Message{Channel: "match:events:m-1", Payload: "{not json"}
	messages <- matchMessage(t, &domain.Match{ID: "m-1"})

	select {
	case got := <-sub.Updates():
		if got.ID != "m-1" {
			t.Fatalf("update = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("valid update never arrived")
	}
}

func TestForwardExitsWhenClosedMidSend(t *testing.T) {
	s := newTestStore()
	messages := make(chan *redis.Message, 1)
	sub := &pubsubSubscription{
		updates: make(chan *domain.Match),
		done:    make(chan struct{}),
	}
	go s.forward(messages, sub)

	// Nothing drains updates; the pending send must yield to done.
	messages <- matchMessage(t, &domain.Match{ID: "m-1"})
	time.Sleep(10 * time.Millisecond)
	close(sub.done)

	select {
	case _, ok := <-sub.Updates():
		if ok {
			t.Fatal("update delivered after close")
		}
	case <-time.After(time.Second):
		t.Fatal("forwarder stayed blocked after close")
	}
	if sub.Err() != nil {
		t.Fatalf("err = %v, a deliberate close is not a failure", sub.Err())
	}
}
