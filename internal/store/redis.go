package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chkmate/server/internal/config"
	"github.com/chkmate/server/internal/domain"
)

// endedTTL is how long a finished match document stays readable before
// Redis drops it. The durable record lives in Postgres.
const endedTTL = 24 * time.Hour

// RedisStore is a MatchStore backed by Redis, with pub/sub fan-out of
// every accepted write.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore connects to Redis and returns a match store.
func NewRedisStore(cfg *config.RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// matchKey returns the Redis key for a match document
func (s *RedisStore) matchKey(id string) string {
	return fmt.Sprintf("match:%s", id)
}

// codeKey returns the Redis key for the short-code index
func (s *RedisStore) codeKey(code string) string {
	return fmt.Sprintf("match:code:%s", strings.ToLower(code))
}

// openKey returns the Redis key for a participant's open-match index
func (s *RedisStore) openKey(address string) string {
	return fmt.Sprintf("match:open:%s", strings.ToLower(address))
}

// awaitingKey is the sorted set of matches still waiting for an opponent,
// scored by creation time for the join-window sweeper.
const awaitingKey = "match:awaiting"

// eventsChannel returns the pub/sub channel for one match
func (s *RedisStore) eventsChannel(id string) string {
	return fmt.Sprintf("match:events:%s", id)
}

// Create implements MatchStore.
func (s *RedisStore) Create(ctx context.Context, m *domain.Match) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding match: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.matchKey(m.ID), data, 0)
	pipe.Set(ctx, s.codeKey(m.ShortCode), m.ID, 0)
	pipe.Set(ctx, s.openKey(m.CreatorAddress), m.ID, 0)
	pipe.ZAdd(ctx, awaitingKey, redis.Z{
		Score:  float64(m.CreatedAt.Unix()),
		Member: m.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: creating match: %v", domain.ErrStoreUnavailable, err)
	}

	s.publish(ctx, m)
	return nil
}

// GetByID implements MatchStore.
func (s *RedisStore) GetByID(ctx context.Context, id string) (*domain.Match, error) {
	data, err := s.client.Get(ctx, s.matchKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: getting match: %v", domain.ErrStoreUnavailable, err)
	}

	var m domain.Match
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("decoding match: %w", err)
	}
	return &m, nil
}

// GetByShortCode implements MatchStore.
func (s *RedisStore) GetByShortCode(ctx context.Context, code string) (*domain.Match, error) {
	id, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolving short code: %v", domain.ErrStoreUnavailable, err)
	}

	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Open() {
		return nil, domain.ErrMatchNotFound
	}
	return m, nil
}

// GetOpenMatch implements MatchStore.
func (s *RedisStore) GetOpenMatch(ctx context.Context, address string) (*domain.Match, error) {
	id, err := s.client.Get(ctx, s.openKey(address)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolving open match: %v", domain.ErrStoreUnavailable, err)
	}

	m, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Ended {
		return nil, domain.ErrMatchNotFound
	}
	return m, nil
}

// Update implements MatchStore. The write is guarded by WATCH on the match
// key: the stored version must still equal m.Version, and any concurrent
// write aborts the transaction.
func (s *RedisStore) Update(ctx context.Context, m *domain.Match) error {
	key := s.matchKey(m.ID)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return domain.ErrMatchNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: reading match: %v", domain.ErrStoreUnavailable, err)
		}

		var stored domain.Match
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return fmt.Errorf("decoding match: %w", err)
		}
		if stored.Version != m.Version {
			return domain.ErrVersionConflict
		}

		m.Version++
		updated, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding match: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if m.Ended {
				pipe.Set(ctx, key, updated, endedTTL)
			} else {
				pipe.Set(ctx, key, updated, 0)
			}
			if m.OpponentAddress != "" {
				pipe.Set(ctx, s.openKey(m.OpponentAddress), m.ID, 0)
				pipe.ZRem(ctx, awaitingKey, m.ID)
			}
			if m.Ended {
				pipe.Del(ctx, s.codeKey(m.ShortCode))
				pipe.Del(ctx, s.openKey(m.CreatorAddress))
				if m.OpponentAddress != "" {
					pipe.Del(ctx, s.openKey(m.OpponentAddress))
				}
				pipe.ZRem(ctx, awaitingKey, m.ID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Undo the local bump so the caller can re-read and retry.
		m.Version--
		return domain.ErrVersionConflict
	}
	if err != nil {
		if domain.IsConflictError(err) || domain.IsNotFoundError(err) {
			return err
		}
		return fmt.Errorf("updating match: %w", err)
	}

	s.publish(ctx, m)
	return nil
}

// Delete implements MatchStore. It is the compensating action for a
// match whose stake pay-in failed after the document was written.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	m, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.matchKey(id))
	pipe.Del(ctx, s.codeKey(m.ShortCode))
	pipe.Del(ctx, s.openKey(m.CreatorAddress))
	if m.OpponentAddress != "" {
		pipe.Del(ctx, s.openKey(m.OpponentAddress))
	}
	pipe.ZRem(ctx, awaitingKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: deleting match: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// ListAwaiting implements MatchStore.
func (s *RedisStore) ListAwaiting(ctx context.Context, limit int) ([]*domain.Match, error) {
	ids, err := s.client.ZRange(ctx, awaitingKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: listing awaiting matches: %v", domain.ErrStoreUnavailable, err)
	}

	matches := make([]*domain.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetByID(ctx, id)
		if domain.IsNotFoundError(err) {
			// Stale index entry, drop it.
			s.client.ZRem(ctx, awaitingKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// publish fans the new match state out to subscribers. Publish failures
// are logged but never fail the write.
func (s *RedisStore) publish(ctx context.Context, m *domain.Match) {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Warn("failed to encode match event", "match_id", m.ID, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.eventsChannel(m.ID), data).Err(); err != nil {
		s.logger.Warn("failed to publish match event", "match_id", m.ID, "error", err)
	}
}

// Subscribe implements MatchStore.
func (s *RedisStore) Subscribe(ctx context.Context, id string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.eventsChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribing to match: %v", domain.ErrStoreUnavailable, err)
	}
	return s.newSubscription(pubsub), nil
}

// SubscribeAll implements MatchStore.
func (s *RedisStore) SubscribeAll(ctx context.Context) (Subscription, error) {
	pubsub := s.client.PSubscribe(ctx, s.eventsChannel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("%w: subscribing to matches: %v", domain.ErrStoreUnavailable, err)
	}
	return s.newSubscription(pubsub), nil
}

func (s *RedisStore) newSubscription(pubsub *redis.PubSub) *pubsubSubscription {
	sub := &pubsubSubscription{
		updates: make(chan *domain.Match),
		done:    make(chan struct{}),
	}
	sub.close = func() error {
		sub.closeOnce.Do(func() { close(sub.done) })
		return pubsub.Close()
	}
	go s.forward(pubsub.Channel(), sub)
	return sub
}

// forward drains redis pub/sub messages into the subscription. A
// consumer that stops reading and closes the subscription must not
// strand this goroutine, so every send also watches done.
func (s *RedisStore) forward(messages <-chan *redis.Message, sub *pubsubSubscription) {
	defer close(sub.updates)
	for msg := range messages {
		var m domain.Match
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			s.logger.Warn("dropping malformed match event", "channel", msg.Channel, "error", err)
			continue
		}
		select {
		case sub.updates <- &m:
		case <-sub.done:
			return
		}
	}
	select {
	case <-sub.done:
	default:
		sub.err = domain.ErrSubscriptionClosed
	}
}

// pubsubSubscription bridges a redis pub/sub channel into a Subscription.
type pubsubSubscription struct {
	updates   chan *domain.Match
	done      chan struct{}
	closeOnce sync.Once
	err       error
	close     func() error
}

func (s *pubsubSubscription) Updates() <-chan *domain.Match {
	return s.updates
}

func (s *pubsubSubscription) Err() error {
	return s.err
}

func (s *pubsubSubscription) Close() error {
	return s.close()
}
