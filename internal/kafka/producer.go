package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/chkmate/server/internal/config"
	"github.com/chkmate/server/internal/domain"
)

// Producer publishes settlement retries to the retry topic
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}

	return &Producer{
		producer: producer,
		topic:    cfg.Topic,
		logger:   logger,
	}, nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}

// PublishRetry implements escrow.RetryPublisher. Messages are keyed by
// match so retries for one match stay ordered.
func (p *Producer) PublishRetry(_ context.Context, retry domain.SettlementRetry) error {
	data, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("encoding retry: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(retry.MatchID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publishing retry: %w", err)
	}

	p.logger.Debug("published settlement retry",
		"match_id", retry.MatchID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}
