package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/sirupsen/logrus"

	"github.com/knowshare/go-knowshare/env"
	"github.com/knowshare/go-knowshare/service/logger"
	"github.com/knowshare/go-knowshare/service/persist"
	"github.com/knowshare/go-knowshare/service/persist/postgres"
)

// OutboxTopic receives one change envelope per outbox row.
const OutboxTopic = "canal-outbox"

// ChangeEnvelope is the row-change wire format on the outbox topic.
type ChangeEnvelope struct {
	Table string      `json:"table"`
	Type  string      `json:"type"`
	Data  []ChangeRow `json:"data"`
}

type ChangeRow struct {
	Payload string `json:"payload"`
}

// ChangeBatch is a contiguous run of outbox rows with an ack handle.
type ChangeBatch struct {
	ID   int64
	Rows []persist.OutboxMessage
}

// ChangeSource reads the outbox change stream with at-least-once batch
// acknowledgement.
type ChangeSource interface {
	Connect(ctx context.Context) error
	GetWithoutAck(ctx context.Context, batchSize int) (ChangeBatch, error)
	Ack(batchID int64) error
	Rollback(batchID int64) error
	Disconnect() error
}

// OutboxPollSource is a watermark poller over the outbox table. The batch id
// is the highest row id in the batch; acking advances the watermark past it.
type OutboxPollSource struct {
	repo *postgres.OutboxRepository

	mu        sync.Mutex
	watermark int64
	connected bool
}

func NewOutboxPollSource(repo *postgres.OutboxRepository) *OutboxPollSource {
	return &OutboxPollSource{repo: repo}
}

// Connect seeds the watermark at the current table head so a fresh poller
// does not replay history.
func (s *OutboxPollSource) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	head, err := s.repo.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("seeding outbox watermark: %w", err)
	}
	s.watermark = head
	s.connected = true
	return nil
}

func (s *OutboxPollSource) GetWithoutAck(ctx context.Context, batchSize int) (ChangeBatch, error) {
	s.mu.Lock()
	watermark := s.watermark
	s.mu.Unlock()

	rows, err := s.repo.FetchAfter(ctx, watermark, batchSize)
	if err != nil {
		return ChangeBatch{}, err
	}
	if len(rows) == 0 {
		return ChangeBatch{}, nil
	}
	return ChangeBatch{ID: rows[len(rows)-1].ID, Rows: rows}, nil
}

func (s *OutboxPollSource) Ack(batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batchID > s.watermark {
		s.watermark = batchID
	}
	return nil
}

// Rollback leaves the watermark untouched so the batch is re-read.
func (s *OutboxPollSource) Rollback(batchID int64) error {
	return nil
}

func (s *OutboxPollSource) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// BridgeConfig carries the change-capture knobs.
type BridgeConfig struct {
	BatchSize int
	Interval  time.Duration
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{BatchSize: 64, Interval: 500 * time.Millisecond}
}

// Bridge republishes the outbox change stream onto the message bus. A batch
// is acked only when every row in it published; otherwise it is rolled back
// and re-read.
type Bridge struct {
	source   ChangeSource
	producer *kafka.Producer
	cfg      BridgeConfig
	running  atomic.Bool
}

func NewBridge(source ChangeSource, cfg BridgeConfig) (*Bridge, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": env.GetString("KAFKA_BOOTSTRAP_SERVERS"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	b := &Bridge{source: source, producer: p, cfg: cfg}
	b.running.Store(true)
	return b, nil
}

func (b *Bridge) Stop() {
	b.running.Store(false)
}

func (b *Bridge) Run(ctx context.Context) error {
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"worker": "outbox-bridge"})

	if err := b.source.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := b.source.Disconnect(); err != nil {
			logger.For(ctx).Errorf("disconnecting change source: %s", err)
		}
		b.producer.Flush(5000)
		b.producer.Close()
	}()

	for b.running.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := b.source.GetWithoutAck(ctx, b.cfg.BatchSize)
		if err != nil {
			logger.For(ctx).Errorf("reading outbox batch: %s", err)
			time.Sleep(b.cfg.Interval)
			continue
		}
		if len(batch.Rows) == 0 {
			time.Sleep(b.cfg.Interval)
			continue
		}

		if err := b.publishBatch(ctx, batch); err != nil {
			logger.For(ctx).Errorf("publishing outbox batch %d: %s", batch.ID, err)
			if rbErr := b.source.Rollback(batch.ID); rbErr != nil {
				logger.For(ctx).Errorf("rolling back outbox batch %d: %s", batch.ID, rbErr)
			}
			time.Sleep(b.cfg.Interval)
			continue
		}

		if err := b.source.Ack(batch.ID); err != nil {
			logger.For(ctx).Errorf("acking outbox batch %d: %s", batch.ID, err)
		}
	}

	return nil
}

func (b *Bridge) publishBatch(ctx context.Context, batch ChangeBatch) error {
	deliveries := make(chan kafka.Event, len(batch.Rows))

	for _, row := range batch.Rows {
		envelope, err := json.Marshal(ChangeEnvelope{
			Table: "outbox",
			Type:  "INSERT",
			Data:  []ChangeRow{{Payload: row.Payload}},
		})
		if err != nil {
			return fmt.Errorf("encoding change envelope for row %d: %w", row.ID, err)
		}

		topic := OutboxTopic
		err = b.producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Value:          envelope,
		}, deliveries)
		if err != nil {
			return fmt.Errorf("producing change envelope for row %d: %w", row.ID, err)
		}
	}

	for range batch.Rows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-deliveries:
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
			}
		}
	}

	return nil
}
