// Package ingest consumes compact commit-notification events off
// Kafka (github.com/twmb/franz-go), resolves each one to its full
// durable record, and turns it into a call to engine.Registry.Broadcast:
// the bridge between "a transaction was durably written" and
// "connections find out about it".
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/sandiprb/userbase/internal/store"
	"github.com/sandiprb/userbase/internal/wire"
)

// Broadcaster is the subset of *engine.Registry the consumer needs,
// kept as an interface so this package never imports engine directly.
type Broadcaster interface {
	Broadcast(ctx context.Context, databaseID string, record wire.Transaction)
}

// RecordStore is the subset of store.TransactionStore the consumer
// needs to resolve a compact commit notification into the full
// durable record.
type RecordStore interface {
	Get(ctx context.Context, databaseID string, sequenceNo int64) (wire.Transaction, error)
}

// commitNotification is the wire shape published to Kafka: just
// enough to identify the durable record a producer committed, so the
// payload size never scales with record size.
type commitNotification struct {
	DatabaseID string `json:"databaseId"`
	SequenceNo int64  `json:"sequenceNo"`
}

// Consumer wraps a franz-go client consuming a commit-notification
// topic as part of a consumer group, so multiple fan-out instances can
// share the partition load.
type Consumer struct {
	client      *kgo.Client
	logger      zerolog.Logger
	broadcaster Broadcaster
	store       RecordStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed uint64
	failed    uint64
}

// Config configures a Consumer.
type Config struct {
	Brokers       []string
	ConsumerGroup string
	Topic         string
	Broadcaster   Broadcaster
	Store         RecordStore
	Logger        zerolog.Logger
}

// New constructs a Consumer, connecting to Brokers and joining
// ConsumerGroup on Topic.
func New(cfg Config) (*Consumer, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Consumer{
		client:      client,
		logger:      cfg.Logger,
		broadcaster: cfg.Broadcaster,
		store:       cfg.Store,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the consume loop in its own goroutine.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop cancels the consume loop, waits for it to exit, and closes the
// underlying client.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.client.Close()
}

func (c *Consumer) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		fetches := c.client.PollFetches(c.ctx)
		if c.ctx.Err() != nil {
			return
		}

		for _, err := range fetches.Errors() {
			c.logger.Error().Err(err.Err).Str("topic", err.Topic).Int32("partition", err.Partition).Msg("fetch error")
		}

		fetches.EachRecord(c.processRecord)
	}
}

func (c *Consumer) processRecord(record *kgo.Record) {
	var notification commitNotification
	if err := json.Unmarshal(record.Value, &notification); err != nil {
		atomic.AddUint64(&c.failed, 1)
		c.logger.Warn().Err(err).Str("topic", record.Topic).Msg("malformed commit notification, skipping")
		return
	}

	tx, err := c.store.Get(c.ctx, notification.DatabaseID, notification.SequenceNo)
	if err != nil {
		atomic.AddUint64(&c.failed, 1)
		if errors.Is(err, store.ErrRecordNotFound) {
			c.logger.Warn().Str("databaseId", notification.DatabaseID).Int64("sequenceNo", notification.SequenceNo).Msg("commit notification arrived ahead of durable record, skipping")
			return
		}
		c.logger.Error().Err(err).Str("databaseId", notification.DatabaseID).Int64("sequenceNo", notification.SequenceNo).Msg("fetch committed record failed")
		return
	}

	c.broadcaster.Broadcast(c.ctx, tx.DatabaseID, tx)
	atomic.AddUint64(&c.processed, 1)
}

// Metrics returns processed/failed record counts.
func (c *Consumer) Metrics() (processed, failed uint64) {
	return atomic.LoadUint64(&c.processed), atomic.LoadUint64(&c.failed)
}
