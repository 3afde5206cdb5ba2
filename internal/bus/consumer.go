package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MessageHandler processes one consumed message. An error marks the
// record as failed in the logs; the offset is committed either way.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from Kafka/RedPanda topics.
type Consumer interface {
	// Consume runs the poll loop until ctx is cancelled or Close is called.
	Consume(ctx context.Context, handler MessageHandler) error
	Close()
}

// ConsumerOption tunes a KafkaConsumer.
type ConsumerOption func(*consumerSettings)

type consumerSettings struct {
	resetToEnd     bool
	maxPollRecords int
}

// WithOffsetReset chooses where a brand-new consumer group starts:
// "earliest" replays the topic from the beginning, "latest" only tails
// new records. Empty or unknown modes keep "earliest"; a matcher that
// missed events cannot reconstruct lot queues from mid-stream.
func WithOffsetReset(mode string) ConsumerOption {
	return func(s *consumerSettings) {
		switch mode {
		case "latest":
			s.resetToEnd = true
		case "", "earliest":
		default:
			log.Warn().Str("auto_offset_reset", mode).Msg("unknown offset reset mode, keeping earliest")
		}
	}
}

// WithMaxPollRecords caps how many records a single poll hands to the
// handler. Zero polls whole fetches.
func WithMaxPollRecords(n int) ConsumerOption {
	return func(s *consumerSettings) { s.maxPollRecords = n }
}

// KafkaConsumer is the franz-go implementation of Consumer, with
// consumer-group support and auto-committed offsets.
type KafkaConsumer struct {
	client  *kgo.Client
	groupID string
	topics  []string
	maxPoll int

	mu     sync.Mutex
	closed bool
}

// NewConsumer joins the given consumer group and subscribes to topics.
// Rebalances are held while a poll's records are being dispatched, so a
// partition never changes hands mid-batch.
func NewConsumer(brokers []string, groupID string, topics []string, opts ...ConsumerOption) (*KafkaConsumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("bus: at least one topic is required")
	}

	var s consumerSettings
	for _, opt := range opts {
		opt(&s)
	}

	reset := kgo.NewOffset().AtStart()
	if s.resetToEnd {
		reset = kgo.NewOffset().AtEnd()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(groupID),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.BlockRebalanceOnPoll(),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: create consumer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("group_id", groupID).
		Strs("topics", topics).
		Msg("kafka consumer ready")

	return &KafkaConsumer{
		client:  client,
		groupID: groupID,
		topics:  topics,
		maxPoll: s.maxPollRecords,
	}, nil
}

// Consume polls records and feeds them to the handler one at a time, in
// partition order. Handler errors are logged and the loop moves on; a
// poison record must not wedge the whole stream. Returns nil after Close,
// or the context error after cancellation.
func (c *KafkaConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("bus: consumer closed")
	}
	c.mu.Unlock()

	log.Info().
		Strs("topics", c.topics).
		Str("group", c.groupID).
		Msg("consumer loop running")

	for {
		var fetches kgo.Fetches
		if c.maxPoll > 0 {
			fetches = c.client.PollRecords(ctx, c.maxPoll)
		} else {
			fetches = c.client.PollFetches(ctx)
		}
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, fe := range fetches.Errors() {
			log.Error().
				Err(fe.Err).
				Str("topic", fe.Topic).
				Int32("partition", fe.Partition).
				Msg("fetch error")
		}

		fetches.EachRecord(func(r *kgo.Record) {
			if err := handler(ctx, recordToMessage(r)); err != nil {
				log.Error().Err(err).
					Str("topic", r.Topic).
					Int32("partition", r.Partition).
					Int64("offset", r.Offset).
					Msg("handler rejected record")
			}
		})

		// Dispatch done; the group may rebalance now. Holding rebalances
		// during dispatch keeps per-wallet order intact across a
		// partition handoff.
		c.client.AllowRebalance()
	}
}

// Close leaves the group and commits final offsets. A running Consume
// loop returns nil on its next poll.
func (c *KafkaConsumer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Close()
	log.Info().Str("group", c.groupID).Msg("kafka consumer closed")
}

// recordToMessage lifts a fetched record into the transport-neutral form
// the handlers work with.
func recordToMessage(r *kgo.Record) Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     r.Topic,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// TopicNaming provides canonical topic names following the platform naming
// convention. Pattern: <domain>.<category>.<entity>
type TopicNaming struct{}

func (TopicNaming) BalanceChanges() string  { return "wallet.balance_changes" }
func (TopicNaming) TradesRealized() string  { return "pnl.trades.realized" }
func (TopicNaming) JeetsFlagged() string    { return "pnl.jeets.flagged" }
func (TopicNaming) StatsSnapshots() string  { return "pnl.stats.snapshot" }
func (TopicNaming) OpsAlerts() string       { return "ops.alerts.jeetwatch" }
func (TopicNaming) AuditEventStore() string { return "audit.event_store" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}

// TopicRetention maps topics to their retention in hours.
var TopicRetention = map[string]int{
	"wallet.balance_changes": 168,
	"pnl.trades.realized":    2160,
	"pnl.jeets.flagged":      2160,
	"pnl.stats.snapshot":     720,
	"ops.alerts.jeetwatch":   720,
	"audit.event_store":      8760,
}

// AllTopicPrefixes returns all topic prefixes for provisioning.
func AllTopicPrefixes() []string {
	return []string{
		"wallet.balance_changes",
		"pnl.trades.realized",
		"pnl.jeets.flagged",
		"pnl.stats.snapshot",
		"ops.alerts.jeetwatch",
		"audit.event_store",
	}
}
