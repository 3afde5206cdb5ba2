package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record on the bus, in either direction.
type Message struct {
	Topic     string
	Key       string // partition key; the wallet address for balance and trade events
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Producer publishes to Kafka/RedPanda. Two disciplines share the
// interface: Publish and PublishJSON wait for broker acknowledgement and
// stamp envelope headers, for control-plane messages that must not be
// lost. Produce is fire-and-forget for the realized-trade firehose,
// where a slow broker must not stall the matching workers.
type Producer interface {
	Publish(ctx context.Context, msg Message) error
	PublishJSON(ctx context.Context, topic, key string, value interface{}) error
	Produce(ctx context.Context, topic string, key []byte, value []byte) error
	// Flush waits for buffered records to drain. Returns 0 on success.
	Flush(timeout time.Duration) int
	Close()
}

// ProducerOption tunes a KafkaProducer.
type ProducerOption func(*producerSettings)

type producerSettings struct {
	clientID      string
	schemaVersion string
	acks          kgo.Acks
	acksAll       bool
	compression   kgo.CompressionCodec
	linger        time.Duration
	maxBuffered   int
	batchMaxBytes int32
}

func defaultProducerSettings() producerSettings {
	return producerSettings{
		clientID:      "jeetwatch-producer",
		schemaVersion: "1.0.0",
		acks:          kgo.AllISRAcks(),
		acksAll:       true,
		compression:   kgo.SnappyCompression(),
		linger:        5 * time.Millisecond,
		maxBuffered:   10000,
		batchMaxBytes: 1 << 20,
	}
}

// WithInstanceID sets the client id sent to the brokers and stamped into
// the producer header of every message.
func WithInstanceID(id string) ProducerOption {
	return func(s *producerSettings) { s.clientID = id }
}

// WithSchemaVersion sets the schema_version header value.
func WithSchemaVersion(v string) ProducerOption {
	return func(s *producerSettings) { s.schemaVersion = v }
}

// WithAcks maps a config acks mode onto broker acknowledgement levels:
// "all" waits for every in-sync replica, "1" for the leader only, "0"
// for nobody. Empty or unknown modes keep "all".
func WithAcks(mode string) ProducerOption {
	return func(s *producerSettings) {
		switch mode {
		case "1", "leader":
			s.acks = kgo.LeaderAck()
			s.acksAll = false
		case "0", "none":
			s.acks = kgo.NoAck()
			s.acksAll = false
		case "", "all":
		default:
			log.Warn().Str("acks", mode).Msg("unknown acks mode, keeping all")
		}
	}
}

// WithCompression selects the batch codec by name: snappy, lz4, zstd,
// gzip, or none. Empty or unknown names keep snappy.
func WithCompression(name string) ProducerOption {
	return func(s *producerSettings) {
		switch name {
		case "lz4":
			s.compression = kgo.Lz4Compression()
		case "zstd":
			s.compression = kgo.ZstdCompression()
		case "gzip":
			s.compression = kgo.GzipCompression()
		case "none":
			s.compression = kgo.NoCompression()
		case "", "snappy":
		default:
			log.Warn().Str("compression", name).Msg("unknown compression codec, keeping snappy")
		}
	}
}

// WithLinger sets how long the client holds a batch open before sending.
func WithLinger(d time.Duration) ProducerOption {
	return func(s *producerSettings) { s.linger = d }
}

// WithMaxBufferedRecords caps the async-produce buffer; Produce blocks
// once the cap is reached.
func WithMaxBufferedRecords(n int) ProducerOption {
	return func(s *producerSettings) { s.maxBuffered = n }
}

// WithBatchMaxBytes caps the wire size of one batch.
func WithBatchMaxBytes(n int32) ProducerOption {
	return func(s *producerSettings) { s.batchMaxBytes = n }
}

// KafkaProducer is the franz-go implementation of Producer.
type KafkaProducer struct {
	client  *kgo.Client
	headers map[string]string // stamped onto every message unless overridden
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewProducer connects a producer to the given brokers. Records are
// batched and snappy-compressed; by default delivery waits for all
// in-sync replicas.
func NewProducer(brokers []string, opts ...ProducerOption) (*KafkaProducer, error) {
	s := defaultProducerSettings()
	for _, opt := range opts {
		opt(&s)
	}

	kgoOpts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(s.clientID),
		kgo.RequiredAcks(s.acks),
		kgo.ProducerBatchCompression(s.compression),
		kgo.ProducerLinger(s.linger),
		kgo.MaxBufferedRecords(s.maxBuffered),
		kgo.ProducerBatchMaxBytes(s.batchMaxBytes),
	}
	if !s.acksAll {
		// franz-go refuses idempotent writes below acks=all; relaxing
		// one relaxes both.
		kgoOpts = append(kgoOpts, kgo.DisableIdempotentWrite())
	}

	client, err := kgo.NewClient(kgoOpts...)
	if err != nil {
		return nil, fmt.Errorf("bus: create producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("client_id", s.clientID).
		Msg("kafka producer ready")

	return &KafkaProducer{
		client: client,
		headers: map[string]string{
			"producer":       s.clientID,
			"schema_version": s.schemaVersion,
		},
	}, nil
}

// record builds the kgo record for a message. Default headers fill in
// around the caller's, and an event_id is added for consumer-side dedup
// when the caller set none.
func (p *KafkaProducer) record(msg Message) *kgo.Record {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+len(p.headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	for k, v := range p.headers {
		if _, overridden := msg.Headers[k]; !overridden {
			headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	if _, ok := msg.Headers["event_id"]; !ok {
		headers = append(headers, kgo.RecordHeader{Key: "event_id", Value: []byte(uuid.NewString())})
	}

	return &kgo.Record{
		Topic:     msg.Topic,
		Key:       []byte(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: ts,
	}
}

// guard rejects use after Close.
func (p *KafkaProducer) guard() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("bus: producer closed")
	}
	return nil
}

// Publish sends one message and waits for the broker to acknowledge it.
func (p *KafkaProducer) Publish(ctx context.Context, msg Message) error {
	if err := p.guard(); err != nil {
		return err
	}

	res := p.client.ProduceSync(ctx, p.record(msg))
	if err := res.FirstErr(); err != nil {
		log.Error().Err(err).
			Str("topic", msg.Topic).
			Str("key", msg.Key).
			Msg("publish failed")
		return fmt.Errorf("bus: publish to %s: %w", msg.Topic, err)
	}

	if r := res[0].Record; r != nil {
		log.Debug().
			Str("topic", r.Topic).
			Int32("partition", r.Partition).
			Int64("offset", r.Offset).
			Msg("published")
	}
	return nil
}

// PublishJSON marshals value and publishes it under the given key.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("bus: marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}

// Produce hands one record to the client and returns without waiting for
// delivery. A failed delivery is counted and logged, never returned.
func (p *KafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte) error {
	if err := p.guard(); err != nil {
		return err
	}

	p.client.Produce(ctx, &kgo.Record{Topic: topic, Key: key, Value: value},
		func(_ *kgo.Record, err error) {
			if err != nil {
				p.dropped.Add(1)
				log.Error().Err(err).Str("topic", topic).Msg("async produce failed")
			}
		})
	return nil
}

// Dropped reports how many fire-and-forget records have failed delivery
// since the producer started.
func (p *KafkaProducer) Dropped() int64 { return p.dropped.Load() }

// Flush drains buffered records, waiting at most timeout. Returns 0 when
// everything went out.
func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Dur("timeout", timeout).Msg("producer flush incomplete")
		return 1
	}
	return 0
}

// Close flushes what it can and releases the client. Idempotent.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	already := p.closed
	p.closed = true
	p.mu.Unlock()
	if already {
		return
	}

	p.client.Close()
	if n := p.dropped.Load(); n > 0 {
		log.Warn().Int64("dropped", n).Msg("kafka producer closed with undelivered records")
	} else {
		log.Info().Msg("kafka producer closed")
	}
}

// --- In-memory stub ---

// StubProducer collects messages in memory. It stands in for Kafka in
// unit tests and dry runs.
type StubProducer struct {
	mu       sync.Mutex
	Messages []StubMessage
}

// StubMessage is one captured publish.
type StubMessage struct {
	Topic string
	Key   string
	Value []byte
}

// NewStubProducer creates an empty stub.
func NewStubProducer() *StubProducer {
	return &StubProducer{Messages: make([]StubMessage, 0, 1024)}
}

func (p *StubProducer) capture(topic, key string, value []byte) {
	p.mu.Lock()
	p.Messages = append(p.Messages, StubMessage{Topic: topic, Key: key, Value: value})
	p.mu.Unlock()
}

func (p *StubProducer) Publish(_ context.Context, msg Message) error {
	p.capture(msg.Topic, msg.Key, msg.Value)
	return nil
}

func (p *StubProducer) PublishJSON(_ context.Context, topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	p.capture(topic, key, data)
	return nil
}

func (p *StubProducer) Produce(_ context.Context, topic string, key []byte, value []byte) error {
	p.capture(topic, string(key), value)
	return nil
}

func (p *StubProducer) Flush(time.Duration) int { return 0 }

func (p *StubProducer) Close() {}

// ByTopic returns the captured messages for one topic, in publish order.
func (p *StubProducer) ByTopic(topic string) []StubMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []StubMessage
	for _, m := range p.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of captured messages.
func (p *StubProducer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Messages)
}
