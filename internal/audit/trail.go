package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nexus-trading/jeetwatch/internal/bus"
	"github.com/nexus-trading/jeetwatch/internal/jeet"
	"github.com/nexus-trading/jeetwatch/internal/ledger"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	// Topic is the Kafka/RedPanda topic for audit events.
	Topic = "audit.event_store"

	// Entry event types.
	EventInvalid   = "invalid_event"
	EventShortfall = "shortfall"
	EventJeet      = "jeet_flagged"
	EventSnapshot  = "snapshot_published"
)

// Entry represents a single audit trail entry. Every notable decision the
// matching engine makes gets recorded as an Entry, creating an immutable log
// for replay, debugging, and compliance.
type Entry struct {
	TraceID   string    `json:"trace_id"`
	EventType string    `json:"event_type"` // invalid_event|shortfall|jeet_flagged|snapshot_published
	Timestamp time.Time `json:"ts"`
	Wallet    string    `json:"wallet,omitempty"`
	Token     string    `json:"token,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Payload   string    `json:"payload"` // JSON of the full event
}

// Trail records notable engine decisions. It maintains an in-memory buffer
// (capped at maxBuf) for querying and also publishes every entry to the
// audit topic via the producer.
type Trail struct {
	mu       sync.Mutex
	producer bus.Producer
	entries  []Entry
	maxBuf   int
}

// NewTrail creates a new audit trail.
// maxBuf controls the maximum number of entries kept in the in-memory buffer.
// Once the buffer is full, the oldest entries are discarded (FIFO).
// A maxBuf of 0 means no in-memory buffering (entries are only published).
func NewTrail(producer bus.Producer, maxBuf int) *Trail {
	if maxBuf < 0 {
		maxBuf = 0
	}
	entries := make([]Entry, 0, maxBuf)
	return &Trail{
		producer: producer,
		entries:  entries,
		maxBuf:   maxBuf,
	}
}

// RecordInvalidEvent logs a balance-change event rejected by validation.
func (t *Trail) RecordInvalidEvent(traceID string, ev ledger.BalanceChange, reason string) {
	t.record(Entry{
		TraceID:   traceID,
		EventType: EventInvalid,
		Timestamp: time.Now(),
		Wallet:    ev.Wallet,
		Token:     ev.Token,
		Reason:    reason,
		Payload:   mustMarshal(ev),
	})
}

// RecordShortfall logs a disposal that exceeded tracked inventory. The
// payload carries the unmatched residual and whether a synthetic lot was
// booked for it.
func (t *Trail) RecordShortfall(traceID, wallet, token string, residual decimal.Decimal, syntheticBooked bool) {
	payload := mustMarshal(struct {
		Wallet          string          `json:"wallet"`
		Token           string          `json:"token"`
		Residual        decimal.Decimal `json:"residual"`
		SyntheticBooked bool            `json:"synthetic_booked"`
	}{wallet, token, residual, syntheticBooked})

	t.record(Entry{
		TraceID:   traceID,
		EventType: EventShortfall,
		Timestamp: time.Now(),
		Wallet:    wallet,
		Token:     token,
		Payload:   payload,
	})
}

// RecordJeet logs a realized trade that was classified as a jeet.
func (t *Trail) RecordJeet(traceID string, rec jeet.Record) {
	t.record(Entry{
		TraceID:   traceID,
		EventType: EventJeet,
		Timestamp: rec.DisposedAt,
		Wallet:    rec.Wallet,
		Token:     rec.Token,
		Payload:   mustMarshal(rec),
	})
}

// RecordSnapshot logs a published aggregate snapshot.
func (t *Trail) RecordSnapshot(traceID string, snap jeet.Snapshot) {
	t.record(Entry{
		TraceID:   traceID,
		EventType: EventSnapshot,
		Timestamp: time.Now(),
		Payload:   mustMarshal(snap),
	})
}

// Query returns all entries matching a given trace ID.
// Searches the in-memory buffer only.
func (t *Trail) Query(traceID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []Entry
	for _, e := range t.entries {
		if e.TraceID == traceID {
			result = append(result, e)
		}
	}
	return result
}

// Entries returns a copy of all entries in the in-memory buffer.
func (t *Trail) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]Entry, len(t.entries))
	copy(result, t.entries)
	return result
}

// Len returns the number of entries in the in-memory buffer.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// record adds an entry to the in-memory buffer and publishes it to the bus.
func (t *Trail) record(entry Entry) {
	t.mu.Lock()

	// Add to in-memory buffer with FIFO eviction.
	if t.maxBuf > 0 {
		if len(t.entries) >= t.maxBuf {
			// Shift left: discard oldest entry.
			copy(t.entries, t.entries[1:])
			t.entries[len(t.entries)-1] = entry
		} else {
			t.entries = append(t.entries, entry)
		}
	}

	t.mu.Unlock()

	// Publish to audit topic via producer (outside lock).
	if t.producer != nil {
		key := entry.EventType
		if entry.TraceID != "" {
			key = entry.TraceID
		}
		if err := t.producer.PublishJSON(context.Background(), Topic, key, entry); err != nil {
			log.Error().Err(err).
				Str("event_type", entry.EventType).
				Str("trace_id", entry.TraceID).
				Msg("Failed to publish audit entry")
		}
	}
}

// mustMarshal marshals v to JSON, returning "{}" on error.
func mustMarshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal audit payload")
		return "{}"
	}
	return string(data)
}
