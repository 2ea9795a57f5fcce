// Package ingest feeds the knowledge store from a NATS subject.
//
// Producers publish JSON messages {"question", "answer", "provenance"}
// to the configured subject; the subscriber validates each message and
// appends it to the store. A queue group spreads load when several
// MuninnDB replicas subscribe. Appends never block on compaction, so
// the subscriber keeps up during a cycle.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orneryd/muninndb/pkg/record"
)

// Appender is the store-side sink for ingested records.
type Appender interface {
	Append(rec record.Record) (record.ID, error)
}

// Message is the wire format producers publish.
type Message struct {
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Provenance []string `json:"provenance,omitempty"`
}

// Config holds subscriber configuration.
type Config struct {
	URL     string // NATS server URL (default: nats://localhost:4222)
	Subject string // Subject to subscribe to (default: muninn.records)
	Queue   string // Queue group name (default: muninndb)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:     nats.DefaultURL,
		Subject: "muninn.records",
		Queue:   "muninndb",
	}
}

// Subscriber consumes producer messages and appends them to the store.
type Subscriber struct {
	config   *Config
	appender Appender

	conn *nats.Conn
	sub  *nats.Subscription

	accepted uint64
	rejected uint64
}

// NewSubscriber creates an ingest subscriber. If config is nil,
// DefaultConfig() is used.
func NewSubscriber(config *Config, appender Appender) *Subscriber {
	if config == nil {
		config = DefaultConfig()
	}
	return &Subscriber{config: config, appender: appender}
}

// Start connects to NATS and begins consuming. Reconnection is handled
// by the client; missed messages during an outage are the producer's
// concern, same as any core NATS subscription.
func (s *Subscriber) Start() error {
	conn, err := nats.Connect(s.config.URL,
		nats.Name("muninndb-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	s.conn = conn

	sub, err := conn.QueueSubscribe(s.config.Subject, s.config.Queue, func(msg *nats.Msg) {
		s.handle(msg.Data)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", s.config.Subject, err)
	}
	s.sub = sub

	fmt.Printf("📨 Ingest subscribed to %s (queue %s)\n", s.config.Subject, s.config.Queue)
	return nil
}

// handle processes one producer message. Bad payloads are counted and
// dropped; they never abort the subscription.
func (s *Subscriber) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		fmt.Printf("⚠️  Ingest: bad payload: %v\n", err)
		return
	}

	_, err := s.appender.Append(record.Record{
		Question:   msg.Question,
		Answer:     msg.Answer,
		Provenance: msg.Provenance,
	})
	if err != nil {
		atomic.AddUint64(&s.rejected, 1)
		if !errors.Is(err, record.ErrValidation) {
			fmt.Printf("⚠️  Ingest: append failed: %v\n", err)
		}
		return
	}
	atomic.AddUint64(&s.accepted, 1)
}

// Stats reports subscriber counters.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// Stats returns current subscriber statistics.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Accepted: atomic.LoadUint64(&s.accepted),
		Rejected: atomic.LoadUint64(&s.rejected),
	}
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
