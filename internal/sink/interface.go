// Package sink implements the downstream side of the shipper:
// sessions that accept batches and acknowledge them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
)

// Sink types
const (
	TypeClickHouse = "clickhouse"
	TypeNATS       = "nats"
	TypeKafka      = "kafka"
)

// ErrSessionClosed is returned by SendBatch after Close
var ErrSessionClosed = errors.New("sink session closed")

// Ack is the sink's confirmation that a batch is stored
type Ack struct {
	BatchID   string
	Records   int
	Sequence  uint64 // Stream sequence or partition offset, when the sink has one
	Duplicate bool   // The sink recognised a retransmission
}

// Sink opens sessions to the downstream system
type Sink interface {
	// Name identifies the sink in logs and metrics
	Name() string

	// OpenSession connects; ctx carries the connect timeout
	OpenSession(ctx context.Context) (Session, error)
}

// Session is one live connection. It is used by a single goroutine.
type Session interface {
	// SendBatch delivers b and waits for the acknowledgement
	SendBatch(ctx context.Context, b *domain.Batch) (Ack, error)

	// Close releases the connection
	Close() error
}

// Config selects and configures the sink
type Config struct {
	Type        string           `yaml:"type" validate:"oneof=clickhouse nats kafka"`
	Compression string           `yaml:"compression" validate:"oneof=none gzip zstd lz4"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	NATS        NATSConfig       `yaml:"nats"`
	Kafka       KafkaConfig      `yaml:"kafka"`
}

// DefaultConfig returns a ClickHouse sink on localhost
func DefaultConfig() Config {
	return Config{
		Type:        TypeClickHouse,
		Compression: "zstd",
		ClickHouse: ClickHouseConfig{
			Addr:        []string{"localhost:9000"},
			Database:    "logs",
			Username:    "default",
			Table:       "agent_logs",
			CreateTable: true,
		},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			Stream:          "LOGS",
			Subject:         "logs.batches",
			DuplicateWindow: 2 * time.Minute,
			CreateStream:    true,
		},
		Kafka: KafkaConfig{
			Brokers:  []string{"localhost:9092"},
			Topic:    "logs",
			ClientID: "log-shipper",
		},
	}
}

// New builds the sink selected by cfg.Type. responseTimeout bounds the
// wait for each acknowledgement.
func New(cfg Config, responseTimeout time.Duration) (Sink, error) {
	switch cfg.Type {
	case TypeClickHouse:
		return NewClickHouse(cfg.ClickHouse, responseTimeout), nil
	case TypeNATS:
		return NewNATS(cfg.NATS, cfg.Compression, responseTimeout), nil
	case TypeKafka:
		return NewKafka(cfg.Kafka, cfg.Compression, responseTimeout), nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// withResponseTimeout applies the ack timeout unless ctx already ends sooner
func withResponseTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
