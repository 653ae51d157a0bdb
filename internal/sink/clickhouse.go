package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/normalizer"
	"github.com/rs/zerolog/log"
)

// ClickHouse DateTime64 valid range: 1925-01-01 to 2283-11-11
var (
	minClickHouseDateTime = time.Date(1925, 1, 1, 0, 0, 0, 0, time.UTC)
	maxClickHouseDateTime = time.Date(2283, 11, 11, 23, 59, 59, 999999999, time.UTC)
)

// ensureValidDateTime clamps t into the DateTime64 range
func ensureValidDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minClickHouseDateTime) || t.After(maxClickHouseDateTime) {
		return minClickHouseDateTime
	}
	return t
}

// ClickHouseConfig configures the ClickHouse sink
type ClickHouseConfig struct {
	Addr        []string `yaml:"addr"`
	Database    string   `yaml:"database"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Table       string   `yaml:"table"`
	CreateTable bool     `yaml:"create_table"`
}

// ReplacingMergeTree collapses rows retransmitted after a lost ack
const createTableSQL = `CREATE TABLE IF NOT EXISTS %s.%s (
	batch_id         String,
	timestamp        DateTime64(9, 'UTC'),
	level            LowCardinality(String),
	message          String,
	source           LowCardinality(String),
	fields           Map(String, String),
	raw              String,
	message_template String,
	fingerprint      FixedString(32),
	inserted_at      DateTime DEFAULT now()
) ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMMDD(timestamp)
ORDER BY (source, timestamp, fingerprint)`

// ClickHouseSink inserts batches into a table over the native protocol
type ClickHouseSink struct {
	cfg             ClickHouseConfig
	responseTimeout time.Duration
}

// NewClickHouse creates the sink; no connection is made until OpenSession
func NewClickHouse(cfg ClickHouseConfig, responseTimeout time.Duration) *ClickHouseSink {
	return &ClickHouseSink{cfg: cfg, responseTimeout: responseTimeout}
}

func (s *ClickHouseSink) Name() string { return TypeClickHouse }

func (s *ClickHouseSink) OpenSession(ctx context.Context) (Session, error) {
	dialTimeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: s.cfg.Addr,
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	if s.cfg.CreateTable {
		if err := conn.Exec(ctx, fmt.Sprintf(createTableSQL, s.cfg.Database, s.cfg.Table)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table %s: %w", s.cfg.Table, err)
		}
	}

	log.Info().
		Strs("addr", s.cfg.Addr).
		Str("database", s.cfg.Database).
		Str("table", s.cfg.Table).
		Msg("Connected to ClickHouse")

	return &clickHouseSession{conn: conn, sink: s}, nil
}

type clickHouseSession struct {
	conn driver.Conn
	sink *ClickHouseSink
}

func (c *clickHouseSession) SendBatch(ctx context.Context, b *domain.Batch) (Ack, error) {
	ctx, cancel := withResponseTimeout(ctx, c.sink.responseTimeout)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s.%s (batch_id, timestamp, level, message, source, fields, raw, message_template, fingerprint)",
		c.sink.cfg.Database, c.sink.cfg.Table)
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return Ack{}, fmt.Errorf("failed to prepare batch: %w", err)
	}

	for i := range b.Records {
		rec := &b.Records[i]
		fields := rec.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		err := batch.Append(
			b.ID,
			ensureValidDateTime(rec.Timestamp),
			rec.Level,
			rec.Message,
			rec.Source,
			fields,
			rec.Raw,
			normalizer.Template(rec.Message),
			Fingerprint(rec),
		)
		if err != nil {
			batch.Abort()
			return Ack{}, fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return Ack{}, fmt.Errorf("failed to send batch: %w", err)
	}

	log.Debug().
		Str("batch_id", b.ID).
		Int("records", b.Len()).
		Msg("Batch written to ClickHouse")

	return Ack{BatchID: b.ID, Records: b.Len()}, nil
}

func (c *clickHouseSession) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}
