package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/codec"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaConfig configures the Kafka sink
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// KafkaSink produces each batch as one record keyed by batch ID and
// waits for all in-sync replicas
type KafkaSink struct {
	cfg             KafkaConfig
	compression     string
	responseTimeout time.Duration
}

// NewKafka creates the sink; no connection is made until OpenSession
func NewKafka(cfg KafkaConfig, compression string, responseTimeout time.Duration) *KafkaSink {
	return &KafkaSink{cfg: cfg, compression: compression, responseTimeout: responseTimeout}
}

func (s *KafkaSink) Name() string { return TypeKafka }

func (s *KafkaSink) OpenSession(ctx context.Context) (Session, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.cfg.Brokers...),
		kgo.ClientID(s.cfg.ClientID),
		kgo.DefaultProduceTopic(s.cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		// Batches are already compressed by the codec
		kgo.ProducerBatchCompression(kgo.NoCompression()),
		// A failed produce is retried by the shipper, not buffered in the client
		kgo.RecordRetries(1),
	}
	if s.responseTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(s.responseTimeout))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, kgo.DialTimeout(time.Until(deadline)))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping kafka: %w", err)
	}

	log.Info().
		Strs("brokers", s.cfg.Brokers).
		Str("topic", s.cfg.Topic).
		Msg("Connected to Kafka")

	return &kafkaSession{client: client, sink: s}, nil
}

type kafkaSession struct {
	client *kgo.Client
	sink   *KafkaSink
}

func (k *kafkaSession) SendBatch(ctx context.Context, b *domain.Batch) (Ack, error) {
	data, err := codec.EncodeBatch(b, k.sink.compression)
	if err != nil {
		return Ack{}, err
	}

	rec := &kgo.Record{
		Topic: k.sink.cfg.Topic,
		Key:   []byte(b.ID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "content-encoding", Value: []byte(codec.ContentEncoding(k.sink.compression))},
			{Key: "log-records", Value: []byte(fmt.Sprint(b.Len()))},
		},
	}

	ctx, cancel := withResponseTimeout(ctx, k.sink.responseTimeout)
	defer cancel()

	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return Ack{}, fmt.Errorf("failed to produce batch %s: %w", b.ID, err)
	}

	return Ack{BatchID: b.ID, Records: b.Len(), Sequence: uint64(rec.Offset)}, nil
}

func (k *kafkaSession) Close() error {
	k.client.Close()
	return nil
}
