package sink

import (
	"context"
	"testing"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/codec"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

func startKafka(t *testing.T, topic string) []string {
	t.Helper()
	c, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topic))
	if err != nil {
		t.Fatalf("start fake cluster: %v", err)
	}
	t.Cleanup(c.Close)
	return c.ListenAddrs()
}

func TestKafkaSink_ProducesKeyedBatches(t *testing.T) {
	brokers := startKafka(t, "logs")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(Config{
		Type:        TypeKafka,
		Compression: codec.Zstd,
		Kafka:       KafkaConfig{Brokers: brokers, Topic: "logs", ClientID: "sink-test"},
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sess, err := s.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	defer sess.Close()

	first, err := sess.SendBatch(ctx, testBatch("batch-1"))
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if first.BatchID != "batch-1" || first.Records != 2 || first.Sequence != 0 {
		t.Errorf("first ack = %+v", first)
	}
	second, err := sess.SendBatch(ctx, testBatch("batch-2"))
	if err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}
	if second.Sequence != 1 {
		t.Errorf("second ack sequence = %d, want 1", second.Sequence)
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics("logs"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		t.Fatalf("create consumer: %v", err)
	}
	defer consumer.Close()

	var records []*kgo.Record
	for len(records) < 2 {
		fetches := consumer.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			t.Fatalf("consumed %d records before timeout", len(records))
		}
		fetches.EachError(func(topic string, p int32, err error) {
			t.Fatalf("fetch %s/%d: %v", topic, p, err)
		})
		records = append(records, fetches.Records()...)
	}

	rec := records[0]
	if string(rec.Key) != "batch-1" {
		t.Errorf("key = %q, want batch-1", rec.Key)
	}
	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["content-encoding"] != codec.ContentEncoding(codec.Zstd) || headers["log-records"] != "2" {
		t.Errorf("headers = %v", headers)
	}

	decoded, err := codec.DecodeBatch(rec.Value, codec.Zstd)
	if err != nil {
		t.Fatalf("DecodeBatch() error = %v", err)
	}
	if decoded.ID != "batch-1" || decoded.Len() != 2 || decoded.Records[0].Message != "started" {
		t.Errorf("decoded batch = %+v", decoded)
	}
	if string(records[1].Key) != "batch-2" {
		t.Errorf("second key = %q, want batch-2", records[1].Key)
	}
}

func TestKafkaSink_ConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := NewKafka(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "logs"}, codec.None, time.Second)
	if _, err := s.OpenSession(ctx); err == nil {
		t.Errorf("OpenSession() expected error for unreachable broker")
	}
}
