package sink

import (
	"context"
	"testing"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/codec"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func testBatch(id string) *domain.Batch {
	recs := []domain.NormalizedLog{
		{Timestamp: time.Unix(1700000000, 0).UTC(), Level: "info", Message: "started", Source: "/var/log/a.log"},
		{Timestamp: time.Unix(1700000001, 0).UTC(), Level: "error", Message: "failed", Source: "/var/log/a.log"},
	}
	return &domain.Batch{ID: id, Records: recs, CreatedAt: time.Unix(1700000002, 0).UTC()}
}

// startJetStream runs an embedded NATS server with JetStream on a random port
func startJetStream(t *testing.T) string {
	t.Helper()
	opts := &server.Options{
		ServerName: "sink-test",
		Host:       "127.0.0.1",
		Port:       -1,
		JetStream:  true,
		StoreDir:   t.TempDir(),
		NoLog:      true,
		NoSigs:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatalf("NATS server not ready within timeout")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns.ClientURL()
}

func TestNATSSink_PublishesAndDedups(t *testing.T) {
	url := startJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConfig().NATS
	cfg.URL = url
	s, err := New(Config{Type: TypeNATS, Compression: codec.Zstd, NATS: cfg}, 5*time.Second)
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
	if first.Duplicate || first.Records != 2 || first.Sequence != 1 {
		t.Errorf("first ack = %+v", first)
	}

	// Retransmission after a lost ack
	again, err := sess.SendBatch(ctx, testBatch("batch-1"))
	if err != nil {
		t.Fatalf("SendBatch() retry error = %v", err)
	}
	if !again.Duplicate {
		t.Errorf("retransmission not reported as duplicate: %+v", again)
	}

	if _, err := sess.SendBatch(ctx, testBatch("batch-2")); err != nil {
		t.Fatalf("SendBatch() error = %v", err)
	}

	// Inspect the stream directly
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, _ := jetstream.New(nc)
	stream, err := js.Stream(ctx, cfg.Stream)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.State.Msgs != 2 {
		t.Errorf("stream holds %d messages, want 2", info.State.Msgs)
	}

	raw, err := stream.GetMsg(ctx, 1)
	if err != nil {
		t.Fatalf("GetMsg() error = %v", err)
	}
	if raw.Header.Get("Content-Encoding") != codec.Zstd {
		t.Errorf("Content-Encoding = %q", raw.Header.Get("Content-Encoding"))
	}
	decoded, err := codec.DecodeBatch(raw.Data, codec.Zstd)
	if err != nil {
		t.Fatalf("DecodeBatch() error = %v", err)
	}
	if decoded.ID != "batch-1" || decoded.Len() != 2 || decoded.Records[1].Message != "failed" {
		t.Errorf("decoded batch = %+v", decoded)
	}
}

func TestNATSSink_ConnectFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s := NewNATS(NATSConfig{URL: "nats://127.0.0.1:1", Stream: "LOGS", Subject: "logs.x"}, codec.None, time.Second)
	if _, err := s.OpenSession(ctx); err == nil {
		t.Errorf("OpenSession() expected error for unreachable server")
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(Config{Type: "syslog"}, time.Second); err == nil {
		t.Errorf("New() expected error for unknown type")
	}

	for _, typ := range []string{TypeClickHouse, TypeNATS, TypeKafka} {
		cfg := DefaultConfig()
		cfg.Type = typ
		s, err := New(cfg, time.Second)
		if err != nil {
			t.Fatalf("New(%s) error = %v", typ, err)
		}
		if s.Name() != typ {
			t.Errorf("Name() = %s, want %s", s.Name(), typ)
		}
	}
}

func TestFingerprint(t *testing.T) {
	base := domain.NormalizedLog{
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Level:     "info",
		Message:   "hello",
		Source:    "/var/log/a.log",
		Fields:    map[string]string{"b": "2", "a": "1"},
	}
	same := base
	same.Fields = map[string]string{"a": "1", "b": "2"}
	other := base
	other.Message = "hello!"

	fp := Fingerprint(&base)
	if len(fp) != 32 {
		t.Errorf("fingerprint length = %d, want 32", len(fp))
	}
	if Fingerprint(&same) != fp {
		t.Errorf("field order changed fingerprint")
	}
	if Fingerprint(&other) == fp {
		t.Errorf("different message produced same fingerprint")
	}
}

func TestEnsureValidDateTime(t *testing.T) {
	valid := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{in: valid, want: valid},
		{in: time.Time{}, want: minClickHouseDateTime},
		{in: time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), want: minClickHouseDateTime},
		{in: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC), want: minClickHouseDateTime},
	}
	for _, tt := range tests {
		if got := ensureValidDateTime(tt.in); !got.Equal(tt.want) {
			t.Errorf("ensureValidDateTime(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
