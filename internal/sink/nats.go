package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/codec"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the JetStream sink
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Stream          string        `yaml:"stream"`
	Subject         string        `yaml:"subject"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	CreateStream    bool          `yaml:"create_stream"`
}

// NATSSink publishes each batch as one JetStream message. The batch ID is
// the message ID, so retransmissions inside the duplicate window are dropped
// by the server.
type NATSSink struct {
	cfg             NATSConfig
	compression     string
	responseTimeout time.Duration
}

// NewNATS creates the sink; no connection is made until OpenSession
func NewNATS(cfg NATSConfig, compression string, responseTimeout time.Duration) *NATSSink {
	return &NATSSink{cfg: cfg, compression: compression, responseTimeout: responseTimeout}
}

func (s *NATSSink) Name() string { return TypeNATS }

func (s *NATSSink) OpenSession(ctx context.Context) (Session, error) {
	opts := []nats.Option{
		nats.Name("log-shipper"),
		// Reconnects are driven by the shipper
		nats.NoReconnect(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	if s.cfg.CreateStream {
		if err := s.ensureStream(ctx, js); err != nil {
			nc.Close()
			return nil, err
		}
	}

	log.Info().
		Str("url", s.cfg.URL).
		Str("stream", s.cfg.Stream).
		Str("subject", s.cfg.Subject).
		Msg("Connected to NATS JetStream")

	return &natsSession{nc: nc, js: js, sink: s}, nil
}

// ensureStream creates the stream or updates it to the configured settings
func (s *NATSSink) ensureStream(ctx context.Context, js jetstream.JetStream) error {
	streamCfg := jetstream.StreamConfig{
		Name:       s.cfg.Stream,
		Subjects:   []string{s.cfg.Subject},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: s.cfg.DuplicateWindow,
		Discard:    jetstream.DiscardOld,
	}

	_, err := js.Stream(ctx, s.cfg.Stream)
	if err == nil {
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", s.cfg.Stream, err)
		}
		return nil
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := js.CreateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("create stream %s: %w", s.cfg.Stream, err)
		}
		return nil
	}
	return fmt.Errorf("check stream %s: %w", s.cfg.Stream, err)
}

type natsSession struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	sink *NATSSink
}

func (n *natsSession) SendBatch(ctx context.Context, b *domain.Batch) (Ack, error) {
	if n.nc.IsClosed() {
		return Ack{}, ErrSessionClosed
	}

	data, err := codec.EncodeBatch(b, n.sink.compression)
	if err != nil {
		return Ack{}, err
	}

	msg := nats.NewMsg(n.sink.cfg.Subject)
	msg.Data = data
	msg.Header.Set("Content-Encoding", codec.ContentEncoding(n.sink.compression))
	msg.Header.Set("Log-Records", fmt.Sprint(b.Len()))

	ctx, cancel := withResponseTimeout(ctx, n.sink.responseTimeout)
	defer cancel()

	pa, err := n.js.PublishMsg(ctx, msg, jetstream.WithMsgID(b.ID))
	if err != nil {
		return Ack{}, fmt.Errorf("failed to publish batch %s: %w", b.ID, err)
	}

	if pa.Duplicate {
		log.Debug().
			Str("batch_id", b.ID).
			Uint64("seq", pa.Sequence).
			Msg("JetStream reported duplicate batch")
	}

	return Ack{BatchID: b.ID, Records: b.Len(), Sequence: pa.Sequence, Duplicate: pa.Duplicate}, nil
}

func (n *natsSession) Close() error {
	n.nc.Close()
	return nil
}
