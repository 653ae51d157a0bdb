package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/batcher"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/metrics"
	"github.com/SteelMorgan/log-shipper/internal/observability"
	"github.com/SteelMorgan/log-shipper/internal/retry"
	"github.com/SteelMorgan/log-shipper/internal/sink"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"
)

// State is the connection state of the shipper session
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Sending
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Sending:
		return "sending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a snapshot of the shipper's control loop
type Session struct {
	State               State
	ConsecutiveFailures int
	NextRetryDelay      time.Duration
}

// Config holds delivery settings
type Config struct {
	ConnectTimeout       time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	SendTimeout          time.Duration `yaml:"send_timeout" validate:"gt=0"`
	ResponseTimeout      time.Duration `yaml:"response_timeout" validate:"gt=0"`
	Backoff              retry.Backoff `yaml:"backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" validate:"min=1"`
}

// DefaultConfig returns default delivery settings
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		SendTimeout:          30 * time.Second,
		ResponseTimeout:      10 * time.Second,
		Backoff:              retry.DefaultBackoff(),
		MaxReconnectAttempts: 5,
	}
}

// Source is the batch queue the shipper drains
type Source interface {
	Next(ctx context.Context) (*domain.Batch, error)
	Ack(ctx context.Context, id string) error
	Nack(id string) error
	SetUnhealthy(unhealthy bool)
}

// Shipper delivers batches from a Source to a sink, one at a time
type Shipper struct {
	cfg     Config
	sink    sink.Sink
	source  Source
	breaker *gobreaker.CircuitBreaker[sink.Ack]
	healthy atomic.Bool

	mu      sync.Mutex
	session Session
	conn    sink.Session
}

// New creates a shipper. The circuit breaker opens after
// MaxReconnectAttempts consecutive failed delivery cycles (connect or send)
// and marks the source unhealthy.
func New(cfg Config, s sink.Sink, source Source) *Shipper {
	sh := &Shipper{
		cfg:    cfg,
		sink:   s,
		source: source,
	}
	sh.healthy.Store(true)
	metrics.ShipperHealthy.Set(1)

	sh.breaker = gobreaker.NewCircuitBreaker[sink.Ack](gobreaker.Settings{
		Name:        "sink-" + s.Name(),
		MaxRequests: 1,
		Timeout:     cfg.Backoff.Max,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxReconnectAttempts)
		},
		OnStateChange: sh.onStateChange,
	})
	return sh
}

func (s *Shipper) onStateChange(name string, from, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		s.healthy.Store(false)
		metrics.ShipperHealthy.Set(0)
		s.source.SetUnhealthy(true)
		log.Error().
			Str("sink", name).
			Int("max_reconnect_attempts", s.cfg.MaxReconnectAttempts).
			Msg("Sink unhealthy, applying buffer overflow policy")
	case gobreaker.StateClosed:
		s.healthy.Store(true)
		metrics.ShipperHealthy.Set(1)
		s.source.SetUnhealthy(false)
		log.Info().
			Str("sink", name).
			Msg("Sink healthy again")
	case gobreaker.StateHalfOpen:
		log.Info().
			Str("sink", name).
			Msg("Probing sink")
	}
}

// Healthy reports false while the circuit breaker is open or half-open
func (s *Shipper) Healthy() bool {
	return s.healthy.Load()
}

// Session returns a snapshot of the control loop state
func (s *Shipper) Session() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Shipper) setState(st State) {
	s.mu.Lock()
	s.session.State = st
	s.mu.Unlock()
}

// Run delivers batches until ctx ends or the source is closed and empty.
// It returns an error only when acknowledging a delivered batch fails.
func (s *Shipper) Run(ctx context.Context) error {
	defer s.disconnect()

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := s.source.Next(ctx)
		if err != nil {
			if errors.Is(err, batcher.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to take batch: %w", err)
		}

		ack, stage, err := s.deliver(ctx, batch)
		if err != nil {
			if nackErr := s.source.Nack(batch.ID); nackErr != nil {
				log.Error().Err(nackErr).Str("batch_id", batch.ID).Msg("Failed to requeue batch")
			}
			s.disconnect()
			if ctx.Err() != nil {
				return nil
			}
			s.backoff(ctx, stage, err)
			continue
		}

		// The sink has the batch; purging staging is the durability step
		if err := s.source.Ack(context.WithoutCancel(ctx), batch.ID); err != nil {
			metrics.ShipFailures.WithLabelValues("ack").Inc()
			return fmt.Errorf("failed to acknowledge batch %s: %w", batch.ID, err)
		}

		s.mu.Lock()
		s.session = Session{State: Connected}
		s.mu.Unlock()

		metrics.BatchesShipped.Inc()
		log.Debug().
			Str("batch_id", batch.ID).
			Int("records", ack.Records).
			Uint64("sequence", ack.Sequence).
			Bool("duplicate", ack.Duplicate).
			Msg("Batch delivered")
	}
}

// deliver runs one connect-if-needed and send cycle through the breaker.
// Only a delivered batch counts as a success, so a sink that accepts
// connections but fails every send still trips the breaker.
func (s *Shipper) deliver(ctx context.Context, batch *domain.Batch) (sink.Ack, string, error) {
	stage := "connect"
	ack, err := s.breaker.Execute(func() (sink.Ack, error) {
		if s.conn == nil {
			if err := s.connect(ctx); err != nil {
				return sink.Ack{}, err
			}
		}
		stage = "send"
		return s.send(ctx, batch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		stage = "breaker"
	}
	return ack, stage, err
}

func (s *Shipper) connect(ctx context.Context) error {
	s.setState(Connecting)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.sink.OpenSession(cctx)
	if err != nil {
		s.setState(Disconnected)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.session.State = Connected
	s.mu.Unlock()

	log.Info().
		Str("sink", s.sink.Name()).
		Msg("Sink session established")
	return nil
}

func (s *Shipper) send(ctx context.Context, batch *domain.Batch) (sink.Ack, error) {
	s.setState(Sending)

	sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	sctx, span := observability.StartSpan(sctx, "shipper.send",
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.records", batch.Len()),
		attribute.String("sink", s.sink.Name()),
	)

	start := time.Now()
	ack, err := s.conn.SendBatch(sctx, batch)
	observability.EndSpan(span, err, "batch sent")
	if err != nil {
		return sink.Ack{}, err
	}

	metrics.ShipLatency.Observe(time.Since(start).Seconds())
	return ack, nil
}

func (s *Shipper) disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.session.State = Disconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sink session")
		}
	}
}

// backoff records a failure and sleeps for the next retry delay
func (s *Shipper) backoff(ctx context.Context, stage string, err error) {
	s.mu.Lock()
	if stage != "breaker" {
		s.session.ConsecutiveFailures++
	}
	n := s.session.ConsecutiveFailures - 1
	delay := s.cfg.Backoff.Delay(n)
	s.session.NextRetryDelay = delay
	failures := s.session.ConsecutiveFailures
	s.mu.Unlock()

	metrics.ShipFailures.WithLabelValues(stage).Inc()

	ev := log.Warn()
	if !retry.IsRetryableError(err, retry.DefaultConfig()) && stage != "breaker" {
		ev = log.Error()
	}
	ev.Err(err).
		Str("stage", stage).
		Int("consecutive_failures", failures).
		Dur("retry_delay", delay).
		Msg("Delivery failed, retrying")

	retry.Sleep(ctx, delay)
}
