package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/metrics"
	"github.com/SteelMorgan/log-shipper/internal/observability"
	"github.com/SteelMorgan/log-shipper/internal/staging"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

// Capacity modes
const (
	Bounded   = "bounded"
	Unbounded = "unbounded"
)

// Overflow policies
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
	Block      = "block"
)

// Unhealthy policies
const (
	UnhealthyConfigured = "configured"
	UnhealthyDropOldest = "drop_oldest"
)

var (
	// ErrDropped is returned by Submit when the record was rejected by drop_newest
	ErrDropped = errors.New("record dropped by overflow policy")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("batcher closed")

	// ErrUnknownBatch is returned by Ack/Nack for a batch that is not in flight
	ErrUnknownBatch = errors.New("batch not in flight")
)

// Config holds buffer and batching settings
type Config struct {
	CapacityMode    string        `yaml:"capacity_mode" validate:"oneof=bounded unbounded"`
	Capacity        int           `yaml:"capacity" validate:"min=1"`
	BatchSize       int           `yaml:"batch_size" validate:"min=1"`
	MaxBatchBytes   int           `yaml:"max_batch_bytes" validate:"gte=0"`
	FlushTimeout    time.Duration `yaml:"flush_timeout" validate:"gt=0"`
	OverflowPolicy  string        `yaml:"overflow_policy" validate:"oneof=drop_oldest drop_newest block"`
	UnhealthyPolicy string        `yaml:"unhealthy_policy" validate:"oneof=configured drop_oldest"`
	Durability      string        `yaml:"durability" validate:"oneof=memory badger"`
	StagingPath     string        `yaml:"staging_path" validate:"required_if=Durability badger"`
	DrainRate       float64       `yaml:"drain_rate" validate:"gte=0"`
	DrainBurst      int           `yaml:"drain_burst" validate:"gte=0"`
}

// DefaultConfig returns default buffer settings
func DefaultConfig() Config {
	return Config{
		CapacityMode:    Bounded,
		Capacity:        100000,
		BatchSize:       500,
		MaxBatchBytes:   4 << 20,
		FlushTimeout:    time.Second,
		OverflowPolicy:  Block,
		UnhealthyPolicy: UnhealthyConfigured,
		Durability:      "badger",
		StagingPath:     "data/staging",
	}
}

// Stats is a snapshot of buffer occupancy
type Stats struct {
	Buffered  int    // Records in the open and ready batches
	Ready     int    // Closed batches waiting for the shipper
	InFlight  int    // Batches handed out and not yet acknowledged
	Dropped   uint64 // Records discarded by the overflow policy
	Unhealthy bool
}

type entry struct {
	seq  uint64
	rec  domain.NormalizedLog
	size int
}

type pendingBatch struct {
	id      string
	created time.Time
	entries []entry
	bytes   int
}

func (b *pendingBatch) seqs() []uint64 {
	out := make([]uint64, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.seq
	}
	return out
}

func (b *pendingBatch) toDomain() *domain.Batch {
	recs := make([]domain.NormalizedLog, len(b.entries))
	for i, e := range b.entries {
		recs[i] = e.rec
	}
	return &domain.Batch{
		ID:        b.id,
		Records:   recs,
		CreatedAt: b.created,
		Bytes:     b.bytes,
	}
}

// Batcher groups records into batches and holds them until acknowledged
type Batcher struct {
	cfg     Config
	stage   staging.Store
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	changed   chan struct{}
	open      *pendingBatch
	ready     []*pendingBatch
	inflight  map[string]*pendingBatch
	buffered  int
	dropped   uint64
	unhealthy bool
	closed    bool
}

// Open creates a batcher on stage and rebuilds batches left by a previous run
func Open(ctx context.Context, cfg Config, stage staging.Store) (*Batcher, error) {
	b := &Batcher{
		cfg:      cfg,
		stage:    stage,
		now:      time.Now,
		changed:  make(chan struct{}),
		inflight: make(map[string]*pendingBatch),
	}
	if cfg.DrainRate > 0 {
		burst := cfg.DrainBurst
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.DrainRate), burst)
	}

	if err := b.replay(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// replay turns every staged record back into a ready batch.
// Batches open at crash time are sealed now.
func (b *Batcher) replay(ctx context.Context) error {
	rec, err := b.stage.Replay(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*pendingBatch)
	for _, r := range rec.Records {
		pb, ok := byID[r.BatchID]
		if !ok {
			pb = &pendingBatch{id: r.BatchID, created: b.now()}
			if seal, sealed := rec.Seals[r.BatchID]; sealed {
				pb.created = seal.CreatedAt
			}
			byID[r.BatchID] = pb
			b.ready = append(b.ready, pb)
		}
		size := r.Record.Size()
		pb.entries = append(pb.entries, entry{seq: r.Seq, rec: r.Record, size: size})
		pb.bytes += size
		b.buffered++
	}

	for _, pb := range b.ready {
		if _, sealed := rec.Seals[pb.id]; sealed {
			continue
		}
		if err := b.stage.Seal(ctx, staging.Seal{BatchID: pb.id, CreatedAt: pb.created, Seqs: pb.seqs()}); err != nil {
			return fmt.Errorf("seal recovered batch: %w", err)
		}
	}

	// Seals whose records were all evicted
	for id := range rec.Seals {
		if _, ok := byID[id]; !ok {
			if err := b.stage.DeleteBatch(ctx, id, nil); err != nil {
				return fmt.Errorf("drop empty batch: %w", err)
			}
		}
	}

	metrics.BufferedRecords.Set(float64(b.buffered))
	if len(b.ready) > 0 {
		log.Info().
			Int("batches", len(b.ready)).
			Int("records", b.buffered).
			Msg("Recovered staged batches")
	}
	return nil
}

// broadcast wakes every waiter; callers hold mu
func (b *Batcher) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Batcher) full() bool {
	bounded := b.cfg.CapacityMode == Bounded || b.unhealthy
	return bounded && b.buffered >= b.cfg.Capacity
}

func (b *Batcher) policy() string {
	if b.unhealthy && b.cfg.UnhealthyPolicy == UnhealthyDropOldest {
		return DropOldest
	}
	return b.cfg.OverflowPolicy
}

// Submit accepts one record. With durable staging the record is on disk
// when Submit returns nil.
func (b *Batcher) Submit(ctx context.Context, rec domain.NormalizedLog) error {
	b.mu.Lock()
admit:
	for {
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if !b.full() {
			break
		}

		switch b.policy() {
		case DropNewest:
			b.dropped++
			b.mu.Unlock()
			metrics.BufferDropped.WithLabelValues(DropNewest).Inc()
			return ErrDropped

		case DropOldest:
			evicted, err := b.evictOldest(ctx)
			if err != nil {
				b.mu.Unlock()
				return err
			}
			if !evicted {
				// Everything buffered is in flight
				break admit
			}

		default:
			wait := b.changed
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			b.mu.Lock()
		}
	}
	defer b.mu.Unlock()

	size := rec.Size()
	if b.open != nil && b.cfg.MaxBatchBytes > 0 && b.open.bytes+size > b.cfg.MaxBatchBytes {
		if err := b.sealLocked(ctx, "bytes"); err != nil {
			return err
		}
	}
	if b.open == nil {
		b.open = &pendingBatch{id: uuid.New().String(), created: b.now()}
	}

	seq, err := b.stage.Append(ctx, b.open.id, rec)
	if err != nil {
		return fmt.Errorf("failed to stage record: %w", err)
	}

	b.open.entries = append(b.open.entries, entry{seq: seq, rec: rec, size: size})
	b.open.bytes += size
	b.buffered++
	metrics.BufferedRecords.Set(float64(b.buffered))

	if len(b.open.entries) >= b.cfg.BatchSize {
		return b.sealLocked(ctx, "size")
	}
	if b.cfg.MaxBatchBytes > 0 && b.open.bytes >= b.cfg.MaxBatchBytes {
		return b.sealLocked(ctx, "bytes")
	}
	return nil
}

// evictOldest removes the oldest buffered record that is not in flight
func (b *Batcher) evictOldest(ctx context.Context) (bool, error) {
	var victim *pendingBatch
	if len(b.ready) > 0 {
		victim = b.ready[0]
	} else if b.open != nil && len(b.open.entries) > 0 {
		victim = b.open
	} else {
		return false, nil
	}

	e := victim.entries[0]
	if err := b.stage.DeleteRecord(ctx, e.seq); err != nil {
		return false, fmt.Errorf("failed to evict record: %w", err)
	}

	victim.entries = victim.entries[1:]
	victim.bytes -= e.size
	b.buffered--
	b.dropped++
	metrics.BufferDropped.WithLabelValues(DropOldest).Inc()
	metrics.BufferedRecords.Set(float64(b.buffered))

	if len(victim.entries) == 0 {
		if victim == b.open {
			b.open = nil
		} else {
			b.ready = b.ready[1:]
			if err := b.stage.DeleteBatch(ctx, victim.id, nil); err != nil {
				return true, fmt.Errorf("failed to drop empty batch: %w", err)
			}
		}
	}
	return true, nil
}

// sealLocked closes the open batch; callers hold mu
func (b *Batcher) sealLocked(ctx context.Context, trigger string) error {
	if b.open == nil || len(b.open.entries) == 0 {
		return nil
	}

	pb := b.open
	_, span := observability.StartSpan(ctx, "batcher.seal",
		attribute.String("batch.id", pb.id),
		attribute.Int("batch.records", len(pb.entries)),
		attribute.String("trigger", trigger),
	)
	err := b.stage.Seal(ctx, staging.Seal{BatchID: pb.id, CreatedAt: pb.created, Seqs: pb.seqs()})
	observability.EndSpan(span, err, "batch sealed")
	if err != nil {
		return fmt.Errorf("failed to seal batch %s: %w", pb.id, err)
	}

	b.open = nil
	b.ready = append(b.ready, pb)
	b.broadcast()
	metrics.BatchesFlushed.WithLabelValues(trigger).Inc()

	log.Debug().
		Str("batch_id", pb.id).
		Int("records", len(pb.entries)).
		Str("trigger", trigger).
		Msg("Batch closed")
	return nil
}

// Flush closes the open batch if it is older than the flush timeout
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open == nil || b.now().Sub(b.open.created) < b.cfg.FlushTimeout {
		return nil
	}
	return b.sealLocked(ctx, "timeout")
}

// Run drives the flush timer until ctx is cancelled
func (b *Batcher) Run(ctx context.Context) error {
	tick := b.cfg.FlushTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := b.Flush(ctx); err != nil {
				// Close seals whatever the cancelled flush left open
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Next hands out the oldest ready batch and marks it in flight.
// It blocks until a batch is ready, the batcher is closed and empty, or ctx ends.
func (b *Batcher) Next(ctx context.Context) (*domain.Batch, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	for len(b.ready) == 0 {
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		wait := b.changed
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	pb := b.ready[0]
	b.ready = b.ready[1:]
	b.inflight[pb.id] = pb
	b.buffered -= len(pb.entries)
	metrics.BufferedRecords.Set(float64(b.buffered))
	b.broadcast()

	return pb.toDomain(), nil
}

// Ack purges an acknowledged batch from staging
func (b *Batcher) Ack(ctx context.Context, id string) error {
	b.mu.Lock()
	pb, ok := b.inflight[id]
	delete(b.inflight, id)
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, id)
	}
	if err := b.stage.DeleteBatch(ctx, id, pb.seqs()); err != nil {
		return fmt.Errorf("failed to purge batch %s: %w", id, err)
	}
	return nil
}

// Nack returns an in-flight batch to the head of the ready queue
func (b *Batcher) Nack(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	pb, ok := b.inflight[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, id)
	}
	delete(b.inflight, id)
	b.ready = append([]*pendingBatch{pb}, b.ready...)
	b.buffered += len(pb.entries)
	metrics.BufferedRecords.Set(float64(b.buffered))
	b.broadcast()
	return nil
}

// SetUnhealthy switches the buffer to bounded behaviour while the
// downstream link is unhealthy
func (b *Batcher) SetUnhealthy(unhealthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unhealthy == unhealthy {
		return
	}
	b.unhealthy = unhealthy
	b.broadcast()

	log.Warn().
		Bool("unhealthy", unhealthy).
		Str("overflow_policy", b.policy()).
		Int("buffered", b.buffered).
		Msg("Buffer health changed")
}

// Close seals the open batch and rejects further records.
// Ready batches can still be taken with Next.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	err := b.sealLocked(ctx, "close")
	b.closed = true
	b.broadcast()
	return err
}

// Stats returns current occupancy
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Buffered:  b.buffered,
		Ready:     len(b.ready),
		InFlight:  len(b.inflight),
		Dropped:   b.dropped,
		Unhealthy: b.unhealthy,
	}
}
