// Package pipeline owns every agent component and wires them together:
// watcher and tailers feed the local consumer, which parses records into
// the batcher; the shipper drains the batcher into the sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/batcher"
	"github.com/SteelMorgan/log-shipper/internal/checkpoint"
	"github.com/SteelMorgan/log-shipper/internal/config"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/mapping"
	"github.com/SteelMorgan/log-shipper/internal/metrics"
	"github.com/SteelMorgan/log-shipper/internal/parser"
	"github.com/SteelMorgan/log-shipper/internal/retry"
	"github.com/SteelMorgan/log-shipper/internal/shipper"
	"github.com/SteelMorgan/log-shipper/internal/sink"
	"github.com/SteelMorgan/log-shipper/internal/staging"
	"github.com/SteelMorgan/log-shipper/internal/tailer"
	"github.com/SteelMorgan/log-shipper/internal/watcher"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Ingress labels for the records_submitted metric
const (
	IngressLocal   = "local"
	IngressNetwork = "network"
)

// stagingGCInterval is how often the Badger value log is compacted
const stagingGCInterval = 5 * time.Minute

// Pipeline is the single owned instance shared by both ingress paths
type Pipeline struct {
	cfg     *config.Config
	parser  *parser.Parser
	sources *mapping.SourceMap // nil when no source map is configured

	cpStore    *checkpoint.BoltStore
	checkpoint *checkpoint.Checkpoint
	stage      staging.Store
	manager    *tailer.Manager
	watcher    *watcher.Watcher
	batcher    *batcher.Batcher
	shipper    *shipper.Shipper

	closeOnce sync.Once
	closeErr  error
}

// New opens the stores, replays staged batches and builds every component.
// Nothing runs until Run is called.
func New(ctx context.Context, cfg *config.Config, fs afero.Fs, snk sink.Sink) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var sources *mapping.SourceMap
	if cfg.SourceMap != "" {
		sm, err := mapping.LoadSourceMap(cfg.SourceMap)
		if err != nil {
			return nil, err
		}
		sources = sm
	}

	// A previous instance may still hold the file lock for a moment
	cpStore, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*checkpoint.BoltStore, error) {
		return checkpoint.NewBoltStore(cfg.Checkpoint.Path)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	var stage staging.Store
	switch cfg.Buffer.Durability {
	case "badger":
		stage, err = staging.OpenBadger(cfg.Buffer.StagingPath)
		if err != nil {
			cpStore.Close()
			return nil, fmt.Errorf("failed to open staging store: %w", err)
		}
	default:
		stage = staging.NewMemory()
	}

	b, err := batcher.Open(ctx, cfg.Buffer, stage)
	if err != nil {
		stage.Close()
		cpStore.Close()
		return nil, fmt.Errorf("failed to open batcher: %w", err)
	}

	cp := checkpoint.New(cpStore, cfg.Checkpoint.CommitMode)
	manager := tailer.NewManager(cfg.Tailer, fs)

	p := &Pipeline{
		cfg:        cfg,
		parser:     parser.New(),
		sources:    sources,
		cpStore:    cpStore,
		checkpoint: cp,
		stage:      stage,
		manager:    manager,
		watcher:    watcher.New(cfg.Watcher, fs, cp, manager),
		batcher:    b,
		shipper:    shipper.New(cfg.Shipper, snk, b),
	}

	log.Info().
		Str("checkpoint", cfg.Checkpoint.Path).
		Str("commit_mode", string(cfg.Checkpoint.CommitMode)).
		Str("durability", cfg.Buffer.Durability).
		Str("sink", snk.Name()).
		Msg("Pipeline created")

	if cfg.Buffer.Durability == "memory" && cp.Mode() == checkpoint.CommitPerRecord {
		log.Warn().
			Str("durability", cfg.Buffer.Durability).
			Str("commit_mode", string(cp.Mode())).
			Msg("Memory staging with per_record commits: offsets can be committed for records lost on crash")
	}

	return p, nil
}

// Submit is the ingress used by the network adapter
func (p *Pipeline) Submit(ctx context.Context, rec domain.NormalizedLog) error {
	return p.submit(ctx, rec, IngressNetwork)
}

func (p *Pipeline) submit(ctx context.Context, rec domain.NormalizedLog, ingress string) error {
	p.sources.Apply(&rec)
	if err := p.batcher.Submit(ctx, rec); err != nil {
		return err
	}
	metrics.RecordsSubmitted.WithLabelValues(ingress).Inc()
	return nil
}

// Healthy reports whether the sink link is healthy
func (p *Pipeline) Healthy() bool {
	return p.shipper.Healthy()
}

// Stats returns buffer occupancy
func (p *Pipeline) Stats() batcher.Stats {
	return p.batcher.Stats()
}

// Session returns the shipper's session snapshot
func (p *Pipeline) Session() shipper.Session {
	return p.shipper.Session()
}

// Run runs every component until ctx is cancelled or a durability error
// occurs, then shuts down in order: watcher, tailers, consumer drain,
// checkpoint flush, batcher close, shipper drain, stores.
func (p *Pipeline) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	g, gctx := errgroup.WithContext(runCtx)

	// Submits and the shipper outlive gctx so they can drain; both are
	// cut off by the shutdown deadline
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	shipCtx, cancelShip := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelShip()

	consumerDone := make(chan struct{})
	g.Go(func() error {
		defer close(consumerDone)
		return p.consume(drainCtx, stop)
	})

	g.Go(func() error {
		return p.batcher.Run(gctx)
	})

	g.Go(func() error {
		return p.shipper.Run(shipCtx)
	})

	if bs, ok := p.stage.(*staging.BadgerStore); ok {
		g.Go(func() error {
			bs.RunGC(gctx, stagingGCInterval)
			return nil
		})
	}

	g.Go(func() error {
		werr := p.watcher.Run(gctx)

		log.Info().Msg("Pipeline shutting down")
		time.AfterFunc(p.cfg.ShutdownTimeout, func() {
			cancelDrain()
			cancelShip()
		})

		if err := p.manager.ShutdownAll(p.cfg.ShutdownTimeout); err != nil {
			log.Warn().Err(err).Msg("Tailers aborted during shutdown")
		}
		<-consumerDone

		bg := context.WithoutCancel(ctx)
		if n, err := p.checkpoint.Flush(bg); err != nil {
			werr = errors.Join(werr, fmt.Errorf("final checkpoint flush: %w", err))
		} else if n > 0 {
			log.Info().Int("files", n).Msg("Checkpoint flushed")
		}

		if err := p.batcher.Close(bg); err != nil {
			werr = errors.Join(werr, fmt.Errorf("failed to close batcher: %w", err))
		}
		return werr
	})

	err := g.Wait()
	if cause := context.Cause(runCtx); err == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}

	st := p.batcher.Stats()
	log.Info().
		Int("buffered", st.Buffered).
		Int("in_flight", st.InFlight).
		Uint64("dropped", st.Dropped).
		Msg("Pipeline stopped")

	if cerr := p.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// consume parses every payload from the tailers, submits its records and
// then advances the file's checkpoint. It returns when the tailer channel
// is closed. A durability error stops processing and cancels the run;
// remaining payloads are then discarded so tailers can exit, and their
// offsets are not advanced.
func (p *Pipeline) consume(ctx context.Context, stop context.CancelCauseFunc) error {
	var failed error

	for payload := range p.manager.Output() {
		if failed != nil || ctx.Err() != nil {
			continue
		}

		if err := p.handle(ctx, payload); err != nil {
			if ctx.Err() != nil {
				log.Warn().
					Str("file", payload.Identity.Path).
					Msg("Shutdown deadline reached, leaving remaining records to the next run")
				continue
			}
			failed = err
			log.Error().Err(err).Str("file", payload.Identity.Path).Msg("Durability failure, stopping pipeline")
			stop(err)
		}
	}
	return failed
}

func (p *Pipeline) handle(ctx context.Context, payload domain.TailerPayload) error {
	for _, raw := range payload.Records {
		rec, err := p.parser.Parse(payload.Identity.Path, raw)
		if err != nil {
			metrics.ParseErrors.Inc()
			log.Debug().
				Err(err).
				Str("file", payload.Identity.Path).
				Msg("Skipping unparsable record")
			continue
		}

		if err := p.submit(ctx, rec, IngressLocal); err != nil {
			if errors.Is(err, batcher.ErrDropped) {
				continue
			}
			return fmt.Errorf("failed to buffer record from %s: %w", payload.Identity.Path, err)
		}
	}

	// Every record up to Offset is staged or deliberately dropped
	if err := p.checkpoint.Advance(ctx, payload.Identity, payload.Offset, time.Now()); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Close releases the stores. Run calls it on exit; it is safe to call again.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if err := p.stage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close staging store: %w", err))
		}
		if err := p.cpStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close checkpoint store: %w", err))
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
