package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/checkpoint"
	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/tailer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Config holds watcher settings
type Config struct {
	Root          string        `yaml:"root" validate:"required"`
	Recursive     bool          `yaml:"recursive"`
	Include       []string      `yaml:"include" validate:"min=1,dive,required"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	FlushInterval time.Duration `yaml:"checkpoint_flush_interval" validate:"gt=0"`
	StopTimeout   time.Duration `yaml:"stop_timeout" validate:"gt=0"`
}

// DefaultConfig returns default watcher settings
func DefaultConfig() Config {
	return Config{
		Root:          "/var/log",
		Recursive:     true,
		Include:       []string{"*.log", "*.txt"},
		PollInterval:  2 * time.Second,
		FlushInterval: 5 * time.Second,
		StopTimeout:   10 * time.Second,
	}
}

// Tailers is the part of the tailer manager the watcher drives
type Tailers interface {
	StartTailer(id domain.FileIdentity, offset int64) (*tailer.Handle, error)
	StopTailer(ctx context.Context, id domain.FileIdentity) error
	Rename(id domain.FileIdentity)
}

// Watcher discovers files under a root, starts and retires tailers and
// periodically flushes the checkpoint
type Watcher struct {
	cfg     Config
	fs      afero.Fs
	cp      *checkpoint.Checkpoint
	tailers Tailers

	tracked   map[string]domain.FileIdentity
	recovered map[string]domain.FileIdentity
}

// New creates a watcher
func New(cfg Config, fs afero.Fs, cp *checkpoint.Checkpoint, tailers Tailers) *Watcher {
	return &Watcher{
		cfg:     cfg,
		fs:      fs,
		cp:      cp,
		tailers: tailers,
		tracked: make(map[string]domain.FileIdentity),
	}
}

// Run loads the checkpoint and watches until ctx is cancelled.
// Only durability failures are returned.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.cp.Load(ctx); err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	w.recovered = make(map[string]domain.FileIdentity)
	for _, st := range w.cp.Snapshot() {
		w.recovered[st.Identity.Key()] = st.Identity
	}

	log.Info().
		Str("root", w.cfg.Root).
		Bool("recursive", w.cfg.Recursive).
		Strs("include", w.cfg.Include).
		Int("recovered", len(w.recovered)).
		Msg("Starting watcher")

	if err := w.Scan(ctx); err != nil {
		return err
	}

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := w.cp.Flush(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("final checkpoint flush: %w", err)
			}
			log.Info().Msg("Watcher stopped")
			return nil
		case <-poll.C:
			if err := w.Scan(ctx); err != nil {
				return err
			}
		case <-flush.C:
			if _, err := w.cp.Flush(ctx); err != nil {
				return fmt.Errorf("checkpoint flush: %w", err)
			}
		}
	}
}

// Scan runs one discovery pass and reconciles tailers with its result
func (w *Watcher) Scan(ctx context.Context) error {
	found, err := discover(w.fs, w.cfg.Root, w.cfg.Recursive, w.cfg.Include)
	if err != nil {
		log.Warn().Err(err).Str("root", w.cfg.Root).Msg("Discovery failed, will retry")
		return nil
	}

	present := make(map[string]struct{}, len(found))
	for _, d := range found {
		key := d.Identity.Key()
		present[key] = struct{}{}

		if known, ok := w.tracked[key]; ok {
			if known.Path != d.Identity.Path {
				w.rename(known, d.Identity)
			}
			continue
		}
		w.start(d)
	}

	for key, id := range w.tracked {
		if _, ok := present[key]; ok {
			continue
		}
		if err := w.retire(ctx, id); err != nil {
			return err
		}
	}

	// Entries recovered from the store whose file is gone
	if w.recovered != nil {
		for key, id := range w.recovered {
			if _, ok := present[key]; ok {
				continue
			}
			if err := w.cp.Remove(ctx, id); err != nil {
				return fmt.Errorf("failed to remove stale checkpoint: %w", err)
			}
			log.Info().
				Str("file", id.Path).
				Msg("Removed checkpoint of vanished file")
		}
		w.recovered = nil
	}

	return nil
}

func (w *Watcher) start(d Discovered) {
	id := d.Identity
	offset := int64(0)
	if st, ok := w.cp.Get(id); ok {
		offset = st.Offset
		if offset > d.Size {
			log.Warn().
				Str("file", id.Path).
				Int64("offset", offset).
				Int64("size", d.Size).
				Msg("Recovered offset beyond end of file, starting from beginning")
			offset = 0
		}
	}

	w.cp.Track(domain.FileState{Identity: id, Offset: offset, LastRead: time.Now()})
	if _, err := w.tailers.StartTailer(id, offset); err != nil {
		log.Error().Err(err).Str("file", id.Path).Msg("Failed to start tailer")
		return
	}
	w.tracked[id.Key()] = id

	log.Info().
		Str("file", id.Path).
		Int64("offset", offset).
		Msg("Tracking file")
}

func (w *Watcher) rename(old, renamed domain.FileIdentity) {
	w.tracked[renamed.Key()] = renamed
	w.cp.Rename(renamed)
	w.tailers.Rename(renamed)

	log.Info().
		Str("old_path", old.Path).
		Str("new_path", renamed.Path).
		Msg("File renamed")
}

func (w *Watcher) retire(ctx context.Context, id domain.FileIdentity) error {
	stopCtx, cancel := context.WithTimeout(ctx, w.cfg.StopTimeout)
	defer cancel()
	if err := w.tailers.StopTailer(stopCtx, id); err != nil {
		log.Warn().Err(err).Str("file", id.Path).Msg("Tailer did not stop in time")
	}

	delete(w.tracked, id.Key())
	if err := w.cp.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to retire %s: %w", id, err)
	}

	log.Info().
		Str("file", id.Path).
		Msg("File gone, tailer retired")
	return nil
}
