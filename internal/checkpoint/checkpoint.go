package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/metrics"
	"github.com/rs/zerolog/log"
)

// CommitMode decides when an advanced offset reaches the store
type CommitMode string

const (
	// CommitPerRecord commits every advance before it becomes visible in memory
	CommitPerRecord CommitMode = "per_record"

	// CommitPeriodic only marks advances dirty; Flush commits them.
	// A crash loses the advances since the last flush, which replays data.
	CommitPeriodic CommitMode = "periodic"
)

// Checkpoint is the in-memory view of tracked file offsets.
// It holds nothing that cannot be rebuilt from the Store via Load.
type Checkpoint struct {
	store Store
	mode  CommitMode

	// commitMu orders store writes. Held across Commit and Remove so a
	// commit that started before Remove cannot write the key back.
	commitMu sync.Mutex

	mu     sync.Mutex
	states map[string]domain.FileState
	dirty  map[string]struct{}
}

// New creates an empty checkpoint backed by store
func New(store Store, mode CommitMode) *Checkpoint {
	if mode == "" {
		mode = CommitPerRecord
	}

	return &Checkpoint{
		store:  store,
		mode:   mode,
		states: make(map[string]domain.FileState),
		dirty:  make(map[string]struct{}),
	}
}

// Mode returns the configured commit mode
func (c *Checkpoint) Mode() CommitMode {
	return c.mode
}

// Load replaces the in-memory view with the store contents
func (c *Checkpoint) Load(ctx context.Context) error {
	states, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.states = states
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	log.Info().
		Int("files", len(states)).
		Msg("Checkpoint loaded from store")

	return nil
}

// Get returns the known state for an identity
func (c *Checkpoint) Get(id domain.FileIdentity) (domain.FileState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[id.Key()]
	return state, ok
}

// Snapshot returns all known states sorted by path
func (c *Checkpoint) Snapshot() []domain.FileState {
	c.mu.Lock()
	result := make([]domain.FileState, 0, len(c.states))
	for _, st := range c.states {
		result = append(result, st)
	}
	c.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Identity.Path < result[j].Identity.Path
	})
	return result
}

// Track starts tracking a file in memory. Nothing is committed until
// the first Advance; a crash before that rediscovers the file at offset 0.
func (c *Checkpoint) Track(state domain.FileState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.states[state.Identity.Key()] = state
}

// Rename updates the path of a tracked identity
func (c *Checkpoint) Rename(id domain.FileIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.states[id.Key()]; ok {
		st.Identity.Path = id.Path
		c.states[id.Key()] = st
		c.dirty[id.Key()] = struct{}{}
	}
}

// Advance records that all bytes before offset were handed downstream.
// Identities that are no longer tracked are ignored.
func (c *Checkpoint) Advance(ctx context.Context, id domain.FileIdentity, offset int64, at time.Time) error {
	key := id.Key()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	current, ok := c.states[key]
	c.mu.Unlock()
	if !ok {
		log.Debug().
			Str("file", id.Path).
			Int64("offset", offset).
			Msg("Ignoring advance for untracked file")
		return nil
	}

	next := domain.FileState{
		Identity: current.Identity,
		Offset:   offset,
		LastRead: at,
	}

	if c.mode == CommitPerRecord {
		// Store first: memory never claims more than the store holds
		if err := c.store.Commit(ctx, next); err != nil {
			return err
		}
		metrics.CheckpointCommits.Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Keep a path set by Rename during the commit; Rename marked it dirty
	if st, ok := c.states[key]; ok {
		next.Identity.Path = st.Identity.Path
	}
	c.states[key] = next
	if c.mode == CommitPeriodic {
		c.dirty[key] = struct{}{}
	}
	return nil
}

// Remove forgets an identity in the store and in memory
func (c *Checkpoint) Remove(ctx context.Context, id domain.FileIdentity) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	delete(c.states, id.Key())
	delete(c.dirty, id.Key())
	c.mu.Unlock()

	if err := c.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove %s: %w", id, err)
	}
	return nil
}

// Flush commits every dirty state to the store.
// Returns the number of committed entries.
func (c *Checkpoint) Flush(ctx context.Context) (int, error) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	pending := make([]domain.FileState, 0, len(c.dirty))
	for key := range c.dirty {
		if st, ok := c.states[key]; ok {
			pending = append(pending, st)
		}
	}
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	for i, st := range pending {
		if err := c.store.Commit(ctx, st); err != nil {
			// Re-mark what was not committed so the next flush retries it
			c.mu.Lock()
			for _, rest := range pending[i:] {
				if _, ok := c.states[rest.Identity.Key()]; ok {
					c.dirty[rest.Identity.Key()] = struct{}{}
				}
			}
			c.mu.Unlock()
			return i, err
		}
		metrics.CheckpointCommits.Inc()
	}

	if len(pending) > 0 {
		log.Debug().
			Int("entries", len(pending)).
			Msg("Checkpoint flushed")
	}
	return len(pending), nil
}
