package tailer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var (
	// ErrShutdownTimeout is returned when tailers had to be aborted
	ErrShutdownTimeout = errors.New("tailer shutdown timed out")

	// ErrClosed is returned by StartTailer after ShutdownAll
	ErrClosed = errors.New("tailer manager closed")

	// ErrAlreadyTailing is returned when the identity already has a tailer
	ErrAlreadyTailing = errors.New("file already tailed")
)

// Handle is the manager's record of one running tailer
type Handle struct {
	tailer *Tailer
	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the tailer's current read state
func (h *Handle) State() domain.FileState {
	return h.tailer.State()
}

// Done is closed once the tailer goroutine has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Manager owns the output channel and the set of running tailers
type Manager struct {
	cfg Config
	fs  afero.Fs

	out       chan domain.TailerPayload
	parent    context.Context
	cancelAll context.CancelFunc
	abort     chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager creates a manager reading files through fs
func NewManager(cfg Config, fs afero.Fs) *Manager {
	parent, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		fs:        fs,
		out:       make(chan domain.TailerPayload, cfg.ChannelCapacity),
		parent:    parent,
		cancelAll: cancel,
		abort:     make(chan struct{}),
		handles:   make(map[string]*Handle),
	}
}

// Output is the channel all tailers send to.
// It is closed by ShutdownAll once every tailer has exited.
func (m *Manager) Output() <-chan domain.TailerPayload {
	return m.out
}

// StartTailer starts a tailer for id at offset
func (m *Manager) StartTailer(id domain.FileIdentity, offset int64) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := m.handles[id.Key()]; ok {
		m.mu.Unlock()
		return h, fmt.Errorf("%w: %s", ErrAlreadyTailing, id)
	}

	ctx, cancel := context.WithCancel(m.parent)
	h := &Handle{
		tailer: newTailer(m.cfg, m.fs, id, offset, m.out, m.abort),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.handles[id.Key()] = h
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer close(h.done)
		h.tailer.run(ctx)
	}()

	metrics.FilesTracked.Inc()
	return h, nil
}

// StopTailer cancels the tailer for id and waits until it has exited
func (m *Manager) StopTailer(ctx context.Context, id domain.FileIdentity) error {
	m.mu.Lock()
	h, ok := m.handles[id.Key()]
	delete(m.handles, id.Key())
	m.mu.Unlock()

	if !ok {
		return nil
	}

	h.cancel()
	metrics.FilesTracked.Dec()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tailer %s: %w", id, ctx.Err())
	}
}

// Rename updates the path reported for a running tailer
func (m *Manager) Rename(id domain.FileIdentity) {
	m.mu.Lock()
	h, ok := m.handles[id.Key()]
	m.mu.Unlock()

	if ok {
		h.tailer.setPath(id.Path)
	}
}

// Active returns the identities of running tailers sorted by path
func (m *Manager) Active() []domain.FileIdentity {
	m.mu.Lock()
	ids := make([]domain.FileIdentity, 0, len(m.handles))
	for _, h := range m.handles {
		ids = append(ids, h.tailer.identity())
	}
	m.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Path < ids[j].Path
	})
	return ids
}

// ShutdownAll cancels every tailer and waits up to timeout for them to
// flush. Tailers still blocked after the timeout are aborted and their
// final records discarded. The output channel is closed afterwards.
func (m *Manager) ShutdownAll(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	count := len(m.handles)
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	log.Info().
		Int("tailers", count).
		Dur("timeout", timeout).
		Msg("Stopping all tailers")

	m.cancelAll()
	metrics.FilesTracked.Set(0)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result error
	select {
	case <-done:
	case <-timer.C:
		log.Warn().
			Dur("timeout", timeout).
			Msg("Tailers did not finish in time, aborting final sends")
		close(m.abort)
		<-done
		result = ErrShutdownTimeout
	}

	close(m.out)
	return result
}
