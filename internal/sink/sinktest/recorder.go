// Package sinktest provides an in-memory sink for tests
package sinktest

import (
	"context"
	"errors"
	"sync"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/SteelMorgan/log-shipper/internal/sink"
)

// ErrInjected is returned by scripted failures
var ErrInjected = errors.New("injected sink failure")

// Recorder stores every acknowledged batch. Failures can be scripted for
// the next N connects or sends.
type Recorder struct {
	mu           sync.Mutex
	batches      []*domain.Batch
	seen         map[string]int
	connects     int
	sends        int
	failConnects int
	failSends    int
	hang         bool
	sent         chan struct{}
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{seen: make(map[string]int), sent: make(chan struct{}, 1024)}
}

// FailConnects makes the next n OpenSession calls fail
func (r *Recorder) FailConnects(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failConnects = n
}

// FailSends makes the next n SendBatch calls fail
func (r *Recorder) FailSends(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSends = n
}

// Hang makes SendBatch block until its context ends
func (r *Recorder) Hang(hang bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hang = hang
}

// Batches returns the batches acknowledged so far, deduplicated by ID as a
// downstream table would
func (r *Recorder) Batches() []*domain.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Batch(nil), r.batches...)
}

// Deliveries returns how many times the batch id was received
func (r *Recorder) Deliveries(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

// Counts returns the number of connect and send attempts
func (r *Recorder) Counts() (connects, sends int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.sends
}

// Sent is signalled after every acknowledged batch
func (r *Recorder) Sent() <-chan struct{} {
	return r.sent
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) OpenSession(ctx context.Context) (sink.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connects++
	if r.failConnects > 0 {
		r.failConnects--
		return nil, ErrInjected
	}
	return &session{r: r}, nil
}

type session struct {
	r      *Recorder
	closed bool
}

func (s *session) SendBatch(ctx context.Context, b *domain.Batch) (sink.Ack, error) {
	if s.closed {
		return sink.Ack{}, sink.ErrSessionClosed
	}

	r := s.r
	r.mu.Lock()
	r.sends++
	if r.hang {
		r.mu.Unlock()
		<-ctx.Done()
		return sink.Ack{}, ctx.Err()
	}
	if r.failSends > 0 {
		r.failSends--
		r.mu.Unlock()
		return sink.Ack{}, ErrInjected
	}

	r.seen[b.ID]++
	dup := r.seen[b.ID] > 1
	if !dup {
		cp := *b
		cp.Records = append([]domain.NormalizedLog(nil), b.Records...)
		r.batches = append(r.batches, &cp)
	}
	r.mu.Unlock()

	select {
	case r.sent <- struct{}{}:
	default:
	}
	return sink.Ack{BatchID: b.ID, Records: b.Len(), Duplicate: dup}, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}
