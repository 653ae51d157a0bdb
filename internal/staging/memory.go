package staging

import (
	"context"
	"sync"

	"github.com/SteelMorgan/log-shipper/internal/domain"
)

// Memory is a Store without durability.
// Replay returns what was staged during the life of the process.
type Memory struct {
	mu      sync.Mutex
	next    uint64
	records map[uint64]StagedRecord
	seals   map[string]Seal
	closed  bool
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		records: make(map[uint64]StagedRecord),
		seals:   make(map[string]Seal),
	}
}

func (m *Memory) Append(ctx context.Context, batchID string, rec domain.NormalizedLog) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	m.next++
	m.records[m.next] = StagedRecord{Seq: m.next, BatchID: batchID, Record: rec}
	return m.next, nil
}

func (m *Memory) Seal(ctx context.Context, seal Seal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.seals[seal.BatchID] = seal
	return nil
}

func (m *Memory) DeleteRecord(ctx context.Context, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.records, seq)
	return nil
}

func (m *Memory) DeleteBatch(ctx context.Context, batchID string, seqs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	for _, seq := range seqs {
		delete(m.records, seq)
	}
	delete(m.seals, batchID)
	return nil
}

func (m *Memory) Replay(ctx context.Context) (Recovered, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Recovered{}, ErrClosed
	}

	out := Recovered{
		Records: make([]StagedRecord, 0, len(m.records)),
		Seals:   make(map[string]Seal, len(m.seals)),
	}
	for _, r := range m.records {
		out.Records = append(out.Records, r)
	}
	for id, s := range m.seals {
		out.Seals[id] = s
	}
	sortRecords(out.Records)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
