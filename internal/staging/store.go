package staging

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("staging store closed")

// StagedRecord is one buffered record and the batch it belongs to
type StagedRecord struct {
	Seq     uint64               `json:"-"`
	BatchID string               `json:"batch_id"`
	Record  domain.NormalizedLog `json:"record"`
}

// Seal marks a batch as closed
type Seal struct {
	BatchID   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Seqs      []uint64  `json:"seqs"`
}

// Recovered is the content of the store at open
type Recovered struct {
	Records []StagedRecord // Sequence order
	Seals   map[string]Seal
}

// Store keeps every buffered record until its batch is acknowledged
type Store interface {
	// Append durably stores rec as part of batchID and returns its sequence
	Append(ctx context.Context, batchID string, rec domain.NormalizedLog) (uint64, error)

	// Seal records that batchID is closed
	Seal(ctx context.Context, seal Seal) error

	// DeleteRecord removes one record (overflow eviction)
	DeleteRecord(ctx context.Context, seq uint64) error

	// DeleteBatch removes an acknowledged batch and its records
	DeleteBatch(ctx context.Context, batchID string, seqs []uint64) error

	// Replay returns everything still staged
	Replay(ctx context.Context) (Recovered, error)

	Close() error
}

func sortRecords(records []StagedRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Seq < records[j].Seq
	})
}
