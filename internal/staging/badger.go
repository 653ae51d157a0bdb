package staging

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Key prefixes
var (
	prefixRecord = []byte("r/")
	prefixBatch  = []byte("b/")
)

// BadgerStore implements Store on BadgerDB with synchronous writes
type BadgerStore struct {
	db *badger.DB

	mu     sync.Mutex
	next   uint64
	closed bool
}

// OpenBadger opens (or creates) a staging store in dir
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	opts.NumCompactors = 2
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.loadSequence(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", dir).
		Uint64("last_seq", s.next).
		Msg("Staging store opened")

	return s, nil
}

// loadSequence resumes the sequence after the highest staged record
func (s *BadgerStore) loadSequence() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		opts.Prefix = prefixRecord

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the last possible record key
		it.Seek(append(append([]byte{}, prefixRecord...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if it.ValidForPrefix(prefixRecord) {
			seq, err := parseRecordKey(it.Item().Key())
			if err != nil {
				return err
			}
			s.next = seq
		}
		return nil
	})
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(prefixRecord)+8)
	copy(key, prefixRecord)
	binary.BigEndian.PutUint64(key[len(prefixRecord):], seq)
	return key
}

func parseRecordKey(key []byte) (uint64, error) {
	if len(key) != len(prefixRecord)+8 || !bytes.HasPrefix(key, prefixRecord) {
		return 0, fmt.Errorf("malformed record key %x", key)
	}
	return binary.BigEndian.Uint64(key[len(prefixRecord):]), nil
}

func batchKey(batchID string) []byte {
	return append(append([]byte{}, prefixBatch...), batchID...)
}

func (s *BadgerStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *BadgerStore) Append(ctx context.Context, batchID string, rec domain.NormalizedLog) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := json.Marshal(StagedRecord{BatchID: batchID, Record: rec})
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	s.next++
	seq := s.next
	s.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("stage record %d: %w", seq, err)
	}
	return seq, nil
}

func (s *BadgerStore) Seal(ctx context.Context, seal Seal) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(seal)
	if err != nil {
		return fmt.Errorf("marshal seal: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(batchKey(seal.BatchID), data)
	})
	if err != nil {
		return fmt.Errorf("seal batch %s: %w", seal.BatchID, err)
	}
	return nil
}

func (s *BadgerStore) DeleteRecord(ctx context.Context, seq uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(seq))
	})
	if err != nil {
		return fmt.Errorf("delete record %d: %w", seq, err)
	}
	return nil
}

func (s *BadgerStore) DeleteBatch(ctx context.Context, batchID string, seqs []uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, seq := range seqs {
		if err := wb.Delete(recordKey(seq)); err != nil {
			return fmt.Errorf("delete record %d: %w", seq, err)
		}
	}
	if err := wb.Delete(batchKey(batchID)); err != nil {
		return fmt.Errorf("delete seal %s: %w", batchID, err)
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete batch %s: %w", batchID, err)
	}
	return nil
}

func (s *BadgerStore) Replay(ctx context.Context) (Recovered, error) {
	if err := s.checkOpen(); err != nil {
		return Recovered{}, err
	}

	out := Recovered{Seals: make(map[string]Seal)}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefixRecord); it.ValidForPrefix(prefixRecord); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq, err := parseRecordKey(item.Key())
			if err != nil {
				return err
			}

			var rec StagedRecord
			err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode record %d: %w", seq, err)
			}
			rec.Seq = seq
			out.Records = append(out.Records, rec)
		}

		for it.Seek(prefixBatch); it.ValidForPrefix(prefixBatch); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(prefixBatch):])

			var seal Seal
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &seal)
			})
			if err != nil {
				return fmt.Errorf("decode seal %s: %w", id, err)
			}
			seal.BatchID = id
			out.Seals[id] = seal
		}
		return nil
	})
	if err != nil {
		return Recovered{}, fmt.Errorf("replay staging store: %w", err)
	}

	// Keys are already big-endian ordered
	return out, nil
}

// RunGC reclaims value log space until ctx is cancelled
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.checkOpen() != nil {
				return
			}
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.Debug().Err(err).Msg("Staging value log GC skipped")
					}
					break
				}
			}
		}
	}
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}
