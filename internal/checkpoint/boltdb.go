package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
	"go.etcd.io/bbolt"
)

const (
	bucketName   = "checkpoints"
	checksumSize = 8
)

// storedState is the on-disk shape of a FileState
type storedState struct {
	Device   uint64 `cbor:"1,keyasint"`
	Inode    uint64 `cbor:"2,keyasint"`
	Path     string `cbor:"3,keyasint"`
	Offset   int64  `cbor:"4,keyasint"`
	LastRead int64  `cbor:"5,keyasint"` // Unix nanoseconds
}

// BoltStore implements Store using BoltDB.
// Every Commit is its own read-write transaction, so a crash leaves
// either the previous or the new value on disk.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) a checkpoint store at dbPath
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// Another agent instance is most likely holding the file lock
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB checkpoint store initialized")

	return &BoltStore{db: db}, nil
}

// Commit stores the state for its identity
func (s *BoltStore) Commit(ctx context.Context, state domain.FileState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	val, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Put([]byte(state.Identity.Key()), val)
	})
	if err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	log.Debug().
		Str("file", state.Identity.Path).
		Str("key", state.Identity.Key()).
		Int64("offset", state.Offset).
		Msg("Checkpoint committed")

	return nil
}

// LoadAll returns all committed states.
// A single undecodable entry fails the whole load with ErrCorrupt.
func (s *BoltStore) LoadAll(ctx context.Context) (map[string]domain.FileState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]domain.FileState)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			state, err := decodeState(v)
			if err != nil {
				return fmt.Errorf("%w: key %q: %v", ErrCorrupt, string(k), err)
			}
			if state.Identity.Key() != string(k) {
				return fmt.Errorf("%w: key %q holds state for %q", ErrCorrupt, string(k), state.Identity.Key())
			}
			result[string(k)] = state
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}

	return result, nil
}

// Remove deletes the state for the identity
func (s *BoltStore) Remove(ctx context.Context, id domain.FileIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(id.Key()))
	})
	if err != nil {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}

	return nil
}

// Close closes the BoltDB database
func (s *BoltStore) Close() error {
	log.Info().Msg("Closing BoltDB checkpoint store")
	return s.db.Close()
}

// encodeState serializes a state as checksum || cbor payload
func encodeState(state domain.FileState) ([]byte, error) {
	payload, err := cbor.Marshal(storedState{
		Device:   state.Identity.Device,
		Inode:    state.Identity.Inode,
		Path:     state.Identity.Path,
		Offset:   state.Offset,
		LastRead: state.LastRead.UnixNano(),
	})
	if err != nil {
		return nil, err
	}

	sum := blake3.Sum256(payload)
	val := make([]byte, 0, checksumSize+len(payload))
	val = append(val, sum[:checksumSize]...)
	val = append(val, payload...)
	return val, nil
}

func decodeState(val []byte) (domain.FileState, error) {
	if len(val) <= checksumSize {
		return domain.FileState{}, fmt.Errorf("value too short (%d bytes)", len(val))
	}

	payload := val[checksumSize:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:checksumSize], val[:checksumSize]) {
		return domain.FileState{}, fmt.Errorf("checksum mismatch")
	}

	var st storedState
	if err := cbor.Unmarshal(payload, &st); err != nil {
		return domain.FileState{}, err
	}
	if st.Offset < 0 {
		return domain.FileState{}, fmt.Errorf("negative offset %d", st.Offset)
	}

	return domain.FileState{
		Identity: domain.FileIdentity{
			Device: st.Device,
			Inode:  st.Inode,
			Path:   st.Path,
		},
		Offset:   st.Offset,
		LastRead: time.Unix(0, st.LastRead),
	}, nil
}
