package checkpoint

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
	"go.etcd.io/bbolt"
)

func openTestStore(t *testing.T, path string) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	return store
}

func testState(inode uint64, offset int64) domain.FileState {
	return domain.FileState{
		Identity: domain.FileIdentity{Device: 1, Inode: inode, Path: "/var/log/app.log"},
		Offset:   offset,
		LastRead: time.Unix(1700000000, 0),
	}
}

func TestBoltStore_CommitLoadRemove(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "cp.db"))
	defer store.Close()

	if err := store.Commit(ctx, testState(10, 100)); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := store.Commit(ctx, testState(11, 5)); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := store.Commit(ctx, testState(10, 250)); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	states, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("LoadAll() returned %d entries, want 2", len(states))
	}
	got := states["1:10"]
	if got.Offset != 250 {
		t.Errorf("offset for 1:10 = %d, want 250", got.Offset)
	}
	if !got.LastRead.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("last read = %v, want %v", got.LastRead, time.Unix(1700000000, 0))
	}
	if got.Identity.Path != "/var/log/app.log" {
		t.Errorf("path = %q", got.Identity.Path)
	}

	if err := store.Remove(ctx, testState(10, 0).Identity); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	states, err = store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if _, ok := states["1:10"]; ok {
		t.Errorf("entry 1:10 still present after Remove")
	}
	if len(states) != 1 {
		t.Errorf("LoadAll() returned %d entries, want 1", len(states))
	}
}

// Reopening the store after every commit models a crash at each point of
// the sequence: the loaded view must equal the prefix applied so far.
func TestBoltStore_PrefixConsistentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cp.db")
	rng := rand.New(rand.NewSource(42))

	model := make(map[string]int64)
	for i := 0; i < 60; i++ {
		store := openTestStore(t, path)

		inode := uint64(rng.Intn(5))
		st := testState(inode, int64(rng.Intn(1<<20)))
		if rng.Intn(6) == 0 {
			if err := store.Remove(ctx, st.Identity); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			delete(model, st.Identity.Key())
		} else {
			if err := store.Commit(ctx, st); err != nil {
				t.Fatalf("Commit() error = %v", err)
			}
			model[st.Identity.Key()] = st.Offset
		}
		store.Close()

		reopened := openTestStore(t, path)
		states, err := reopened.LoadAll(ctx)
		reopened.Close()
		if err != nil {
			t.Fatalf("step %d: LoadAll() error = %v", i, err)
		}
		if len(states) != len(model) {
			t.Fatalf("step %d: %d entries, want %d", i, len(states), len(model))
		}
		for key, offset := range model {
			if states[key].Offset != offset {
				t.Fatalf("step %d: offset for %s = %d, want %d", i, key, states[key].Offset, offset)
			}
		}
	}
}

func TestBoltStore_CorruptionFailsLoudly(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value []byte
	}{
		{name: "truncated value", key: "1:1", value: []byte{1, 2, 3}},
		{name: "checksum mismatch", key: "1:1", value: []byte("0123456789abcdef")},
		{name: "key does not match state", key: "9:9", value: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "cp.db")
			store := openTestStore(t, path)
			if err := store.Commit(ctx, testState(1, 42)); err != nil {
				t.Fatalf("Commit() error = %v", err)
			}

			value := tt.value
			if value == nil {
				// A valid value for 1:1 stored under another key
				value, _ = encodeState(testState(1, 42))
			}
			err := store.db.Update(func(tx *bbolt.Tx) error {
				return tx.Bucket([]byte(bucketName)).Put([]byte(tt.key), value)
			})
			if err != nil {
				t.Fatalf("raw put error = %v", err)
			}

			_, err = store.LoadAll(ctx)
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("LoadAll() error = %v, want ErrCorrupt", err)
			}
			store.Close()
		})
	}
}

func TestEncodeDecodeState(t *testing.T) {
	st := domain.FileState{
		Identity: domain.FileIdentity{Device: 66306, Inode: 1234567, Path: "/var/log/nginx/access.log"},
		Offset:   987654321,
		LastRead: time.Unix(1700000123, 456),
	}

	val, err := encodeState(st)
	if err != nil {
		t.Fatalf("encodeState() error = %v", err)
	}
	got, err := decodeState(val)
	if err != nil {
		t.Fatalf("decodeState() error = %v", err)
	}
	if got.Identity != st.Identity || got.Offset != st.Offset || !got.LastRead.Equal(st.LastRead) {
		t.Errorf("decodeState() = %+v, want %+v", got, st)
	}

	// Flip one payload bit
	val[len(val)-1] ^= 0x01
	if _, err := decodeState(val); err == nil {
		t.Errorf("decodeState() accepted a corrupted value")
	}
}
