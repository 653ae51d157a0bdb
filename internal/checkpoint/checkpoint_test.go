package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/domain"
)

// failingStore fails every commit after the first n
type failingStore struct {
	Store
	allowed int
}

func (f *failingStore) Commit(ctx context.Context, st domain.FileState) error {
	if f.allowed <= 0 {
		return errors.New("disk full")
	}
	f.allowed--
	return f.Store.Commit(ctx, st)
}

// blockingStore holds every Commit until release is closed
type blockingStore struct {
	Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Commit(ctx context.Context, st domain.FileState) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Store.Commit(ctx, st)
}

func TestCheckpoint_RemoveDuringCommitStaysRemoved(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "cp.db"))
	defer store.Close()

	bs := &blockingStore{Store: store, entered: make(chan struct{}, 1), release: make(chan struct{})}
	cp := New(bs, CommitPerRecord)
	id := domain.FileIdentity{Device: 1, Inode: 42, Path: "/x/app.log"}
	cp.Track(domain.FileState{Identity: id})

	advanced := make(chan error, 1)
	go func() { advanced <- cp.Advance(ctx, id, 100, time.Now()) }()
	<-bs.entered

	removed := make(chan error, 1)
	go func() { removed <- cp.Remove(ctx, id) }()

	// Remove must wait for the in-flight commit
	select {
	case err := <-removed:
		t.Fatalf("Remove() returned during a commit: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(bs.release)
	if err := <-advanced; err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := <-removed; err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	states, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if st, ok := states[id.Key()]; ok {
		t.Errorf("retired identity back in store: %+v", st)
	}
	if _, ok := cp.Get(id); ok {
		t.Errorf("retired identity back in memory")
	}
}

func TestCheckpoint_PerRecordCommitsBeforeMemory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "cp.db"))
	defer store.Close()

	fs := &failingStore{Store: store, allowed: 1}
	cp := New(fs, CommitPerRecord)
	id := domain.FileIdentity{Device: 1, Inode: 7, Path: "/logs/a.log"}
	cp.Track(domain.FileState{Identity: id})

	if err := cp.Advance(ctx, id, 100, time.Now()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := cp.Advance(ctx, id, 200, time.Now()); err == nil {
		t.Fatalf("Advance() expected error from failing store")
	}

	got, _ := cp.Get(id)
	if got.Offset != 100 {
		t.Errorf("in-memory offset = %d, want 100 (failed commit must not advance memory)", got.Offset)
	}

	states, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if states[id.Key()].Offset != 100 {
		t.Errorf("stored offset = %d, want 100", states[id.Key()].Offset)
	}
}

func TestCheckpoint_PeriodicFlush(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "cp.db"))
	defer store.Close()

	cp := New(store, CommitPeriodic)
	a := domain.FileIdentity{Device: 1, Inode: 1, Path: "/logs/a.log"}
	b := domain.FileIdentity{Device: 1, Inode: 2, Path: "/logs/b.log"}
	cp.Track(domain.FileState{Identity: a})
	cp.Track(domain.FileState{Identity: b})

	if err := cp.Advance(ctx, a, 10, time.Now()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := cp.Advance(ctx, a, 20, time.Now()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := cp.Advance(ctx, b, 5, time.Now()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	states, _ := store.LoadAll(ctx)
	if len(states) != 0 {
		t.Fatalf("periodic mode committed %d entries before flush", len(states))
	}

	n, err := cp.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Flush() committed %d entries, want 2", n)
	}

	states, _ = store.LoadAll(ctx)
	if states[a.Key()].Offset != 20 || states[b.Key()].Offset != 5 {
		t.Errorf("stored offsets = %d/%d, want 20/5", states[a.Key()].Offset, states[b.Key()].Offset)
	}

	if n, _ := cp.Flush(ctx); n != 0 {
		t.Errorf("second Flush() committed %d entries, want 0", n)
	}
}

func TestCheckpoint_LoadRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "cp.db"))
	defer store.Close()

	id := domain.FileIdentity{Device: 3, Inode: 9, Path: "/logs/c.log"}
	first := New(store, CommitPerRecord)
	first.Track(domain.FileState{Identity: id})
	if err := first.Advance(ctx, id, 4096, time.Now()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	second := New(store, CommitPerRecord)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := second.Get(id)
	if !ok || got.Offset != 4096 {
		t.Errorf("Get() = %+v, %v; want offset 4096", got, ok)
	}
}

func TestCheckpoint_AdvanceUntrackedIgnored(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "cp.db"))
	defer store.Close()

	cp := New(store, CommitPerRecord)
	id := domain.FileIdentity{Device: 1, Inode: 1, Path: "/logs/gone.log"}
	cp.Track(domain.FileState{Identity: id})
	if err := cp.Remove(ctx, id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := cp.Advance(ctx, id, 10, time.Now()); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	if _, ok := cp.Get(id); ok {
		t.Errorf("removed identity came back after Advance")
	}
	states, _ := store.LoadAll(ctx)
	if len(states) != 0 {
		t.Errorf("store has %d entries, want 0", len(states))
	}
}
