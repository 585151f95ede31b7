package auditledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// MemoryStore is an in-memory, thread-safe Store.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	writeMu sync.Mutex // serialises writer transactions

	mu        sync.RWMutex
	events    []*Event
	snapshots []*Snapshot
	levels    map[int]merkle.Digest
	lastEvtID int64
	lastSnpID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{levels: make(map[int]merkle.Digest)}
}

// WithWriter implements Store. Writes are staged and applied only when fn
// returns nil.
func (s *MemoryStore) WithWriter(ctx context.Context, fn func(tx WriterTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, tx.events...)
	if len(tx.events) > 0 {
		s.lastEvtID = tx.events[len(tx.events)-1].ID
	}
	s.snapshots = append(s.snapshots, tx.snapshots...)
	if len(tx.snapshots) > 0 {
		s.lastSnpID = tx.snapshots[len(tx.snapshots)-1].ID
	}
	if tx.levels != nil {
		s.levels = tx.levels
	}
	return nil
}

// GetEvent implements Store.
func (s *MemoryStore) GetEvent(_ context.Context, id int64) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
}

// ListEvents implements Store.
func (s *MemoryStore) ListEvents(_ context.Context, throughID int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0, len(s.events))
	for _, e := range s.events {
		if throughID > 0 && e.ID > throughID {
			break
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// LatestSnapshot implements Store.
func (s *MemoryStore) LatestSnapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestSnapshotLocked()
}

func (s *MemoryStore) latestSnapshotLocked() (*Snapshot, error) {
	if len(s.snapshots) == 0 {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	cp := *s.snapshots[len(s.snapshots)-1]
	return &cp, nil
}

// ListSnapshots implements Store.
func (s *MemoryStore) ListSnapshots(_ context.Context, limit int) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Snapshot
	for i := len(s.snapshots) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		cp := *s.snapshots[i]
		out = append(out, &cp)
	}
	return out, nil
}

// SetAnchorTx implements Store.
func (s *MemoryStore) SetAnchorTx(_ context.Context, snapshotID int64, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snapshots {
		if snap.ID != snapshotID {
			continue
		}
		if snap.AnchorTxHash != "" {
			return false, nil
		}
		snap.AnchorTxHash = txHash
		return true, nil
	}
	return false, fmt.Errorf("snapshot %d: %w", snapshotID, ErrNotFound)
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// memoryTx stages writes on top of the committed state.
type memoryTx struct {
	store     *MemoryStore
	events    []*Event
	snapshots []*Snapshot
	levels    map[int]merkle.Digest
}

func (t *memoryTx) LastHash(_ context.Context) (string, error) {
	if n := len(t.events); n > 0 {
		return t.events[n-1].IntegrityHash, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	if n := len(t.store.events); n > 0 {
		return t.store.events[n-1].IntegrityHash, nil
	}
	return "", nil
}

func (t *memoryTx) InsertEvent(_ context.Context, e *Event) error {
	t.store.mu.RLock()
	next := t.store.lastEvtID + int64(len(t.events)) + 1
	t.store.mu.RUnlock()
	e.ID = next
	cp := *e
	t.events = append(t.events, &cp)
	return nil
}

func (t *memoryTx) LatestSnapshot(_ context.Context) (*Snapshot, error) {
	if n := len(t.snapshots); n > 0 {
		cp := *t.snapshots[n-1]
		return &cp, nil
	}
	return t.store.LatestSnapshot(context.Background())
}

func (t *memoryTx) EventsAfter(_ context.Context, afterID int64) ([]*Event, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var out []*Event
	for _, e := range append(append([]*Event(nil), t.store.events...), t.events...) {
		if e.ID > afterID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *memoryTx) CountEvents(_ context.Context) (int64, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return int64(len(t.store.events) + len(t.events)), nil
}

func (t *memoryTx) LoadAccumulator(_ context.Context) (map[int]merkle.Digest, error) {
	src := t.levels
	if src == nil {
		t.store.mu.RLock()
		defer t.store.mu.RUnlock()
		src = t.store.levels
	}
	out := make(map[int]merkle.Digest, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

func (t *memoryTx) SaveAccumulator(_ context.Context, levels map[int]merkle.Digest) error {
	t.levels = make(map[int]merkle.Digest, len(levels))
	for k, v := range levels {
		t.levels[k] = v
	}
	return nil
}

func (t *memoryTx) InsertSnapshot(_ context.Context, snap *Snapshot) error {
	t.store.mu.RLock()
	next := t.store.lastSnpID + int64(len(t.snapshots)) + 1
	t.store.mu.RUnlock()
	snap.ID = next
	cp := *snap
	t.snapshots = append(t.snapshots, &cp)
	return nil
}
