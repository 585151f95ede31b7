package auditledger

import (
	"context"

	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// Store persists the three logical tables of the ledger: audit events, the
// accumulator peaks and the snapshots. MemoryStore, PostgresStore and
// SQLiteStore implement it.
type Store interface {
	// WithWriter runs fn inside a transaction that is serialised against every
	// other writer of the same ledger. fn's error rolls the transaction back.
	WithWriter(ctx context.Context, fn func(tx WriterTx) error) error

	// GetEvent returns the event with the given id or ErrNotFound.
	GetEvent(ctx context.Context, id int64) (*Event, error)

	// ListEvents returns events in ascending id order with id <= throughID.
	// throughID <= 0 means no upper bound.
	ListEvents(ctx context.Context, throughID int64) ([]*Event, error)

	// LatestSnapshot returns the most recent snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context) (*Snapshot, error)

	// ListSnapshots returns up to limit snapshots, newest first.
	ListSnapshots(ctx context.Context, limit int) ([]*Snapshot, error)

	// SetAnchorTx records the anchoring transaction hash. It is a no-op
	// returning false when the snapshot is already anchored.
	SetAnchorTx(ctx context.Context, snapshotID int64, txHash string) (bool, error)

	// Ping validates the store is reachable.
	Ping(ctx context.Context) error
}

// WriterTx is the view of the store inside a serialised writer transaction.
type WriterTx interface {
	// LastHash returns the integrity hash of the newest event, "" when empty.
	LastHash(ctx context.Context) (string, error)

	// InsertEvent persists e and assigns e.ID.
	InsertEvent(ctx context.Context, e *Event) error

	// LatestSnapshot returns the most recent snapshot or ErrNotFound.
	LatestSnapshot(ctx context.Context) (*Snapshot, error)

	// EventsAfter returns events with id > afterID in ascending id order.
	EventsAfter(ctx context.Context, afterID int64) ([]*Event, error)

	// CountEvents returns the ledger cardinality.
	CountEvents(ctx context.Context) (int64, error)

	// LoadAccumulator returns the persisted peaks keyed by level.
	LoadAccumulator(ctx context.Context) (map[int]merkle.Digest, error)

	// SaveAccumulator replaces the persisted peaks.
	SaveAccumulator(ctx context.Context, levels map[int]merkle.Digest) error

	// InsertSnapshot persists s and assigns s.ID.
	InsertSnapshot(ctx context.Context, s *Snapshot) error
}
