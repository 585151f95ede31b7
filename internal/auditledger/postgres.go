package auditledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/auditledger/pkg/canonical"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
	"go.uber.org/zap"
)

// writerLockKey is the PostgreSQL advisory lock key that serialises event
// appends and snapshot builds. It must be identical across all instances
// writing to the same database.
const writerLockKey = int64(1_159_876_544)

const eventColumns = `id, event_type, entity_type, entity_id, user_id, payload, created_at, integrity_hash`

const snapshotColumns = `id, last_event_id, merkle_root, event_count, created_at, signature, anchor_tx_hash`

// PostgresStore persists the ledger to PostgreSQL. It implements Store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// WithWriter implements Store.
// It acquires a transaction-scoped advisory lock before calling fn; the lock
// is released automatically when the transaction commits or rolls back.
func (s *PostgresStore) WithWriter(ctx context.Context, fn func(tx WriterTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := lockWriter(ctx, tx); err != nil {
		return err
	}
	if err := fn(&pgWriterTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// AppendEventTx records an event inside a transaction owned by the caller,
// so the audit row commits or rolls back together with the business change
// it describes. The writer lock is held until the caller's tx ends.
func (s *PostgresStore) AppendEventTx(ctx context.Context, tx pgx.Tx, in EventInput) (*Event, error) {
	if err := lockWriter(ctx, tx); err != nil {
		return nil, err
	}
	e, err := appendEvent(ctx, &pgWriterTx{tx: tx}, in, time.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Debug("audit event appended in caller tx",
		zap.Int64("id", e.ID),
		zap.String("event_type", e.EventType),
	)
	return e, nil
}

func lockWriter(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", writerLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	return nil
}

// GetEvent implements Store.
func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*Event, error) {
	e, err := scanPgEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %d: %w", id, err)
	}
	return e, nil
}

// ListEvents implements Store. O(n) in ledger length.
func (s *PostgresStore) ListEvents(ctx context.Context, throughID int64) ([]*Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if throughID > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT `+eventColumns+` FROM audit_events WHERE id <= $1 ORDER BY id ASC`, throughID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+eventColumns+` FROM audit_events ORDER BY id ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return collectPgEvents(rows)
}

// LatestSnapshot implements Store.
func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return latestPgSnapshot(ctx, s.pool)
}

// ListSnapshots implements Store.
func (s *PostgresStore) ListSnapshots(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM merkle_snapshots ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SetAnchorTx implements Store.
func (s *PostgresStore) SetAnchorTx(ctx context.Context, snapshotID int64, txHash string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE merkle_snapshots SET anchor_tx_hash = $2 WHERE id = $1 AND anchor_tx_hash IS NULL`,
		snapshotID, txHash)
	if err != nil {
		return false, fmt.Errorf("set anchor tx: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM merkle_snapshots WHERE id = $1)`, snapshotID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check snapshot %d: %w", snapshotID, err)
	}
	if !exists {
		return false, fmt.Errorf("snapshot %d: %w", snapshotID, ErrNotFound)
	}
	return false, nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// pgWriterTx implements WriterTx over a pgx transaction.
type pgWriterTx struct {
	tx pgx.Tx
}

func (t *pgWriterTx) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := t.tx.QueryRow(ctx,
		`SELECT integrity_hash FROM audit_events ORDER BY id DESC LIMIT 1`,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (t *pgWriterTx) InsertEvent(ctx context.Context, e *Event) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO audit_events (event_type, entity_type, entity_id, user_id, payload, created_at, integrity_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		e.EventType, e.EntityType, e.EntityID, e.UserID,
		string(canonical.Encode(e.Payload)), e.CreatedAt, e.IntegrityHash,
	).Scan(&e.ID)
}

func (t *pgWriterTx) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return latestPgSnapshot(ctx, t.tx)
}

func (t *pgWriterTx) EventsAfter(ctx context.Context, afterID int64) ([]*Event, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id > $1 ORDER BY id ASC`, afterID)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", afterID, err)
	}
	return collectPgEvents(rows)
}

func (t *pgWriterTx) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func (t *pgWriterTx) LoadAccumulator(ctx context.Context) (map[int]merkle.Digest, error) {
	rows, err := t.tx.Query(ctx, `SELECT level, node_hash FROM merkle_accumulator`)
	if err != nil {
		return nil, fmt.Errorf("query accumulator: %w", err)
	}
	defer rows.Close()

	levels := make(map[int]merkle.Digest)
	for rows.Next() {
		var (
			level int
			raw   []byte
		)
		if err := rows.Scan(&level, &raw); err != nil {
			return nil, fmt.Errorf("scan accumulator row: %w", err)
		}
		d, err := merkle.DigestFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("accumulator level %d: %w", level, err)
		}
		levels[level] = d
	}
	return levels, rows.Err()
}

func (t *pgWriterTx) SaveAccumulator(ctx context.Context, levels map[int]merkle.Digest) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM merkle_accumulator`); err != nil {
		return fmt.Errorf("clear accumulator: %w", err)
	}
	for level, d := range levels {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO merkle_accumulator (level, node_hash) VALUES ($1, $2)`,
			level, d[:],
		); err != nil {
			return fmt.Errorf("store accumulator level %d: %w", level, err)
		}
	}
	return nil
}

func (t *pgWriterTx) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO merkle_snapshots (last_event_id, merkle_root, event_count, created_at, signature)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		snap.LastEventID, snap.MerkleRoot, snap.EventCount, snap.CreatedAt, nullIfEmpty(snap.Signature),
	).Scan(&snap.ID)
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func latestPgSnapshot(ctx context.Context, q pgQuerier) (*Snapshot, error) {
	snap, err := scanPgSnapshot(q.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM merkle_snapshots ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

func scanPgEvent(row pgx.Row) (*Event, error) {
	var (
		e       Event
		payload []byte
	)
	if err := row.Scan(
		&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.UserID,
		&payload, &e.CreatedAt, &e.IntegrityHash,
	); err != nil {
		return nil, err
	}
	v, err := canonical.Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
	}
	e.Payload = v
	return &e, nil
}

func collectPgEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanPgSnapshot(row pgx.Row) (*Snapshot, error) {
	var (
		snap      Snapshot
		signature *string
		anchorTx  *string
	)
	if err := row.Scan(
		&snap.ID, &snap.LastEventID, &snap.MerkleRoot, &snap.EventCount,
		&snap.CreatedAt, &signature, &anchorTx,
	); err != nil {
		return nil, err
	}
	if signature != nil {
		snap.Signature = *signature
	}
	if anchorTx != nil {
		snap.AnchorTxHash = *anchorTx
	}
	return &snap, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
