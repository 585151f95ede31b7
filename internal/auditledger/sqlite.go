package auditledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/auditledger/pkg/canonical"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type     TEXT NOT NULL,
  entity_type    TEXT NOT NULL,
  entity_id      TEXT,
  user_id        TEXT,
  payload        TEXT NOT NULL,
  created_at     TEXT NOT NULL,
  integrity_hash TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS merkle_accumulator (
  level     INTEGER PRIMARY KEY,
  node_hash BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS merkle_snapshots (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  last_event_id  INTEGER NOT NULL REFERENCES audit_events(id),
  merkle_root    TEXT NOT NULL,
  event_count    INTEGER NOT NULL,
  created_at     TEXT NOT NULL,
  signature      TEXT,
  anchor_tx_hash TEXT
);
CREATE TRIGGER IF NOT EXISTS audit_events_no_update
BEFORE UPDATE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_events_no_delete
BEFORE DELETE ON audit_events
BEGIN SELECT RAISE(ABORT, 'audit_events is append-only'); END;
`

// SQLiteStore persists the ledger to an embedded SQLite file. Writers are
// serialised by a process mutex and a single database connection, so only
// one process may open a given file for writing.
type SQLiteStore struct {
	writeMu sync.Mutex
	db      *sql.DB
	logger  *zap.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	// _txlock=immediate makes every BeginTx a BEGIN IMMEDIATE, so a writer
	// takes the RESERVED lock before it reads the chain tip.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// WithWriter implements Store.
func (s *SQLiteStore) WithWriter(ctx context.Context, fn func(tx WriterTx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteWriterTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// GetEvent implements Store.
func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*Event, error) {
	e, err := scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event %d: %w", id, err)
	}
	return e, nil
}

// ListEvents implements Store.
func (s *SQLiteStore) ListEvents(ctx context.Context, throughID int64) ([]*Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if throughID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM audit_events WHERE id <= ? ORDER BY id ASC`, throughID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM audit_events ORDER BY id ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return collectSQLiteEvents(rows)
}

// LatestSnapshot implements Store.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return latestSQLiteSnapshot(ctx, s.db)
}

// ListSnapshots implements Store.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM merkle_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSQLiteSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SetAnchorTx implements Store.
func (s *SQLiteStore) SetAnchorTx(ctx context.Context, snapshotID int64, txHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merkle_snapshots SET anchor_tx_hash = ? WHERE id = ? AND anchor_tx_hash IS NULL`,
		txHash, snapshotID)
	if err != nil {
		return false, fmt.Errorf("set anchor tx: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM merkle_snapshots WHERE id = ?)`, snapshotID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check snapshot %d: %w", snapshotID, err)
	}
	if !exists {
		return false, fmt.Errorf("snapshot %d: %w", snapshotID, ErrNotFound)
	}
	return false, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// sqliteWriterTx implements WriterTx over a database/sql transaction.
type sqliteWriterTx struct {
	tx *sql.Tx
}

func (t *sqliteWriterTx) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := t.tx.QueryRowContext(ctx,
		`SELECT integrity_hash FROM audit_events ORDER BY id DESC LIMIT 1`,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

func (t *sqliteWriterTx) InsertEvent(ctx context.Context, e *Event) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO audit_events (event_type, entity_type, entity_id, user_id, payload, created_at, integrity_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventType, e.EntityType, e.EntityID, e.UserID,
		string(canonical.Encode(e.Payload)), e.CreatedAt.Format(time.RFC3339Nano), e.IntegrityHash,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read event id: %w", err)
	}
	e.ID = id
	return nil
}

func (t *sqliteWriterTx) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return latestSQLiteSnapshot(ctx, t.tx)
}

func (t *sqliteWriterTx) EventsAfter(ctx context.Context, afterID int64) ([]*Event, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events WHERE id > ? ORDER BY id ASC`, afterID)
	if err != nil {
		return nil, fmt.Errorf("query events after %d: %w", afterID, err)
	}
	return collectSQLiteEvents(rows)
}

func (t *sqliteWriterTx) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func (t *sqliteWriterTx) LoadAccumulator(ctx context.Context) (map[int]merkle.Digest, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT level, node_hash FROM merkle_accumulator`)
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

func (t *sqliteWriterTx) SaveAccumulator(ctx context.Context, levels map[int]merkle.Digest) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM merkle_accumulator`); err != nil {
		return fmt.Errorf("clear accumulator: %w", err)
	}
	for level, d := range levels {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO merkle_accumulator (level, node_hash) VALUES (?, ?)`,
			level, d[:],
		); err != nil {
			return fmt.Errorf("store accumulator level %d: %w", level, err)
		}
	}
	return nil
}

func (t *sqliteWriterTx) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO merkle_snapshots (last_event_id, merkle_root, event_count, created_at, signature)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.LastEventID, snap.MerkleRoot, snap.EventCount,
		snap.CreatedAt.Format(time.RFC3339Nano), nullIfEmpty(snap.Signature),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read snapshot id: %w", err)
	}
	snap.ID = id
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlScanner is satisfied by *sql.Row and *sql.Rows.
type sqlScanner interface {
	Scan(dest ...any) error
}

func latestSQLiteSnapshot(ctx context.Context, q sqlQuerier) (*Snapshot, error) {
	snap, err := scanSQLiteSnapshot(q.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM merkle_snapshots ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return snap, nil
}

func scanSQLiteEvent(row sqlScanner) (*Event, error) {
	var (
		e        Event
		entityID sql.NullString
		userID   sql.NullString
		payload  string
		created  string
	)
	if err := row.Scan(
		&e.ID, &e.EventType, &e.EntityType, &entityID, &userID,
		&payload, &created, &e.IntegrityHash,
	); err != nil {
		return nil, err
	}
	if entityID.Valid {
		e.EntityID = &entityID.String
	}
	if userID.Valid {
		e.UserID = &userID.String
	}
	v, err := canonical.Parse([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("event %d payload: %w", e.ID, err)
	}
	e.Payload = v
	e.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("event %d created_at: %w", e.ID, err)
	}
	return &e, nil
}

func collectSQLiteEvents(rows *sql.Rows) ([]*Event, error) {
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanSQLiteSnapshot(row sqlScanner) (*Snapshot, error) {
	var (
		snap      Snapshot
		created   string
		signature sql.NullString
		anchorTx  sql.NullString
	)
	if err := row.Scan(
		&snap.ID, &snap.LastEventID, &snap.MerkleRoot, &snap.EventCount,
		&created, &signature, &anchorTx,
	); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d created_at: %w", snap.ID, err)
	}
	snap.CreatedAt = t
	snap.Signature = signature.String
	snap.AnchorTxHash = anchorTx.String
	return &snap, nil
}
