// Package history keeps a SQLite ledger of finished transfers.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id  TEXT NOT NULL,
  role         TEXT NOT NULL CHECK(role IN ('sender','receiver')),
  conn_id      TEXT NOT NULL DEFAULT '',
  file_name    TEXT NOT NULL,
  stored_as    TEXT NOT NULL DEFAULT '',
  status       TEXT NOT NULL CHECK(status IN ('completed','aborted','errored')),
  bytes        INTEGER NOT NULL DEFAULT 0,
  digest       TEXT NOT NULL DEFAULT '',
  reason       TEXT NOT NULL DEFAULT '',
  verified     INTEGER NOT NULL DEFAULT 0,
  finished_at  INTEGER NOT NULL,
  PRIMARY KEY (transfer_id, role)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_finished_at
ON transfers (finished_at DESC, transfer_id);
`,
}

var ErrNotFound = errors.New("transfer not found")

// Entry is one finished transfer.
type Entry struct {
	TransferID string
	Role       string
	ConnID     string
	FileName   string
	StoredAs   string
	Status     string
	Bytes      int64
	Digest     string
	Reason     string
	Verified   bool
	FinishedAt time.Time
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Role   string
	Status string
	Limit  int
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	dsn, err := fileDSN(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// fileDSN builds a file: URI for path. The path is escaped so that '?',
// '#' and '%' in it stay part of the file name.
func fileDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve history path: %w", err)
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p, RawQuery: "_busy_timeout=5000"}
	return u.String(), nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// Record inserts e, replacing an earlier row for the same transfer and role.
func (s *Store) Record(e Entry) error {
	if strings.TrimSpace(e.TransferID) == "" {
		return errors.New("transfer_id is required")
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id, role, conn_id, file_name, stored_as, status,
			bytes, digest, reason, verified, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, role) DO UPDATE SET
			conn_id = excluded.conn_id,
			file_name = excluded.file_name,
			stored_as = excluded.stored_as,
			status = excluded.status,
			bytes = excluded.bytes,
			digest = excluded.digest,
			reason = excluded.reason,
			verified = excluded.verified,
			finished_at = excluded.finished_at`,
		e.TransferID, e.Role, e.ConnID, e.FileName, e.StoredAs, e.Status,
		e.Bytes, e.Digest, e.Reason, boolToInt(e.Verified), e.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", e.TransferID, err)
	}
	return nil
}

// MarkReceipt stores the receiver's name for a sent file and whether its
// receipt matched.
func (s *Store) MarkReceipt(transferID, storedAs string, verified bool) error {
	res, err := s.db.Exec(
		`UPDATE transfers SET stored_as = ?, verified = ? WHERE transfer_id = ? AND role = 'sender'`,
		storedAs, boolToInt(verified), transferID,
	)
	if err != nil {
		return fmt.Errorf("update receipt %q: %w", transferID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update receipt %q: %w", transferID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, transferID)
	}
	return nil
}

// Get returns the row for one transfer and role.
func (s *Store) Get(transferID, role string) (Entry, error) {
	row := s.db.QueryRow(
		`SELECT transfer_id, role, conn_id, file_name, stored_as, status,
			bytes, digest, reason, verified, finished_at
		FROM transfers WHERE transfer_id = ? AND role = ?`,
		transferID, role,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, transferID)
	}
	return e, err
}

// List returns recent transfers, newest first.
func (s *Store) List(filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var (
		where []string
		args  []any
	)
	if filter.Role != "" {
		where = append(where, "role = ?")
		args = append(args, filter.Role)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT transfer_id, role, conn_id, file_name, stored_as, status,
		bytes, digest, reason, verified, finished_at FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, transfer_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// Prune deletes rows finished before cutoff and returns how many went.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM transfers WHERE finished_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e          Entry
		verified   int
		finishedAt int64
	)
	if err := row.Scan(
		&e.TransferID, &e.Role, &e.ConnID, &e.FileName, &e.StoredAs, &e.Status,
		&e.Bytes, &e.Digest, &e.Reason, &verified, &finishedAt,
	); err != nil {
		return Entry{}, err
	}
	e.Verified = verified != 0
	e.FinishedAt = time.UnixMilli(finishedAt)
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
