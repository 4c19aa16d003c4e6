package offsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_items (
	bucket        TEXT    NOT NULL,
	id            TEXT    NOT NULL,
	status        TEXT    NOT NULL,
	last_modified INTEGER NOT NULL,
	data          BLOB    NOT NULL,
	PRIMARY KEY (bucket, id)
);
CREATE INDEX IF NOT EXISTS sync_items_status ON sync_items (bucket, status);
`

// SQLiteStore is a Store backed by a SQLite file. It survives restarts.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLiteStore opens (and if needed creates) the database at path.
// Use ":memory:" for a throwaway database.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// a single connection serializes writers and keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, bucket string, e Entry) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_items (bucket, id, status, last_modified, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bucket, id) DO UPDATE SET
			status = excluded.status,
			last_modified = excluded.last_modified,
			data = excluded.data`,
		bucket, e.ID, string(e.Status), e.LastModified.UnixNano(), e.Data)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", bucket, e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveIfSynced(ctx context.Context, bucket string, e Entry) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_items (bucket, id, status, last_modified, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (bucket, id) DO UPDATE SET
			status = excluded.status,
			last_modified = excluded.last_modified,
			data = excluded.data
		WHERE sync_items.status = ?`,
		bucket, e.ID, string(e.Status), e.LastModified.UnixNano(), e.Data, string(StatusSynced))
	if err != nil {
		return false, fmt.Errorf("save %s/%s: %w", bucket, e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save %s/%s: %w", bucket, e.ID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, bucket, id string) (Entry, error) {
	if s.closed.Load() {
		return Entry{}, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, last_modified, data FROM sync_items WHERE bucket = ? AND id = ?`, bucket, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get %s/%s: %w", bucket, id, err)
	}
	return e, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, bucket string) ([]Entry, error) {
	return s.query(ctx, `
		SELECT id, status, last_modified, data FROM sync_items
		WHERE bucket = ? ORDER BY last_modified, id`, bucket)
}

func (s *SQLiteStore) GetByStatus(ctx context.Context, bucket string, status SyncStatus) ([]Entry, error) {
	return s.query(ctx, `
		SELECT id, status, last_modified, data FROM sync_items
		WHERE bucket = ? AND status = ? ORDER BY last_modified, id`, bucket, string(status))
}

func (s *SQLiteStore) Delete(ctx context.Context, bucket, id string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_items WHERE bucket = ? AND id = ?`, bucket, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, id, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync items: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e      Entry
		status string
		nanos  int64
	)
	if err := r.Scan(&e.ID, &status, &nanos, &e.Data); err != nil {
		return Entry{}, err
	}
	e.Status = SyncStatus(status)
	e.LastModified = time.Unix(0, nanos).UTC()
	return e, nil
}
