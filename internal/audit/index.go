package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast queries over the audit chain using SQLite.
// chain.jsonl is the source of truth; the index is a queryable projection
// that can be rebuilt from it at any time. Full entries are stored as a
// JSON column so query results round-trip without re-reading the chain
// file; the extracted columns exist purely for filtering.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	// WAL mode for concurrent read/write (serve mode writes, CLI reads).
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			log_hash   TEXT PRIMARY KEY,
			prev_hash  TEXT NOT NULL,
			trace_id   TEXT NOT NULL,
			ts         TEXT NOT NULL,
			method     TEXT NOT NULL DEFAULT '',
			status     INTEGER NOT NULL DEFAULT 0,
			tokens     INTEGER NOT NULL DEFAULT 0,
			entry      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trace_id ON entries(trace_id);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
		CREATE INDEX IF NOT EXISTS idx_method ON entries(method);
		CREATE INDEX IF NOT EXISTS idx_status ON entries(status);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the index. Non-blocking — errors are logged but
// don't affect the primary JSONL chain.
func (idx *sqliteIndex) insert(e *Entry) {
	entryJSON, err := json.Marshal(e)
	if err != nil {
		slog.Error("sqlite index marshal failed", "trace_id", e.ID, "error", err)
		return
	}

	_, err = idx.db.Exec(
		`INSERT OR REPLACE INTO entries (log_hash, prev_hash, trace_id, ts, method, status, tokens, entry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Integrity.LogHash, e.Integrity.PreviousHash, e.ID, e.Timestamp,
		e.Request.Method, e.Response.Status, e.Response.Tokens,
		string(entryJSON),
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "trace_id", e.ID, "error", err)
	}
}

// query retrieves entries matching the exact-match filters. The method
// glob filter is applied by the caller — SQLite only narrows by the
// filters it can express directly.
func (idx *sqliteIndex) query(params QueryParams) ([]Entry, error) {
	q := "SELECT entry FROM entries WHERE 1=1"
	var args []any

	if params.TraceID != "" {
		q += " AND trace_id = ?"
		args = append(args, params.TraceID)
	}
	if params.Status != 0 {
		q += " AND status = ?"
		args = append(args, params.Status)
	}
	if params.Since != "" {
		q += " AND ts >= ?"
		args = append(args, params.Since)
	}

	// Insertion order is append order, which RFC3339Nano strings can't
	// quite guarantee (trailing zeros are trimmed), so sort by rowid.
	q += " ORDER BY rowid"

	// No LIMIT here: the caller's glob post-filter may discard rows, so
	// limiting happens after filtering.
	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("skipping malformed indexed entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// tail returns the N most recent entries from the index, oldest first.
func (idx *sqliteIndex) tail(limit int) ([]Entry, error) {
	q := "SELECT entry FROM entries ORDER BY rowid DESC"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// count returns the number of indexed entries. Used on startup to decide
// whether a re-index pass is needed.
func (idx *sqliteIndex) count() int64 {
	var n sql.NullInt64
	if err := idx.db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n); err != nil || !n.Valid {
		return 0
	}
	return n.Int64
}

// close closes the SQLite database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
