package audit

import (
	"bufio"
	"context"
	"crypto/rsa"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/traceproof/traceproof/internal/assemble"
)

// chainFile is the append-only JSONL file holding the full chain.
// It is the source of truth; the SQLite index is a queryable projection
// that can be rebuilt from it.
const chainFile = "chain.jsonl"

// QueryParams defines filters for querying the audit log.
// All fields are optional — empty/zero values mean "no filter".
type QueryParams struct {
	TraceID string // Filter by trace identifier (exact match).
	Method  string // Filter by request method; supports glob patterns (e.g. "chat*").
	Status  int    // Filter by response status (exact match).
	Since   string // ISO timestamp or duration string (e.g. "1h", "24h").
	Limit   int    // Maximum entries to return.
}

// ChainResult holds the outcome of a full chain verification.
type ChainResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       int    `json:"broken_at,omitempty"`
	Reason         string `json:"reason,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Logger manages the hash-chained, append-only audit log.
//
// Storage layout inside the audit directory:
//
//	chain.jsonl     # Append-only signed entries (source of truth)
//	index.db        # SQLite index for fast queries
//
// The previous_hash cursor survives restarts: construction reloads the
// last persisted entry's log_hash, so the chain continues instead of
// silently re-rooting at genesis.
//
// Append is mutex-serialized — two concurrent appends claiming the same
// previous_hash would fork the chain.
type Logger struct {
	mu         sync.Mutex
	dir        string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	prevHash   string       // Chain cursor: log_hash of the last appended entry.
	count      int          // Entries persisted so far (for Follow).
	file       *os.File     // Open handle on chain.jsonl.
	index      *sqliteIndex // SQLite index for fast queries.
	onAppend   func(Entry)  // Optional broadcast hook, set via OnAppend.
}

// New opens or creates an audit log in the given directory, signing with
// the provided key pair. If prior entries exist on disk, the chain cursor
// resumes from the last entry; otherwise the chain roots at genesis.
func New(dir string, priv *rsa.PrivateKey, pub *rsa.PublicKey) (*Logger, error) {
	if priv == nil || pub == nil {
		return nil, fmt.Errorf("audit logger requires a signing key pair")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}

	l := &Logger{
		dir:        dir,
		privateKey: priv,
		publicKey:  pub,
		prevHash:   GenesisHash,
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening audit index: %w", err)
	}
	l.index = idx

	// Recover the chain cursor from the persisted entries so a restarted
	// logger continues the existing chain.
	if err := l.recoverState(); err != nil {
		idx.close()
		return nil, err
	}

	f, err := os.OpenFile(l.chainPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		idx.close()
		return nil, fmt.Errorf("opening chain file: %w", err)
	}
	l.file = f

	slog.Info("audit log initialized", "dir", dir, "entries", l.count)
	return l, nil
}

// OnAppend registers a callback fired after each successful append.
// Used by the dashboard to feed the WebSocket live stream.
func (l *Logger) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Count returns the number of entries persisted so far.
func (l *Logger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close flushes and closes the chain file and SQLite index.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit log: %v", errs)
	}
	return nil
}

// Append finalizes an assembled payload into a signed chain entry.
// The cursor only advances after the entry is durably written — a signing
// or persistence failure leaves the chain untouched.
func (l *Logger) Append(p assemble.Payload) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		ID:        p.TraceID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Request:   p.Request,
		Response:  p.Response,
		Evidence:  p.Evidence,
	}

	logHash, err := contentHash(&e)
	if err != nil {
		return Entry{}, fmt.Errorf("hashing audit entry: %w", err)
	}

	sig, err := signChainLink(l.privateKey, logHash, l.prevHash)
	if err != nil {
		return Entry{}, err
	}

	e.Integrity = Integrity{
		LogHash:            logHash,
		PreviousHash:       l.prevHash,
		Signature:          sig,
		SignatureAlgorithm: SignatureAlgorithm,
	}

	if err := l.writeEntry(&e); err != nil {
		return Entry{}, err
	}

	// Index errors are logged internally — the JSONL write succeeded, so
	// the entry is durable and the cursor advances.
	if l.index != nil {
		l.index.insert(&e)
	}

	l.prevHash = logHash
	l.count++

	if l.onAppend != nil {
		l.onAppend(e)
	}
	return e, nil
}

// Verify checks an entry's signature over its stored log_hash and
// previous_hash. Returns false on any failure, never an error.
//
// This proves the signed pair was produced by the key holder; it does not
// prove the pair matches the entry's content. An entry whose content and
// log_hash were both altered consistently still passes — use VerifyFull
// for content binding.
func (l *Logger) Verify(e Entry) bool {
	return verifySignature(l.publicKey, &e)
}

// VerifyFull additionally recomputes log_hash from the entry's canonical
// content and requires it to match the stored value.
func (l *Logger) VerifyFull(e Entry) bool {
	recomputed, err := contentHash(&e)
	if err != nil || recomputed != e.Integrity.LogHash {
		return false
	}
	return verifySignature(l.publicKey, &e)
}

// VerifyChain reads the persisted chain and verifies every entry: content
// hash, signature, and linkage to the predecessor. Reports where the chain
// broke, if at all.
func (l *Logger) VerifyChain() (ChainResult, error) {
	entries, err := l.readEntries(0)
	if err != nil {
		return ChainResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}

	if len(entries) == 0 {
		return ChainResult{Valid: true, EntriesChecked: 0}, nil
	}

	prev := GenesisHash
	for i, e := range entries {
		recomputed, err := contentHash(&e)
		if err != nil || recomputed != e.Integrity.LogHash {
			return ChainResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				Reason:         "content does not match log_hash",
				ExpectedHash:   recomputed,
				ActualHash:     e.Integrity.LogHash,
			}, nil
		}
		if e.Integrity.PreviousHash != prev {
			return ChainResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				Reason:         "previous_hash does not match predecessor",
				ExpectedHash:   prev,
				ActualHash:     e.Integrity.PreviousHash,
			}, nil
		}
		if !verifySignature(l.publicKey, &e) {
			return ChainResult{
				Valid:          false,
				EntriesChecked: i + 1,
				BrokenAt:       i,
				Reason:         "signature invalid",
			}, nil
		}
		prev = e.Integrity.LogHash
	}

	return ChainResult{Valid: true, EntriesChecked: len(entries)}, nil
}

// Tail returns the N most recent audit entries.
func (l *Logger) Tail(limit int) ([]Entry, error) {
	if l.index != nil {
		entries, err := l.index.tail(limit)
		if err == nil {
			return entries, nil
		}
		slog.Warn("index tail failed, falling back to chain file", "error", err)
	}
	return l.readEntries(limit)
}

// Query retrieves entries matching the given filter parameters. The
// method filter accepts glob patterns; other filters are exact. Uses the
// SQLite index where possible, applying the glob in a post-filter pass.
func (l *Logger) Query(params QueryParams) ([]Entry, error) {
	// Convert "since" duration strings (e.g. "1h", "24h") to ISO timestamps.
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	var methodGlob glob.Glob
	if params.Method != "" {
		g, err := glob.Compile(params.Method)
		if err != nil {
			return nil, fmt.Errorf("invalid method pattern %q: %w", params.Method, err)
		}
		methodGlob = g
	}

	var entries []Entry
	var err error
	if l.index != nil {
		entries, err = l.index.query(params)
	} else {
		entries, err = l.readEntries(0)
	}
	if err != nil {
		return nil, err
	}

	return filterEntries(entries, params, methodGlob), nil
}

// filterEntries applies the in-memory filters the index cannot express:
// the method glob, plus everything else when running without an index.
func filterEntries(entries []Entry, params QueryParams, methodGlob glob.Glob) []Entry {
	var out []Entry
	for _, e := range entries {
		if params.TraceID != "" && e.ID != params.TraceID {
			continue
		}
		if methodGlob != nil && !methodGlob.Match(e.Request.Method) {
			continue
		}
		if params.Status != 0 && e.Response.Status != params.Status {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		out = append(out, e)
	}

	if params.Limit > 0 && len(out) > params.Limit {
		out = out[len(out)-params.Limit:]
	}
	return out
}

// Follow watches for new audit entries, calling the callback for each one.
// Blocks until the context is cancelled. Similar to `tail -f`.
func (l *Logger) Follow(ctx context.Context, callback func(Entry)) error {
	l.mu.Lock()
	seen := l.count
	l.mu.Unlock()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			entries, err := l.readEntries(0)
			if err != nil {
				slog.Error("follow: error reading entries", "error", err)
				continue
			}
			for _, e := range entries[min(seen, len(entries)):] {
				callback(e)
			}
			if len(entries) > seen {
				seen = len(entries)
			}
		}
	}
}

// Export writes all audit entries to the given writer in the specified
// format. Supported formats: "jsonl" (default), "json", "csv".
func (l *Logger) Export(w io.Writer, format string) error {
	entries, err := l.readEntries(0)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"id", "timestamp", "method", "status", "tokens", "evidence_hash", "log_hash", "previous_hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			evidenceHash := ""
			if e.Evidence != nil {
				evidenceHash = e.Evidence.ContentHash
			}
			if err := cw.Write([]string{
				e.ID,
				e.Timestamp,
				e.Request.Method,
				strconv.Itoa(e.Response.Status),
				strconv.Itoa(e.Response.Tokens),
				evidenceHash,
				e.Integrity.LogHash,
				e.Integrity.PreviousHash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

func (l *Logger) chainPath() string {
	return filepath.Join(l.dir, chainFile)
}

// writeEntry appends the entry as a single JSON line and fsyncs. Audit
// entries must survive crashes.
func (l *Logger) writeEntry(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}
	return l.file.Sync()
}

// recoverState scans chain.jsonl to restore the cursor and entry count,
// and re-indexes entries missing from the SQLite index (e.g. after a crash
// between the JSONL write and the index insert).
func (l *Logger) recoverState() error {
	entries, err := readEntriesFromFile(l.chainPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("recovering audit state: %w", err)
	}

	l.count = len(entries)
	if len(entries) > 0 {
		l.prevHash = entries[len(entries)-1].Integrity.LogHash
	}

	if l.index != nil && l.index.count() < int64(len(entries)) {
		for i := range entries {
			l.index.insert(&entries[i])
		}
	}
	return nil
}

// readEntries reads entries from the chain file. If limit > 0, returns
// only the last N entries. If limit == 0, returns all entries.
func (l *Logger) readEntries(limit int) ([]Entry, error) {
	entries, err := readEntriesFromFile(l.chainPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// readEntriesFromFile reads all entries from a JSONL file, skipping
// malformed lines with a warning.
func readEntriesFromFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	// Large buffer — PII metadata and evidence records can make long lines.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed audit entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
