package audit

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/traceproof/traceproof/internal/assemble"
	"github.com/traceproof/traceproof/internal/evidence"
	"github.com/traceproof/traceproof/internal/trace"
)

// testKey is generated once — 2048-bit generation is slow enough to matter
// across the suite.
var testKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

func newTestLogger(t *testing.T, dir string) *Logger {
	t.Helper()
	l, err := New(dir, testKey, &testKey.PublicKey)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testPayload(method string, status int) assemble.Payload {
	p, err := assemble.Build(trace.New(), assemble.Request{
		Method:   method,
		BodyHash: assemble.HashBody([]byte("request body")),
	}, assemble.Response{
		Status:      status,
		ContentHash: assemble.HashBody([]byte("response body")),
		Tokens:      420,
	}, nil)
	if err != nil {
		panic(err)
	}
	return p
}

func TestCanonicalJSON_Deterministic(t *testing.T) {
	type inner struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	v := map[string]any{"z": inner{B: 2, A: "x"}, "a": 1}

	c1, err := canonicalJSON(v)
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	c2, _ := canonicalJSON(v)

	if !bytes.Equal(c1, c2) {
		t.Error("same input should produce identical canonical bytes")
	}
	if got := string(c1); !strings.HasPrefix(got, `{"a":1`) {
		t.Errorf("keys should be sorted, got %s", got)
	}
}

func TestCanonicalJSON_PreservesNumbers(t *testing.T) {
	c, err := canonicalJSON(map[string]any{"score": json.Number("0.30")})
	if err != nil {
		t.Fatalf("canonicalJSON: %v", err)
	}
	if !strings.Contains(string(c), "0.30") {
		t.Errorf("numeric text should survive canonicalization, got %s", c)
	}
}

func TestContentHash_ExcludesIntegrity(t *testing.T) {
	e := Entry{
		ID:        trace.New(),
		Timestamp: "2026-08-29T10:00:00Z",
		Request:   assemble.Request{Method: "POST", BodyHash: assemble.HashBody([]byte("x"))},
		Response:  assemble.Response{Status: 200, ContentHash: assemble.HashBody([]byte("y"))},
	}

	h1, err := contentHash(&e)
	if err != nil {
		t.Fatalf("contentHash: %v", err)
	}

	e.Integrity = Integrity{LogHash: "whatever", PreviousHash: "whatever", Signature: "sig"}
	h2, _ := contentHash(&e)

	if h1 != h2 {
		t.Error("integrity block must not influence the content hash")
	}
	if len(h1) != 64 {
		t.Errorf("content hash is %d chars, want 64 hex", len(h1))
	}
}

func TestAppend_ChainsEntries(t *testing.T) {
	l := newTestLogger(t, t.TempDir())

	a, err := l.Append(testPayload("POST", 200))
	if err != nil {
		t.Fatalf("Append a: %v", err)
	}
	b, err := l.Append(testPayload("GET", 200))
	if err != nil {
		t.Fatalf("Append b: %v", err)
	}

	if a.Integrity.PreviousHash != GenesisHash {
		t.Errorf("first entry prev = %q, want genesis", a.Integrity.PreviousHash)
	}
	if b.Integrity.PreviousHash != a.Integrity.LogHash {
		t.Error("second entry must link to the first entry's log_hash")
	}
	if a.Integrity.SignatureAlgorithm != SignatureAlgorithm {
		t.Errorf("algorithm = %q, want %q", a.Integrity.SignatureAlgorithm, SignatureAlgorithm)
	}
	if !l.Verify(a) || !l.Verify(b) {
		t.Error("freshly appended entries must verify")
	}
	if !l.VerifyFull(a) || !l.VerifyFull(b) {
		t.Error("freshly appended entries must pass full verification")
	}
}

func TestAppend_Concurrent(t *testing.T) {
	l := newTestLogger(t, t.TempDir())

	const n = 16
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(testPayload("POST", 200)); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Append: %v", err)
	}

	res, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != n {
		t.Fatalf("chain result = %+v, want valid over %d entries", res, n)
	}

	// VerifyChain already walks the linkage; on top of that, every append
	// must have produced its own distinct link.
	entries, err := l.readEntries(0)
	if err != nil {
		t.Fatalf("readEntries: %v", err)
	}
	seen := make(map[string]bool, n)
	prev := GenesisHash
	for i, e := range entries {
		if seen[e.Integrity.LogHash] {
			t.Errorf("entry %d repeats log_hash %s", i, e.Integrity.LogHash)
		}
		seen[e.Integrity.LogHash] = true
		if e.Integrity.PreviousHash != prev {
			t.Errorf("entry %d links to %s, want %s", i, e.Integrity.PreviousHash, prev)
		}
		prev = e.Integrity.LogHash
	}
}

func TestVerify_TamperedIntegrity(t *testing.T) {
	l := newTestLogger(t, t.TempDir())
	e, err := l.Append(testPayload("POST", 200))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name   string
		modify func(e *Entry)
	}{
		{"log_hash", func(e *Entry) { e.Integrity.LogHash = strings.Repeat("ab", 32) }},
		{"previous_hash", func(e *Entry) { e.Integrity.PreviousHash = strings.Repeat("cd", 32) }},
		{"signature", func(e *Entry) { e.Integrity.Signature = strings.Repeat("ef", 128) }},
		{"empty signature", func(e *Entry) { e.Integrity.Signature = "" }},
		{"non-hex signature", func(e *Entry) { e.Integrity.Signature = "not hex at all" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := e
			tt.modify(&tampered)
			if l.Verify(tampered) {
				t.Error("tampered entry should not verify")
			}
		})
	}
}

func TestVerifyFull_CatchesConsistentRewrite(t *testing.T) {
	l := newTestLogger(t, t.TempDir())
	e, err := l.Append(testPayload("POST", 200))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Alter content but leave the signed log_hash/previous_hash pair
	// intact. The signature still verifies — only the full check, which
	// recomputes log_hash from content, catches the swap.
	e.Response.Status = 500
	if !l.Verify(e) {
		t.Error("signature-only check cannot see content changes")
	}
	if l.VerifyFull(e) {
		t.Error("content altered after signing must fail full verification")
	}
}

func TestVerifyChain(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(testPayload("POST", 200)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	res, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 5 {
		t.Errorf("chain result = %+v, want valid over 5 entries", res)
	}
}

func TestVerifyChain_Empty(t *testing.T) {
	l := newTestLogger(t, t.TempDir())
	res, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 0 {
		t.Errorf("empty chain should be trivially valid, got %+v", res)
	}
}

func TestVerifyChain_DetectsBreak(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)

	entries := make([]Entry, 3)
	for i := range entries {
		e, err := l.Append(testPayload("POST", 200))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		entries[i] = e
	}
	l.Close()

	// Rewrite the middle entry's content on disk.
	entries[1].Response.Status = 500
	writeChainFile(t, dir, entries)

	l2 := newTestLogger(t, dir)
	res, err := l2.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if res.Valid {
		t.Fatal("tampered chain should not be valid")
	}
	if res.BrokenAt != 1 {
		t.Errorf("broken at %d, want 1", res.BrokenAt)
	}
	if res.Reason == "" {
		t.Error("chain result should explain the break")
	}
}

func TestRestart_ContinuesChain(t *testing.T) {
	dir := t.TempDir()

	l1 := newTestLogger(t, dir)
	a, err := l1.Append(testPayload("POST", 200))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	l1.Close()

	l2 := newTestLogger(t, dir)
	b, err := l2.Append(testPayload("GET", 200))
	if err != nil {
		t.Fatalf("Append after restart: %v", err)
	}

	if b.Integrity.PreviousHash != a.Integrity.LogHash {
		t.Error("chain must continue across restart, not re-root at genesis")
	}

	res, err := l2.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid || res.EntriesChecked != 2 {
		t.Errorf("chain result = %+v, want valid over 2 entries", res)
	}
}

func TestEvidenceEntry_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	l1 := newTestLogger(t, dir)

	// Sub-second precision exercises the timestamp round trip through the
	// chain file: the re-read entry must hash to the same canonical bytes.
	created := time.Date(2026, 8, 29, 10, 0, 0, 123456700, time.UTC)
	rec := &evidence.Record{
		ContentHash: strings.Repeat("ab", 32),
		StoragePath: filepath.Join(dir, "abababab", strings.Repeat("ab", 32)+".enc"),
		Algorithm:   "AES-256-GCM",
		CreatedAt:   created,
		ExpiresAt:   created.Add(7 * 24 * time.Hour),
	}
	p, err := assemble.Build(trace.New(), assemble.Request{
		Method:   "images.analyze",
		BodyHash: assemble.HashBody([]byte("request body")),
	}, assemble.Response{
		Status:      200,
		ContentHash: assemble.HashBody([]byte("response body")),
	}, rec)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	appended, err := l1.Append(p)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	l1.Close()

	l2 := newTestLogger(t, dir)
	res, err := l2.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !res.Valid {
		t.Fatalf("evidence-bearing chain invalid after restart: %+v", res)
	}

	got, err := l2.Tail(1)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if !l2.VerifyFull(got[0]) {
		t.Error("re-read evidence entry must pass full verification")
	}
	if got[0].Integrity.LogHash != appended.Integrity.LogHash {
		t.Error("log_hash changed across the disk round trip")
	}
	if got[0].Evidence == nil || !got[0].Evidence.CreatedAt.Equal(created) {
		t.Errorf("evidence record lost in round trip: %+v", got[0].Evidence)
	}
}

func TestQuery(t *testing.T) {
	l := newTestLogger(t, t.TempDir())

	chatA, _ := l.Append(testPayload("chat.completions", 200))
	if _, err := l.Append(testPayload("embeddings", 200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(testPayload("chat.stream", 429)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	t.Run("by method glob", func(t *testing.T) {
		got, err := l.Query(QueryParams{Method: "chat*"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("got %d entries, want 2", len(got))
		}
	})

	t.Run("by status", func(t *testing.T) {
		got, err := l.Query(QueryParams{Status: 429})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 || got[0].Request.Method != "chat.stream" {
			t.Errorf("unexpected result: %+v", got)
		}
	})

	t.Run("by trace id", func(t *testing.T) {
		got, err := l.Query(QueryParams{TraceID: chatA.ID})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 1 || got[0].ID != chatA.ID {
			t.Errorf("unexpected result: %+v", got)
		}
	})

	t.Run("by since duration", func(t *testing.T) {
		got, err := l.Query(QueryParams{Since: "1h"})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 3 {
			t.Errorf("got %d entries, want all 3 within the last hour", len(got))
		}
	})

	t.Run("with limit", func(t *testing.T) {
		got, err := l.Query(QueryParams{Limit: 2})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("got %d entries, want 2", len(got))
		}
		// Limit keeps the most recent entries.
		if got[1].Request.Method != "chat.stream" {
			t.Errorf("last entry method = %q, want chat.stream", got[1].Request.Method)
		}
	})

	t.Run("bad since", func(t *testing.T) {
		if _, err := l.Query(QueryParams{Since: "yesterday"}); err == nil {
			t.Error("unparseable since should be an error")
		}
	})

	t.Run("bad glob", func(t *testing.T) {
		if _, err := l.Query(QueryParams{Method: "[unclosed"}); err == nil {
			t.Error("invalid glob should be an error")
		}
	})
}

func TestTail(t *testing.T) {
	l := newTestLogger(t, t.TempDir())

	for _, m := range []string{"one", "two", "three"} {
		if _, err := l.Append(testPayload(m, 200)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := l.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Request.Method != "two" || got[1].Request.Method != "three" {
		t.Errorf("tail should return the most recent entries oldest-first, got %q then %q",
			got[0].Request.Method, got[1].Request.Method)
	}
}

func TestExport(t *testing.T) {
	l := newTestLogger(t, t.TempDir())
	if _, err := l.Append(testPayload("POST", 200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(testPayload("GET", 404)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := l.Export(&buf, "jsonl"); err != nil {
			t.Fatalf("Export: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("got %d lines, want 2", len(lines))
		}
		var e Entry
		if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
			t.Errorf("line 0 is not valid JSON: %v", err)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := l.Export(&buf, "json"); err != nil {
			t.Fatalf("Export: %v", err)
		}
		var entries []Entry
		if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
			t.Fatalf("output is not a JSON array: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("got %d entries, want 2", len(entries))
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := l.Export(&buf, "csv"); err != nil {
			t.Fatalf("Export: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 { // header + 2 rows
			t.Errorf("got %d lines, want 3", len(lines))
		}
		if !strings.HasPrefix(lines[0], "id,timestamp,method") {
			t.Errorf("unexpected csv header: %s", lines[0])
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := l.Export(&bytes.Buffer{}, "xml"); err == nil {
			t.Error("unsupported format should be an error")
		}
	})
}

func TestOnAppend(t *testing.T) {
	l := newTestLogger(t, t.TempDir())

	var seen []Entry
	l.OnAppend(func(e Entry) { seen = append(seen, e) })

	want, err := l.Append(testPayload("POST", 200))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(seen) != 1 || seen[0].Integrity.LogHash != want.Integrity.LogHash {
		t.Errorf("callback saw %d entries, want the appended one", len(seen))
	}
}

func TestIndex_RebuiltOnRecovery(t *testing.T) {
	dir := t.TempDir()

	l1 := newTestLogger(t, dir)
	entries := make([]Entry, 0, 3)
	for i := 0; i < 3; i++ {
		e, err := l1.Append(testPayload("POST", 200))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		entries = append(entries, e)
	}
	l1.Close()

	// Simulate an index lost between restarts; the JSONL chain remains.
	removeIndexFiles(t, dir)

	l2 := newTestLogger(t, dir)
	got, err := l2.Query(QueryParams{TraceID: entries[1].ID})
	if err != nil {
		t.Fatalf("Query after reindex: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d entries from rebuilt index, want 1", len(got))
	}
}

func TestReadEntries_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l := newTestLogger(t, dir)
	if _, err := l.Append(testPayload("POST", 200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	l.Close()

	appendRawLine(t, dir, "this is not json\n")

	l2 := newTestLogger(t, dir)
	got, err := l2.readEntries(0)
	if err != nil {
		t.Fatalf("readEntries: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d entries, want 1 (malformed line skipped)", len(got))
	}
}

// writeChainFile replaces chain.jsonl with the given entries.
func writeChainFile(t *testing.T, dir string, entries []Entry) {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			t.Fatalf("encoding entry: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, chainFile), buf.Bytes(), 0o600); err != nil {
		t.Fatalf("writing chain file: %v", err)
	}
	removeIndexFiles(t, dir)
}

// removeIndexFiles deletes the SQLite index and its WAL sidecars.
func removeIndexFiles(t *testing.T, dir string) {
	t.Helper()
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(filepath.Join(dir, "index.db"+suffix))
	}
}

func appendRawLine(t *testing.T, dir, line string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, chainFile), os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatalf("opening chain file: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("appending raw line: %v", err)
	}
}

func TestAppend_Timestamps(t *testing.T) {
	l := newTestLogger(t, t.TempDir())
	e, err := l.Append(testPayload("POST", 200))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", e.Timestamp, err)
	}
	if ts.Location() != time.UTC {
		t.Error("timestamps must be UTC")
	}
}
