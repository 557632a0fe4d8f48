package evidence

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreTTL(t, 0)
}

func newTestStoreTTL(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	s, err := New(t.TempDir(), key, ttl)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStoreRetrieve_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		content []byte
	}{
		{"ascii", []byte("hello-evidence")},
		{"empty", []byte{}},
		{"binary", []byte{0x00, 0xff, 0x13, 0x37, 0x00}},
		{"large", bytes.Repeat([]byte("abcdefgh"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := s.Store(tt.content)
			if err != nil {
				t.Fatalf("Store: %v", err)
			}

			got, err := s.Retrieve(rec)
			if err != nil {
				t.Fatalf("Retrieve: %v", err)
			}
			if !bytes.Equal(got, tt.content) {
				t.Errorf("Retrieve returned %d bytes, want the original %d", len(got), len(tt.content))
			}
		})
	}
}

func TestStore_RecordShape(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Store([]byte("hello-evidence"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if len(rec.ContentHash) != 64 {
		t.Errorf("content hash is %d chars, want 64 hex", len(rec.ContentHash))
	}
	if rec.Algorithm != "AES-256-GCM" {
		t.Errorf("algorithm = %q, want AES-256-GCM", rec.Algorithm)
	}
	if !strings.HasSuffix(rec.StoragePath, rec.ContentHash+".enc") {
		t.Errorf("storage path %q should end with <hash>.enc", rec.StoragePath)
	}
	// Sharded by the first 8 hex chars of the hash.
	if !strings.Contains(rec.StoragePath, string(os.PathSeparator)+rec.ContentHash[:8]+string(os.PathSeparator)) {
		t.Errorf("storage path %q should contain shard %q", rec.StoragePath, rec.ContentHash[:8])
	}
	if want := rec.CreatedAt.Add(DefaultTTL); !rec.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want created_at + 7 days", rec.ExpiresAt)
	}
}

func TestStore_Idempotent(t *testing.T) {
	s := newTestStore(t)

	r1, err := s.Store([]byte("hello-evidence"))
	if err != nil {
		t.Fatalf("first Store: %v", err)
	}
	r2, err := s.Store([]byte("hello-evidence"))
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}

	if r1.ContentHash != r2.ContentHash {
		t.Errorf("identical content produced different hashes: %s vs %s", r1.ContentHash, r2.ContentHash)
	}
	if r1.StoragePath != r2.StoragePath {
		t.Errorf("identical content produced different paths: %s vs %s", r1.StoragePath, r2.StoragePath)
	}

	// The overwrite must still decrypt to the same plaintext — not duplicated.
	got, err := s.Retrieve(r2)
	if err != nil {
		t.Fatalf("Retrieve after overwrite: %v", err)
	}
	if string(got) != "hello-evidence" {
		t.Errorf("Retrieve = %q, want original content", got)
	}

	shard := filepath.Dir(r1.StoragePath)
	entries, err := os.ReadDir(shard)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("shard holds %d files, want 1 (overwrite, not duplicate)", len(entries))
	}
}

func TestStoreFile(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(t.TempDir(), "capture.png")
	content := []byte("pretend this is image bytes")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	rec, err := s.StoreFile(path)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	inMem, err := s.Store(content)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ContentHash != inMem.ContentHash {
		t.Error("StoreFile and Store should hash identical content identically")
	}

	got, err := s.Retrieve(rec)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("StoreFile round trip lost content")
	}
}

func TestStoreFile_HashMatchesStoredContent(t *testing.T) {
	s := newTestStore(t)

	path := filepath.Join(t.TempDir(), "volatile.bin")
	if err := os.WriteFile(path, []byte("first version"), 0o600); err != nil {
		t.Fatal(err)
	}

	rec, err := s.StoreFile(path)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	// The source file changing afterwards must not matter: the record's
	// hash must describe exactly what was sealed.
	if err := os.WriteFile(path, []byte("second version"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(rec)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	sum := sha256.Sum256(got)
	if hex.EncodeToString(sum[:]) != rec.ContentHash {
		t.Error("content_hash must match the decrypted artifact bytes")
	}
}

func TestRetrieve_TamperedCiphertext(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Store([]byte("do not touch"))
	if err != nil {
		t.Fatal(err)
	}

	blob, err := os.ReadFile(rec.StoragePath)
	if err != nil {
		t.Fatal(err)
	}
	// Flip one bit in the last byte (ciphertext region).
	blob[len(blob)-1] ^= 0x01
	if err := os.WriteFile(rec.StoragePath, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Retrieve(rec); !errors.Is(err, ErrIntegrity) {
		t.Errorf("want ErrIntegrity for tampered ciphertext, got %v", err)
	}
}

func TestRetrieve_TruncatedArtifact(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Store([]byte("short lived"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(rec.StoragePath, []byte("tiny"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Retrieve(rec); !errors.Is(err, ErrIntegrity) {
		t.Errorf("want ErrIntegrity for truncated artifact, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Store([]byte("ephemeral"))
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Now().UTC()

	// 6 days old: kept.
	n, err := s.SweepExpired(t0.Add(6 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 0 {
		t.Errorf("sweep at 6 days deleted %d artifacts, want 0", n)
	}
	if _, err := os.Stat(rec.StoragePath); err != nil {
		t.Errorf("artifact should survive a 6-day sweep: %v", err)
	}

	// 7 days + 1 hour old: deleted.
	n, err = s.SweepExpired(t0.Add(7*24*time.Hour + time.Hour))
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("sweep past 7 days deleted %d artifacts, want 1", n)
	}
	if _, err := os.Stat(rec.StoragePath); !os.IsNotExist(err) {
		t.Error("artifact should be gone after the TTL sweep")
	}
}

func TestSweepExpired_WholeDayTruncation(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Store([]byte("boundary case"))
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Now().UTC()

	// 6 days 23 hours: age truncates to 6 whole days — kept.
	n, err := s.SweepExpired(t0.Add(6*24*time.Hour + 23*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("sweep at 6d23h deleted %d, want 0 (floor to whole days)", n)
	}
	if _, err := os.Stat(rec.StoragePath); err != nil {
		t.Error("artifact must survive until a full 7x24h has elapsed")
	}
}

func TestNew_RejectsBadKey(t *testing.T) {
	if _, err := New(t.TempDir(), []byte("too-short"), 0); err == nil {
		t.Error("New should reject keys that are not 32 bytes")
	}
}

func TestSweepExpired_ConfiguredTTL(t *testing.T) {
	s := newTestStoreTTL(t, 24*time.Hour)

	rec, err := s.Store([]byte("short retention"))
	if err != nil {
		t.Fatal(err)
	}
	if want := rec.CreatedAt.Add(24 * time.Hour); !rec.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want created_at + configured 1 day", rec.ExpiresAt)
	}
	t0 := time.Now().UTC()

	n, err := s.SweepExpired(t0.Add(23 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("sweep at 23h deleted %d, want 0 with a 1-day window", n)
	}

	n, err = s.SweepExpired(t0.Add(25 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("sweep at 25h deleted %d, want 1 with a 1-day window", n)
	}
}

func TestSetTTL(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Store([]byte("window shrinks"))
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Now().UTC()

	// 2 days old under the default 7-day window: kept.
	n, err := s.SweepExpired(t0.Add(2 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("sweep under default window deleted %d, want 0", n)
	}

	// Shrinking the window takes effect on the next sweep.
	s.SetTTL(24 * time.Hour)
	n, err = s.SweepExpired(t0.Add(2 * 24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("sweep under shrunk window deleted %d, want 1", n)
	}
	if _, err := os.Stat(rec.StoragePath); !os.IsNotExist(err) {
		t.Error("artifact should be gone after the shrunk-window sweep")
	}
}

func TestBlobLayout(t *testing.T) {
	s := newTestStore(t)

	content := []byte("layout check")
	rec, err := s.Store(content)
	if err != nil {
		t.Fatal(err)
	}

	blob, err := os.ReadFile(rec.StoragePath)
	if err != nil {
		t.Fatal(err)
	}
	// nonce(12) + tag(16) + ciphertext(len(plaintext) for GCM).
	if want := 12 + 16 + len(content); len(blob) != want {
		t.Errorf("blob is %d bytes, want %d (nonce||tag||ciphertext)", len(blob), want)
	}
}
