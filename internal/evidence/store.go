// Package evidence implements the content-addressed, encrypted-at-rest
// store for binary attachments.
//
// Artifacts are AES-256-GCM encrypted and written to
// {root}/{hash[0:8]}/{hash}.enc where hash is the hex SHA-256 of the
// plaintext. The blob layout is nonce(12) || tag(16) || ciphertext, so a
// single file is sufficient to decrypt and authenticate later. Artifacts
// expire after the store's retention window (7 days unless configured
// otherwise) and are removed by SweepExpired.
package evidence

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// Algorithm is the fixed encryption descriptor recorded on every artifact.
	Algorithm = "AES-256-GCM"

	// DefaultTTL is the retention window used when the store is opened
	// without an explicit one. Artifacts older than the window (in whole
	// days) are deleted by SweepExpired.
	DefaultTTL = 7 * 24 * time.Hour

	nonceSize = 12
	tagSize   = 16
)

// ErrIntegrity indicates ciphertext authentication failed on retrieval —
// the artifact was tampered with or corrupted on disk.
var ErrIntegrity = errors.New("evidence authentication failed")

// Record describes one stored artifact. Callers receive only the record,
// never the plaintext or encrypted bytes. Write-once: records are never
// mutated after Store returns.
type Record struct {
	ContentHash string    `json:"content_hash"`
	StoragePath string    `json:"storage_path"`
	Algorithm   string    `json:"encryption_algorithm"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store encrypts and persists attachments under a root directory.
// Safe for concurrent use: writes are content-addressed, so distinct
// contents never collide on a path and identical contents are idempotent
// overwrites of identical bytes.
type Store struct {
	root string
	gcm  cipher.AEAD

	mu  sync.RWMutex // Guards ttl, which config reload can change.
	ttl time.Duration
}

// New creates an evidence store rooted at dir, encrypting with the given
// 32-byte AES-256 key and retaining artifacts for ttl. A non-positive ttl
// selects DefaultTTL. The root directory is created if absent.
func New(dir string, key []byte, ttl time.Duration) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("evidence key must be 32 bytes for AES-256, got %d", len(key))
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating evidence root %s: %w", dir, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{root: dir, gcm: gcm, ttl: ttl}, nil
}

// SetTTL changes the retention window. Records already written keep
// their original expires_at; the sweep uses the new window from the next
// pass on. Serve mode calls this when config.yaml is reloaded.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// TTL returns the current retention window.
func (s *Store) TTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ttl
}

// Store encrypts content and writes it to its content-addressed path,
// returning the record. Storing identical content twice yields the same
// path — a benign overwrite, not an error.
func (s *Store) Store(content []byte) (Record, error) {
	sum := sha256.Sum256(content)
	return s.write(hex.EncodeToString(sum[:]), content)
}

// StoreFile reads the file at path and stores it. The file is read once
// and the same buffer is hashed and sealed, so the recorded content_hash
// always matches the ciphertext even if the file changes mid-call.
func (s *Store) StoreFile(path string) (Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("reading attachment %s: %w", path, err)
	}
	return s.Store(content)
}

// write encrypts content with a fresh nonce and lands the blob at the
// content-addressed path via temp file + rename, so a concurrent identical
// write never exposes a partially written artifact.
func (s *Store) write(hash string, content []byte) (Record, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Record{}, fmt.Errorf("generating nonce: %w", err)
	}

	// gcm.Seal appends the tag to the ciphertext; the on-disk layout wants
	// nonce || tag || ciphertext, so split and reorder.
	sealed := s.gcm.Seal(nil, nonce, content, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, nonceSize+tagSize+len(ct))
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)

	dir := filepath.Join(s.root, hash[:8])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Record{}, fmt.Errorf("creating shard directory %s: %w", dir, err)
	}

	dest := filepath.Join(dir, hash+".enc")
	tmp, err := os.CreateTemp(dir, "."+hash+".tmp*")
	if err != nil {
		return Record{}, fmt.Errorf("creating temp artifact: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Record{}, fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Record{}, fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return Record{}, fmt.Errorf("placing artifact %s: %w", dest, err)
	}

	now := time.Now().UTC()
	return Record{
		ContentHash: hash,
		StoragePath: dest,
		Algorithm:   Algorithm,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.TTL()),
	}, nil
}

// Retrieve decrypts and authenticates the artifact behind a record. Any
// authentication failure — a single flipped ciphertext byte is enough —
// returns ErrIntegrity.
func (s *Store) Retrieve(rec Record) ([]byte, error) {
	blob, err := os.ReadFile(rec.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", rec.StoragePath, err)
	}
	if len(blob) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: artifact %s truncated (%d bytes)", ErrIntegrity, rec.StoragePath, len(blob))
	}

	nonce := blob[:nonceSize]
	tag := blob[nonceSize : nonceSize+tagSize]
	ct := blob[nonceSize+tagSize:]

	// Reassemble ciphertext || tag for gcm.Open.
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, rec.StoragePath)
	}
	return plaintext, nil
}

// SweepExpired walks the store and deletes every artifact whose age at now,
// truncated to whole days, has reached the retention window. With the
// default 7-day window an artifact stored at T survives
// SweepExpired(T + 7d - 1s) and is removed by SweepExpired(T + 7d).
// Deletion is best-effort per file: failures are logged and the sweep
// continues. Returns the number of deleted artifacts.
func (s *Store) SweepExpired(now time.Time) (int, error) {
	ttlDays := int(s.TTL().Hours() / 24)
	deleted := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// A shard vanished mid-walk (concurrent sweep) — benign.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".enc") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			slog.Warn("sweep: cannot stat artifact", "path", path, "error", err)
			return nil
		}

		ageDays := int(now.Sub(info.ModTime()).Hours() / 24)
		if ageDays < ttlDays {
			return nil
		}

		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			slog.Warn("sweep: delete failed", "path", path, "error", err)
			return nil
		}
		deleted++
		slog.Info("sweep: deleted expired artifact", "path", path, "age_days", ageDays)
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("sweeping evidence store: %w", err)
	}
	return deleted, nil
}
