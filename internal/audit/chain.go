// Package audit implements the tamper-evident, hash-chained audit log.
//
// Every recorded interaction becomes an Entry in an append-only JSONL
// file. Each entry carries an integrity block:
//
//	log_hash      = SHA-256(canonical JSON of the entry minus integrity)
//	previous_hash = log_hash of the preceding entry (64 zero hex for the
//	                first entry in a chain)
//	signature     = RSA-PSS(SHA-256, max salt) over "log_hash:previous_hash"
//
// Tampering with any entry's content breaks its log_hash; tampering with
// the order or removing entries breaks the previous_hash linkage; forging
// either requires the private signing key.
package audit

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/traceproof/traceproof/internal/assemble"
	"github.com/traceproof/traceproof/internal/evidence"
)

const (
	// GenesisHash is the previous_hash of the first entry in a chain.
	GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	// SignatureAlgorithm is the fixed descriptor recorded on every entry.
	SignatureAlgorithm = "RSA-SHA256"
)

// Integrity is the tamper-evidence block attached to each entry.
type Integrity struct {
	LogHash            string `json:"log_hash"`
	PreviousHash       string `json:"previous_hash"`
	Signature          string `json:"signature"`
	SignatureAlgorithm string `json:"signature_algorithm"`
}

// Entry is one finalized, signed audit record.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	Request   assemble.Request  `json:"request"`
	Response  assemble.Response `json:"response"`
	Evidence  *evidence.Record  `json:"evidence,omitempty"`
	Integrity Integrity         `json:"integrity"`
}

// entryContent mirrors Entry without the integrity block. Hashing operates
// on this shape so the hash never covers its own integrity fields.
type entryContent struct {
	ID        string            `json:"id"`
	Timestamp string            `json:"timestamp"`
	Request   assemble.Request  `json:"request"`
	Response  assemble.Response `json:"response"`
	Evidence  *evidence.Record  `json:"evidence,omitempty"`
}

// canonicalJSON serializes v with all object keys sorted recursively, so
// identical logical content always produces identical bytes regardless of
// struct field order. Numbers pass through json.Number to keep their exact
// textual form.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling for canonical form: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalizing canonical form: %w", err)
	}

	// encoding/json sorts map keys, which makes the re-marshal canonical.
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("remarshaling canonical form: %w", err)
	}
	return canonical, nil
}

// contentHash computes the hex SHA-256 of an entry's canonical content,
// excluding the integrity block.
func contentHash(e *Entry) (string, error) {
	canonical, err := canonicalJSON(entryContent{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Request:   e.Request,
		Response:  e.Response,
		Evidence:  e.Evidence,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// signaturePayload is the byte string actually signed: the log hash and
// previous hash joined by a colon.
func signaturePayload(logHash, previousHash string) []byte {
	return []byte(logHash + ":" + previousHash)
}

// signChainLink signs log_hash:previous_hash with RSA-PSS, SHA-256 digest,
// salt length maximized. Returns the hex-encoded signature.
func signChainLink(priv *rsa.PrivateKey, logHash, previousHash string) (string, error) {
	digest := sha256.Sum256(signaturePayload(logHash, previousHash))
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("signing chain link: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// verifySignature checks an entry's signature against the stored
// log_hash/previous_hash pair. Returns false on any failure, including a
// malformed integrity block. It does not recompute log_hash from content —
// see Logger.VerifyFull for the strict check.
func verifySignature(pub *rsa.PublicKey, e *Entry) bool {
	if pub == nil || e.Integrity.LogHash == "" || e.Integrity.PreviousHash == "" {
		return false
	}
	sig, err := hex.DecodeString(e.Integrity.Signature)
	if err != nil || len(sig) == 0 {
		return false
	}

	digest := sha256.Sum256(signaturePayload(e.Integrity.LogHash, e.Integrity.PreviousHash))
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}
