// Package keys loads or generates the persistent key material used by the
// audit trail: a 256-bit symmetric key for evidence encryption and an
// RSA-2048 key pair for signing audit entries.
//
// Key material lives in three files inside the key directory:
//
//	evidence_key.bin        32 raw bytes (AES-256)
//	audit_private_key.pem   PKCS#8 private key
//	audit_public_key.pem    PKIX public key
//
// Generation happens only when a file is absent. Existing files are loaded
// verbatim and never regenerated — replacing them is an out-of-band rotation
// with no migration of previously encrypted data.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	symmetricKeyFile = "evidence_key.bin"
	privateKeyFile   = "audit_private_key.pem"
	publicKeyFile    = "audit_public_key.pem"

	symmetricKeySize = 32
	rsaKeyBits       = 2048
)

// ErrKeyStorage indicates the key directory could not be created, read, or
// written. Fatal at startup.
var ErrKeyStorage = errors.New("key storage unavailable")

// ErrKeyFormat indicates persisted key material exists but is corrupt or
// unparsable. Fatal at startup — never silently regenerated.
var ErrKeyFormat = errors.New("key material malformed")

// Manager holds the process-lifetime key material. Constructed once at
// startup and injected into the evidence store and audit logger. The keys
// are never logged or serialized into audit entries.
type Manager struct {
	dir        string
	symmetric  []byte
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
}

// Open loads or generates all key material in dir. The directory is created
// if absent. Both the symmetric key and the RSA pair are idempotent across
// restarts: the first Open generates and persists, every later Open loads
// the same bytes unchanged.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating key directory %s: %v", ErrKeyStorage, dir, err)
	}

	m := &Manager{dir: dir}

	if err := m.loadOrGenerateSymmetric(); err != nil {
		return nil, err
	}
	if err := m.loadOrGenerateKeyPair(); err != nil {
		return nil, err
	}

	slog.Info("key material ready", "dir", dir)
	return m, nil
}

// SymmetricKey returns the 32-byte AES-256 key for evidence encryption.
func (m *Manager) SymmetricKey() []byte {
	return m.symmetric
}

// KeyPair returns the RSA signing key pair for audit entries.
func (m *Manager) KeyPair() (*rsa.PrivateKey, *rsa.PublicKey) {
	return m.privateKey, m.publicKey
}

// PublicKeyPEM returns the PKIX-encoded public key, suitable for handing to
// external verifiers.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// loadOrGenerateSymmetric loads evidence_key.bin if present, otherwise
// draws 32 bytes from crypto/rand and persists them.
func (m *Manager) loadOrGenerateSymmetric() error {
	path := filepath.Join(m.dir, symmetricKeyFile)

	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != symmetricKeySize {
			return fmt.Errorf("%w: %s holds %d bytes, want %d", ErrKeyFormat, path, len(data), symmetricKeySize)
		}
		m.symmetric = data
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("%w: reading %s: %v", ErrKeyStorage, path, err)
	}

	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generating symmetric key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrKeyStorage, path, err)
	}

	m.symmetric = key
	slog.Info("generated evidence encryption key", "path", path)
	return nil
}

// loadOrGenerateKeyPair loads the PEM pair if the private key file exists,
// otherwise generates RSA-2048 and persists both halves.
func (m *Manager) loadOrGenerateKeyPair() error {
	privPath := filepath.Join(m.dir, privateKeyFile)
	pubPath := filepath.Join(m.dir, publicKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return m.loadKeyPair(privPath, pubPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: checking %s: %v", ErrKeyStorage, privPath, err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generating RSA key pair: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrKeyStorage, privPath, err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("marshaling public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrKeyStorage, pubPath, err)
	}

	m.privateKey = priv
	m.publicKey = &priv.PublicKey
	slog.Info("generated audit signing key pair", "dir", m.dir)
	return nil
}

// loadKeyPair parses the persisted PEM pair. The public key is re-derived
// from the private key if the public file is missing, so a pair copied
// without its public half still loads.
func (m *Manager) loadKeyPair(privPath, pubPath string) error {
	privPEM, err := os.ReadFile(privPath)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrKeyStorage, privPath, err)
	}

	block, _ := pem.Decode(privPEM)
	if block == nil {
		return fmt.Errorf("%w: %s is not PEM", ErrKeyFormat, privPath)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrKeyFormat, privPath, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("%w: %s does not hold an RSA key", ErrKeyFormat, privPath)
	}
	if priv.N.BitLen() < rsaKeyBits {
		return fmt.Errorf("%w: %s modulus is %d bits, want >= %d", ErrKeyFormat, privPath, priv.N.BitLen(), rsaKeyBits)
	}

	m.privateKey = priv
	m.publicKey = &priv.PublicKey

	pubPEM, err := os.ReadFile(pubPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading %s: %v", ErrKeyStorage, pubPath, err)
	}
	block, _ = pem.Decode(pubPEM)
	if block == nil {
		return fmt.Errorf("%w: %s is not PEM", ErrKeyFormat, pubPath)
	}
	parsedPub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrKeyFormat, pubPath, err)
	}
	pub, ok := parsedPub.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: %s does not hold an RSA key", ErrKeyFormat, pubPath)
	}
	m.publicKey = pub
	return nil
}
