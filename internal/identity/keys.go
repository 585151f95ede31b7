package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	ledgerKeyFile = "ledger.key"
	ledgerKeyBits = 3072
)

// ErrNoSigningKey is returned when a key-dependent component is built
// without a loaded key.
var ErrNoSigningKey = errors.New("no signing key loaded")

// KeyProvider owns the ledger's RSA key. It creates and persists the key to
// disk on first run, then reloads it on subsequent starts.
type KeyProvider struct {
	dir string
	key *rsa.PrivateKey
}

// NewKeyProvider returns a KeyProvider that stores the key file in dir.
func NewKeyProvider(dir string) *KeyProvider {
	return &KeyProvider{dir: dir}
}

// NewStaticKeyProvider wraps an already-loaded key.
func NewStaticKeyProvider(key *rsa.PrivateKey) *KeyProvider {
	return &KeyProvider{key: key}
}

// LoadOrCreate loads the key from disk if it exists; creates a new one otherwise.
func (p *KeyProvider) LoadOrCreate() error {
	err := p.Load()
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return p.Create()
}

// Load reads an existing PKCS#1 PEM key from the configured directory.
func (p *KeyProvider) Load() error {
	keyPEM, err := os.ReadFile(filepath.Join(p.dir, ledgerKeyFile))
	if err != nil {
		return fmt.Errorf("read ledger key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode ledger key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse ledger key: %w", err)
	}
	p.key = key
	return nil
}

// Create generates a new RSA key, saves it to disk, and activates it.
func (p *KeyProvider) Create() error {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("create key dir %q: %w", p.dir, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, ledgerKeyBits)
	if err != nil {
		return fmt.Errorf("generate ledger key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(filepath.Join(p.dir, ledgerKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write ledger key: %w", err)
	}

	p.key = key
	return nil
}

// Key returns the loaded private key, or nil.
func (p *KeyProvider) Key() *rsa.PrivateKey { return p.key }

// PublicKey returns the public half of the loaded key, or nil.
func (p *KeyProvider) PublicKey() *rsa.PublicKey {
	if p.key == nil {
		return nil
	}
	return &p.key.PublicKey
}

// KeyID returns a stable identifier for the loaded key: the first 16 hex
// characters of SHA-256 over the PKIX public key.
func (p *KeyProvider) KeyID() string {
	if p.key == nil {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(&p.key.PublicKey)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}

// PublicKeyPEM returns the public key in PKIX PEM format.
func (p *KeyProvider) PublicKeyPEM() (string, error) {
	if p.key == nil {
		return "", ErrNoSigningKey
	}
	der, err := x509.MarshalPKIXPublicKey(&p.key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
