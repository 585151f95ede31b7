package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SnapshotSigner signs Merkle roots with RSA-PKCS1v1.5 over SHA-256 and
// encodes the signature as standard base64.
type SnapshotSigner struct {
	key *rsa.PrivateKey
}

// NewSnapshotSigner returns a signer over the provider's key, or
// ErrNoSigningKey when none is loaded.
func NewSnapshotSigner(keys *KeyProvider) (*SnapshotSigner, error) {
	if keys == nil || keys.Key() == nil {
		return nil, ErrNoSigningKey
	}
	return &SnapshotSigner{key: keys.Key()}, nil
}

// Sign returns the base64 signature over root.
func (s *SnapshotSigner) Sign(root []byte) (string, error) {
	digest := sha256.Sum256(root)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign root: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is valid over root under the signer's key.
func (s *SnapshotSigner) Verify(root []byte, signature string) bool {
	return VerifyRootSignature(&s.key.PublicKey, root, signature)
}

// VerifyRootSignature checks a base64 snapshot signature against pub.
func VerifyRootSignature(pub *rsa.PublicKey, root []byte, signature string) bool {
	if pub == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(root)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}
