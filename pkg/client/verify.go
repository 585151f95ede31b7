package client

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/jmerrifield20/auditledger/pkg/canonical"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// VerifyProof recomputes the Merkle root from the proof's leaf hash and path
// and reports whether it matches proof.MerkleRoot.
func VerifyProof(p *Proof) (bool, error) {
	leaf, err := merkle.ParseDigest(p.LeafHash)
	if err != nil {
		return false, fmt.Errorf("leaf hash: %w", err)
	}
	root, err := merkle.ParseDigest(p.MerkleRoot)
	if err != nil {
		return false, fmt.Errorf("merkle root: %w", err)
	}
	path := make([]merkle.Digest, len(p.Path))
	for i, s := range p.Path {
		if path[i], err = merkle.ParseDigest(s); err != nil {
			return false, fmt.Errorf("path[%d]: %w", i, err)
		}
	}
	return merkle.Verify(leaf, path, p.Position, root), nil
}

// LeafHash recomputes the Merkle leaf of an event from its fields, so a
// proof's LeafHash can be tied back to the event content.
func LeafHash(e *Event) (string, error) {
	payload := canonical.Null()
	if len(e.Payload) > 0 {
		v, err := canonical.Parse(e.Payload)
		if err != nil {
			return "", fmt.Errorf("payload: %w", err)
		}
		payload = v
	}
	body := canonical.EventBody(e.EventType, e.EntityType, e.EntityID, e.UserID, payload)
	return merkle.HashLeaf(canonical.Encode(canonical.EventLeaf(body, e.ID))).String(), nil
}

// VerifySnapshotSignature checks a snapshot's signature over its root bytes
// with the ledger public key. Unsigned snapshots never verify.
func VerifySnapshotSignature(pub *rsa.PublicKey, s *Snapshot) bool {
	if pub == nil || s.Signature == nil {
		return false
	}
	root, err := merkle.ParseDigest(s.MerkleRoot)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(*s.Signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(root[:])
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// PublicKey fetches the ledger signing key from the JWKS endpoint.
func (c *Client) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := c.call(ctx, http.MethodGet, "/.well-known/jwks.json", "", nil, &set); err != nil {
		return nil, err
	}
	for _, k := range set.Keys {
		if k.Kty == "RSA" {
			return k.rsaPublicKey()
		}
	}
	return nil, errors.New("jwks: no RSA key")
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk n: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk e: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("jwk e: invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(exp.Int64())}, nil
}
