package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidClient is returned for an unknown client or a wrong secret.
var ErrInvalidClient = errors.New("invalid client credentials")

// ErrInvalidScope is returned when a client requests a scope that does not exist.
var ErrInvalidScope = errors.New("invalid scope")

// AllScopes lists every scope a ledger client may request.
var AllScopes = []string{ScopeWrite, ScopeSnapshot}

// Clients checks client credentials against bcrypt hashes.
type Clients struct {
	hashes map[string]string // client id → bcrypt hash
}

// NewClients creates a Clients set from client id → bcrypt hash.
func NewClients(hashes map[string]string) *Clients {
	cp := make(map[string]string, len(hashes))
	for id, h := range hashes {
		cp[id] = h
	}
	return &Clients{hashes: cp}
}

// Authenticate verifies secret for clientID and returns the granted scopes.
// An empty request grants every scope; unknown scopes are rejected.
func (c *Clients) Authenticate(clientID, secret string, requested []string) ([]string, error) {
	hash, ok := c.hashes[clientID]
	if !ok {
		return nil, ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, ErrInvalidClient
	}

	if len(requested) == 0 {
		return append([]string(nil), AllScopes...), nil
	}
	for _, s := range requested {
		if s != ScopeWrite && s != ScopeSnapshot {
			return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidScope, s)
		}
	}
	return requested, nil
}

// HashSecret returns a bcrypt hash suitable for the auth.clients config key.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
